// Package auth answers the one question the license core asks about a
// caller: is this an authorized admin. Identity management itself is
// delegated to Firebase Authentication; standalone installs use a
// pre-shared token instead.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"rogkeys/internal/license"
)

// Identity is the verified admin principal.
type Identity struct {
	UID   string
	Email string
}

// Verifier checks a bearer token and returns the admin identity, or
// license.ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// FirebaseVerifier validates Firebase Authentication ID tokens, the same
// identities the admin dashboard signs in with.
type FirebaseVerifier struct {
	client *fbauth.Client
	logger *slog.Logger
}

// NewFirebaseVerifier connects to the project's Firebase Auth service.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*FirebaseVerifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client, logger: logger}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, license.ErrUnauthorized
	}
	decoded, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		v.logger.WarnContext(ctx, "id token rejected", slog.String("error", err.Error()))
		return nil, license.ErrUnauthorized
	}
	id := &Identity{UID: decoded.UID}
	if email, ok := decoded.Claims["email"].(string); ok {
		id.Email = email
	}
	return id, nil
}

// StaticVerifier accepts a single pre-shared admin token. Used by
// standalone (bolt-backed) deployments with no identity provider.
type StaticVerifier struct {
	token string
}

// NewStaticVerifier requires a non-empty token; an empty one would let
// every caller through.
func NewStaticVerifier(token string) (*StaticVerifier, error) {
	if token == "" {
		return nil, fmt.Errorf("static admin token must not be empty")
	}
	return &StaticVerifier{token: token}, nil
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return nil, license.ErrUnauthorized
	}
	return &Identity{UID: "local-admin"}, nil
}
