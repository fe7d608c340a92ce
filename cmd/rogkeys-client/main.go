// Command rogkeys-client is the reference loader-side client: it derives
// the machine fingerprint, presents a key to the validation endpoint and
// prints the outcome. It demonstrates the retry contract clients are
// expected to follow.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"rogkeys/internal/security"
)

const (
	maxAttempts    = 4
	initialBackoff = 2 * time.Second
	requestTimeout = 15 * time.Second
)

type validateRequest struct {
	Key        string `json:"key"`
	HWID       string `json:"hwid"`
	DeviceName string `json:"device_name,omitempty"`
}

// serverResponse covers both the accept and reject shapes; the server
// always answers with JSON, so a body that fails to parse means the
// endpoint itself is missing or broken, not that the key was rejected.
type serverResponse struct {
	Valid     bool   `json:"valid"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	ExpiresAt string `json:"expires_at"`
	OwnerNote string `json:"owner_note"`
	DeviceID  string `json:"device_id"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rogkeys-client: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		server  = flag.String("server", envOr("ROG_SERVER", "http://localhost:8080"), "validation server base URL")
		key     = flag.String("key", envOr("ROG_KEY", ""), "license key to present")
		secret  = flag.String("secret", envOr("ROG_API_SECRET", ""), "pre-shared x-api-secret value")
		dataDir = flag.String("data-dir", ".", "directory holding the fingerprint cache")
		name    = flag.String("device-name", "", "optional device label recorded on first use")
		ping    = flag.Bool("ping", false, "only check that the server is reachable")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: requestTimeout}
	endpoint := *server + "/v1/validate"

	if *ping {
		return doPing(ctx, client, endpoint)
	}

	if *key == "" {
		return fmt.Errorf("a license key is required (-key or ROG_KEY)")
	}

	hwid, err := security.NewGenerator(*dataDir, logger).Fingerprint()
	if err != nil {
		return fmt.Errorf("derive fingerprint: %w", err)
	}
	logger.Debug("fingerprint derived", slog.String("hwid", hwid))

	resp, err := validateWithRetry(ctx, client, logger, endpoint, *secret, validateRequest{
		Key:        *key,
		HWID:       hwid,
		DeviceName: *name,
	})
	if err != nil {
		return err
	}

	if !resp.Valid {
		return fmt.Errorf("rejected [%s]: %s", resp.Code, resp.Message)
	}
	fmt.Printf("Authenticated.\n  expires: %s\n  note:    %s\n  device:  %s\n",
		resp.ExpiresAt, resp.OwnerNote, resp.DeviceID)
	return nil
}

func doPing(ctx context.Context, client *http.Client, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?ping=1", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "online" {
		return fmt.Errorf("endpoint answered but is not a validation server")
	}
	fmt.Println(body.Message)
	return nil
}

// validateWithRetry retries only transient failures: network errors, 429
// and 5xx. Policy rejections (4xx with a JSON body) are terminal; retrying
// them cannot change the outcome.
func validateWithRetry(ctx context.Context, client *http.Client, logger *slog.Logger, endpoint, secret string, req validateRequest) (*serverResponse, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, retryable, err := validateOnce(ctx, client, endpoint, secret, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}
		logger.Warn("transient failure, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

func validateOnce(ctx context.Context, client *http.Client, endpoint, secret string, req validateRequest) (*serverResponse, bool, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if secret != "" {
		httpReq.Header.Set("x-api-secret", secret)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	var resp serverResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Non-JSON body: this is not the validation endpoint (wrong URL,
		// proxy error page, server not deployed). Retrying may help if a
		// deploy is in flight, but only for server-side statuses.
		retry := httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("endpoint did not answer with JSON (HTTP %d)", httpResp.StatusCode)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK && resp.Valid:
		return &resp, false, nil
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("server error [%s]: %s", resp.Code, resp.Message)
	default:
		return &resp, false, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
