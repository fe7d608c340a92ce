package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rogkeys/internal/domain"
	"rogkeys/internal/metrics"
	"rogkeys/internal/store"
)

// DefaultStoreTimeout bounds every store round-trip inside Validate.
// Expiry of this budget surfaces as ErrUnavailable, never as a rejection.
const DefaultStoreTimeout = 12 * time.Second

// ClientMeta is optional caller telemetry recorded on acceptance.
type ClientMeta struct {
	IP         string
	DeviceName string
}

// Session is the successful validation result returned to the caller.
// A nil ExpiresAt means a lifetime key.
type Session struct {
	ExpiresAt *int64
	Note      string
	DeviceID  string
}

// Validator is the trusted-server deployment of the validation engine.
// The decision itself lives in Evaluate; Validator adds normalization,
// lookup, the conditional bind side-effect and best-effort usage stats.
type Validator struct {
	store   store.KeyStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewValidator wires the validation engine onto a key store.
func NewValidator(st store.KeyStore, logger *slog.Logger, m *metrics.Metrics) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:   st,
		logger:  logger.With(slog.String("component", "validator")),
		metrics: m,
		timeout: DefaultStoreTimeout,
		now:     time.Now,
	}
}

// WithStoreTimeout overrides the per-attempt store budget. Non-positive
// values keep the default.
func (v *Validator) WithStoreTimeout(d time.Duration) *Validator {
	if d > 0 {
		v.timeout = d
	}
	return v
}

// Validate runs one validation attempt for (presentedKey, fingerprint).
// The check order is fixed by the protocol: normalize, lookup, status,
// expiry, binding, then usage recording. Usage recording is telemetry,
// not a gate; its failure never turns an accepted attempt into a
// rejection.
func (v *Validator) Validate(ctx context.Context, presentedKey, fingerprint string, meta ClientMeta) (*Session, error) {
	tracer := otel.Tracer("rogkeys/license")
	ctx, span := tracer.Start(ctx, "license.validate",
		trace.WithAttributes(attribute.String("component", "validator")))
	defer span.End()

	session, err := v.validate(ctx, presentedKey, fingerprint, meta)
	v.metrics.Validation(string(ReasonOf(err)))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.reject_reason", string(ReasonOf(err))))
	}
	return session, err
}

func (v *Validator) validate(ctx context.Context, presentedKey, fingerprint string, meta ClientMeta) (*Session, error) {
	// Step 1: normalize inputs.
	key := NormalizeKey(presentedKey)
	if key == "" {
		return nil, ErrMissingKey
	}
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, ErrMissingFingerprint
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	// Step 2: lookup by canonical key value.
	rec, err := v.store.FindByKey(ctx, key)
	if err != nil {
		return nil, v.lookupErr(ctx, key, err)
	}

	// Steps 3-5: the pure state machine.
	now := v.now()
	dec := Evaluate(rec, now, fingerprint)

	if dec.MarkExpired {
		// Lazy eviction so the next read short-circuits on status. Purely
		// an optimization; the rejection already stands on the timestamp.
		if err := v.store.SetStatus(ctx, rec.ID, domain.StatusExpired); err != nil {
			v.logger.WarnContext(ctx, "lazy expiry flip failed",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
		}
	}

	switch dec.Outcome {
	case OutcomeReject:
		v.logger.InfoContext(ctx, "validation rejected",
			slog.String("key", key),
			slog.String("reason", string(ReasonOf(dec.Err))))
		return nil, dec.Err

	case OutcomeBind:
		// First use: claim the device lock with a conditional write. Losing
		// the race to another device is a DeviceMismatch, exactly as if the
		// other device had bound first.
		if err := v.store.Bind(ctx, rec.ID, fingerprint, meta.DeviceName); err != nil {
			return nil, v.bindErr(ctx, rec.ID, err)
		}
		v.logger.InfoContext(ctx, "key bound to device",
			slog.String("id", rec.ID),
			slog.String("key", key),
			slog.String("fingerprint", fingerprint))
	}

	// Step 6: usage stats, best effort.
	v.recordUsage(ctx, rec.ID, meta)

	// Step 7: accept.
	return &Session{
		ExpiresAt: rec.ExpiresAt,
		Note:      rec.Note,
		DeviceID:  fingerprint,
	}, nil
}

func (v *Validator) lookupErr(ctx context.Context, key string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		v.logger.InfoContext(ctx, "validation rejected",
			slog.String("key", key),
			slog.String("reason", string(ReasonKeyNotFound)))
		return ErrKeyNotFound
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		v.logger.ErrorContext(ctx, "key lookup failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}

func (v *Validator) bindErr(ctx context.Context, id string, err error) error {
	switch {
	case errors.Is(err, store.ErrAlreadyBound):
		v.logger.WarnContext(ctx, "lost first-use bind race",
			slog.String("id", id))
		return ErrDeviceMismatch
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		v.logger.ErrorContext(ctx, "bind write failed",
			slog.String("id", id),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrBindingFailed, err)
	}
}

func (v *Validator) recordUsage(ctx context.Context, id string, meta ClientMeta) {
	stamp := store.UsageStamp{LastUsed: v.now().UnixMilli(), IP: meta.IP}
	if err := v.store.RecordUsage(ctx, id, stamp); err != nil {
		v.logger.WarnContext(ctx, "usage recording failed",
			slog.String("id", id),
			slog.String("error", err.Error()))
	}
}
