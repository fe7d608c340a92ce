package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"rogkeys/internal/domain"
	"rogkeys/internal/metrics"
	"rogkeys/internal/store"
)

// createAttempts bounds the regenerate-on-collision loop in Create.
// With ~82 bits of key entropy a second collision is effectively
// unreachable; the bound exists so a broken store cannot loop forever.
const createAttempts = 5

// CreateParams describes a key issuance request. A zero DurationValue or
// empty DurationUnit means a lifetime key.
type CreateParams struct {
	Prefix        string `validate:"max=16"`
	DurationValue int64  `validate:"min=0"`
	DurationUnit  domain.DurationUnit
	Note          string `validate:"max=512"`
	HWID          string
	OwnerID       string
}

// ListOptions controls the admin list projection.
type ListOptions struct {
	Filter store.ListFilter
	Sort   string // createdAt | lastUsed | usageCount | key
	Order  string // asc | desc (default desc)
}

// Manager is the key lifecycle service. Every operation here is reachable
// only through an authenticated admin capability; the transport layer
// enforces that boundary.
type Manager struct {
	store   store.KeyStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager wires the lifecycle service onto a key store.
func NewManager(st store.KeyStore, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		logger:  logger.With(slog.String("component", "lifecycle")),
		metrics: m,
		now:     time.Now,
	}
}

// Create issues a new key: generates a unique key string, computes the
// expiry from the duration (nil for lifetime), and persists the record
// as ACTIVE and unbound unless an HWID pre-binding was supplied.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*domain.LicenseKey, error) {
	now := m.now().UnixMilli()

	var expiresAt *int64
	if p.DurationValue > 0 && p.DurationUnit != "" {
		span, err := p.DurationUnit.Millis(p.DurationValue)
		if err != nil {
			return nil, err
		}
		exp := now + span
		expiresAt = &exp
	}

	rec := &domain.LicenseKey{
		Status:     domain.StatusActive,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		UsageCount: 0,
		MaxDevices: 1,
		Note:       strings.TrimSpace(p.Note),
		OwnerID:    p.OwnerID,
	}
	if hwid := strings.TrimSpace(p.HWID); hwid != "" {
		rec.BoundDeviceID = &hwid
	}

	for attempt := 1; attempt <= createAttempts; attempt++ {
		key, err := GenerateKey(p.Prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		rec.Key = key

		_, err = m.store.Create(ctx, rec)
		if errors.Is(err, store.ErrConflict) {
			m.logger.Warn("key collision, regenerating",
				slog.String("key", key),
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, mapStoreErr(err)
		}

		m.metrics.Lifecycle("create")
		m.logger.InfoContext(ctx, "key created",
			slog.String("id", rec.ID),
			slog.String("key", rec.Key),
			slog.Bool("lifetime", rec.Lifetime()),
			slog.Bool("pre_bound", rec.Bound()),
			slog.String("owner", rec.OwnerID))
		return rec.Clone(), nil
	}
	return nil, fmt.Errorf("%w: could not generate a unique key", ErrInternal)
}

// SetStatus applies an admin status transition. BANNED is terminal: the
// only accepted "transition" from it is the idempotent repeat. Repeated
// calls with the current status are no-ops. The read here gives early,
// friendly answers; the authoritative terminal check sits inside the
// store's atomic status write.
func (m *Manager) SetStatus(ctx context.Context, id string, status domain.KeyStatus) (*domain.LicenseKey, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", string(status))
	}
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if rec.Status == status {
		return rec, nil
	}
	if rec.Status == domain.StatusBanned {
		return nil, ErrStatusTerminal
	}
	if err := m.store.SetStatus(ctx, id, status); err != nil {
		return nil, mapStoreErr(err)
	}

	m.metrics.Lifecycle("set_status")
	m.logger.InfoContext(ctx, "key status changed",
		slog.String("id", id),
		slog.String("from", string(rec.Status)),
		slog.String("to", string(status)))
	rec.Status = status
	return rec, nil
}

// ResetBinding clears the device lock and session telemetry so the key can
// be claimed by a new device on its next validation. Status and usageCount
// survive the reset; resetting a BANNED key does not unban it.
func (m *Manager) ResetBinding(ctx context.Context, id string) (*domain.LicenseKey, error) {
	if err := m.store.ResetBinding(ctx, id); err != nil {
		return nil, mapStoreErr(err)
	}
	m.metrics.Lifecycle("reset_binding")
	m.logger.InfoContext(ctx, "key binding reset", slog.String("id", id))
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return rec, nil
}

// Delete hard-removes the record. Irreversible.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	m.metrics.Lifecycle("delete")
	m.logger.InfoContext(ctx, "key deleted", slog.String("id", id))
	return nil
}

// Get returns one record by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.LicenseKey, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return rec, nil
}

// List is the read-only admin projection. It has no side effects and no
// security weight; it just reflects the store's current state.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]domain.LicenseKey, error) {
	keys, err := m.store.List(ctx, opts.Filter)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	sortKeys(keys, opts.Sort, opts.Order)
	return keys, nil
}

func sortKeys(keys []domain.LicenseKey, field, order string) {
	asc := order == "asc"
	less := func(i, j int) bool {
		switch field {
		case "key":
			return keys[i].Key < keys[j].Key
		case "lastUsed":
			return ptrMillis(keys[i].LastUsed) < ptrMillis(keys[j].LastUsed)
		case "usageCount":
			return keys[i].UsageCount < keys[j].UsageCount
		default:
			return keys[i].CreatedAt < keys[j].CreatedAt
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if asc {
			return less(i, j)
		}
		return less(j, i)
	})
}

func ptrMillis(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// mapStoreErr lifts store errors into the protocol taxonomy.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrKeyNotFound
	case errors.Is(err, store.ErrTerminalStatus):
		return ErrStatusTerminal
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyBound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
