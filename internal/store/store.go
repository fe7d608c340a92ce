// Package store provides the key store abstraction and its backends.
// The production backend is Cloud Firestore, matching the dashboard's
// deployment; the bbolt backend serves standalone installs and tests.
package store

import (
	"context"
	"errors"

	"rogkeys/internal/domain"
)

var (
	// ErrNotFound means no document matched the id or key value.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict means a create collided with an existing key value.
	ErrConflict = errors.New("store: key value already exists")
	// ErrAlreadyBound means a conditional bind lost the race: the document
	// was bound to a different device between lookup and write.
	ErrAlreadyBound = errors.New("store: key already bound to another device")
	// ErrTerminalStatus means a status write tried to move a BANNED record
	// to another status. The check lives inside the store's per-document
	// update so concurrent admin writes cannot race a ban.
	ErrTerminalStatus = errors.New("store: BANNED status is terminal")
	// ErrUnavailable wraps transport failures (timeouts, connectivity).
	// Callers retry it with backoff; it is never a policy decision.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// UsageStamp carries the best-effort telemetry recorded on every
// successful validation.
type UsageStamp struct {
	LastUsed int64
	IP       string
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Status  domain.KeyStatus
	Query   string // case-insensitive substring over key and note
	OwnerID string
}

// ClientWritable is the only field set an unauthenticated caller may touch
// when clients talk to the document store directly. The declarative rule
// layer in deploy/firestore.rules enforces the same list; this constant
// exists so server code and tests can assert parity with it.
var ClientWritable = []string{"boundDeviceId", "deviceName", "lastUsed", "ip", "usageCount"}

// KeyStore is the narrow document-store capability the license core needs:
// point lookups, a find-by-field query, and partial conditional updates.
type KeyStore interface {
	// Create persists a new record and returns its assigned id.
	// Returns ErrConflict when the key value already exists.
	Create(ctx context.Context, rec *domain.LicenseKey) (string, error)
	Get(ctx context.Context, id string) (*domain.LicenseKey, error)
	// FindByKey looks up the single document whose key field equals the
	// canonical key string.
	FindByKey(ctx context.Context, key string) (*domain.LicenseKey, error)
	List(ctx context.Context, f ListFilter) ([]domain.LicenseKey, error)

	// SetStatus writes the status atomically with respect to concurrent
	// status writes. A record already BANNED accepts only the idempotent
	// repeat; anything else returns ErrTerminalStatus.
	SetStatus(ctx context.Context, id string, status domain.KeyStatus) error
	// ResetBinding clears boundDeviceId, deviceName, ip and lastUsed.
	// Status and usageCount are untouched.
	ResetBinding(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	// Bind sets boundDeviceId to fingerprint only if it is currently
	// unset, atomically with respect to concurrent binders from any
	// process. Binding to the already-bound same fingerprint is a no-op
	// success; a different existing binding returns ErrAlreadyBound.
	Bind(ctx context.Context, id, fingerprint, deviceName string) error
	// RecordUsage sets lastUsed and ip and increments usageCount.
	RecordUsage(ctx context.Context, id string, stamp UsageStamp) error

	// Watch emits the full reconciled key set whenever it changes, until
	// ctx is cancelled. Delivery is best-effort and eventually consistent;
	// consumers reconcile last-write-wins per document.
	Watch(ctx context.Context) (<-chan []domain.LicenseKey, error)

	Close() error
}
