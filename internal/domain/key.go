// Package domain contains the core data model for the license key service.
// These types are the single source of truth shared by the store backends,
// the lifecycle manager and the validation engine.
package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// KeyStatus represents the lifecycle state of a license key.
type KeyStatus string

const (
	StatusActive   KeyStatus = "ACTIVE"
	StatusPaused   KeyStatus = "PAUSED"
	StatusBanned   KeyStatus = "BANNED"
	StatusExpired  KeyStatus = "EXPIRED"
	StatusArchived KeyStatus = "ARCHIVED"
)

// Valid reports whether s is one of the known statuses.
func (s KeyStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusBanned, StatusExpired, StatusArchived:
		return true
	}
	return false
}

// DurationUnit is the unit for key lifetimes at creation time.
type DurationUnit string

const (
	DurationMinutes DurationUnit = "MINUTES"
	DurationHours   DurationUnit = "HOURS"
	DurationDays    DurationUnit = "DAYS"
	DurationYears   DurationUnit = "YEARS"
)

// Millis converts value in this unit to milliseconds. A year is a flat
// 365 days, matching what the admin dashboard advertises to operators.
func (u DurationUnit) Millis(value int64) (int64, error) {
	var unit time.Duration
	switch u {
	case DurationMinutes:
		unit = time.Minute
	case DurationHours:
		unit = time.Hour
	case DurationDays:
		unit = 24 * time.Hour
	case DurationYears:
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown duration unit %q", string(u))
	}
	return value * unit.Milliseconds(), nil
}

// LicenseKey is one license key document. Timestamps are Unix milliseconds
// to stay wire-compatible with the dashboard and the client loaders.
// ExpiresAt == nil means a lifetime key that never expires.
type LicenseKey struct {
	ID            string    `json:"id" firestore:"-"`
	Key           string    `json:"key" firestore:"key" validate:"required"`
	Status        KeyStatus `json:"status" firestore:"status" validate:"required"`
	CreatedAt     int64     `json:"createdAt" firestore:"createdAt" validate:"required"`
	ExpiresAt     *int64    `json:"expiresAt" firestore:"expiresAt"`
	BoundDeviceID *string   `json:"boundDeviceId" firestore:"boundDeviceId"`
	DeviceName    *string   `json:"deviceName" firestore:"deviceName"`
	LastUsed      *int64    `json:"lastUsed" firestore:"lastUsed"`
	IP            *string   `json:"ip" firestore:"ip"`
	UsageCount    int64     `json:"usageCount" firestore:"usageCount" validate:"min=0"`
	MaxDevices    int       `json:"maxDevices" firestore:"maxDevices"`
	Note          string    `json:"note" firestore:"note"`
	OwnerID       string    `json:"ownerId" firestore:"ownerId"`
}

var validate = validator.New()

// Validate is the strict decode gate at the store boundary. Records that
// fail it are rejected rather than defaulted, so a corrupted or mistyped
// document can never be accepted as a usable key.
func (k *LicenseKey) Validate() error {
	if err := validate.Struct(k); err != nil {
		return fmt.Errorf("invalid license record: %w", err)
	}
	if !k.Status.Valid() {
		return fmt.Errorf("invalid license record: unknown status %q", string(k.Status))
	}
	if k.ExpiresAt != nil && *k.ExpiresAt <= 0 {
		return fmt.Errorf("invalid license record: non-positive expiresAt")
	}
	return nil
}

// Lifetime reports whether the key never expires.
func (k *LicenseKey) Lifetime() bool { return k.ExpiresAt == nil }

// ExpiredAt reports whether the key's expiry timestamp has passed at now.
// Lifetime keys never expire. The comparison is against the timestamp, not
// the possibly stale Status field; no background job sweeps expired keys.
func (k *LicenseKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && now.UnixMilli() > *k.ExpiresAt
}

// Bound reports whether the key is locked to a device.
func (k *LicenseKey) Bound() bool {
	return k.BoundDeviceID != nil && *k.BoundDeviceID != ""
}

// Clone returns a deep copy so store snapshots can be handed to callers
// without aliasing the pointer fields.
func (k *LicenseKey) Clone() *LicenseKey {
	c := *k
	c.ExpiresAt = clonePtr(k.ExpiresAt)
	c.BoundDeviceID = clonePtr(k.BoundDeviceID)
	c.DeviceName = clonePtr(k.DeviceName)
	c.LastUsed = clonePtr(k.LastUsed)
	c.IP = clonePtr(k.IP)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
