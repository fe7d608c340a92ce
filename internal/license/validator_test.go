package license

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rogkeys/internal/domain"
	"rogkeys/internal/store"
)

func newTestValidator(t *testing.T) (*Validator, *Manager, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	v := NewValidator(st, nil, nil)
	m := NewManager(st, nil, nil)
	return v, m, st
}

func TestValidateInputGates(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestValidator(t)

	_, err := v.Validate(ctx, "   ", "fp-1", ClientMeta{})
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = v.Validate(ctx, "ROG-AB12-CD34-EF56-GH78", "  ", ClientMeta{})
	assert.ErrorIs(t, err, ErrMissingFingerprint)
}

func TestValidateUnknownKey(t *testing.T) {
	v, _, _ := newTestValidator(t)
	_, err := v.Validate(context.Background(), "ROG-XXXX-XXXX-XXXX-XXXX", "fp-1", ClientMeta{})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestValidateNormalizesPresentedKey(t *testing.T) {
	ctx := context.Background()
	v, m, _ := newTestValidator(t)

	rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
	require.NoError(t, err)

	// Lowercase with surrounding whitespace must resolve to the same key.
	session, err := v.Validate(ctx, "  "+lower(rec.Key)+"\n", "fp-1", ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "fp-1", session.DeviceID)
}

func lower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

func TestValidateFirstUseBinds(t *testing.T) {
	ctx := context.Background()
	v, m, st := newTestValidator(t)

	rec, err := m.Create(ctx, CreateParams{
		Prefix:        "ROG",
		DurationValue: 1,
		DurationUnit:  domain.DurationDays,
		Note:          "customer #42",
	})
	require.NoError(t, err)

	session, err := v.Validate(ctx, rec.Key, "fp-1", ClientMeta{IP: "203.0.113.9", DeviceName: "desktop"})
	require.NoError(t, err)
	assert.Equal(t, "customer #42", session.Note)
	assert.Equal(t, "fp-1", session.DeviceID)
	require.NotNil(t, session.ExpiresAt)

	stored := st.mustGet(rec.ID)
	require.True(t, stored.Bound())
	assert.Equal(t, "fp-1", *stored.BoundDeviceID)
	require.NotNil(t, stored.DeviceName)
	assert.Equal(t, "desktop", *stored.DeviceName)
	assert.Equal(t, int64(1), stored.UsageCount)
	require.NotNil(t, stored.IP)
	assert.Equal(t, "203.0.113.9", *stored.IP)
	assert.NotNil(t, stored.LastUsed)
}

func TestValidateRepeatSameDeviceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	v, m, st := newTestValidator(t)

	rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
	require.NoError(t, err)

	const attempts = 5
	for i := 0; i < attempts; i++ {
		_, err := v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		require.NoError(t, err, "attempt %d", i+1)
	}

	stored := st.mustGet(rec.ID)
	assert.Equal(t, "fp-1", *stored.BoundDeviceID, "binding never changes after first use")
	assert.Equal(t, int64(attempts), stored.UsageCount)
}

func TestValidateDeviceMismatch(t *testing.T) {
	ctx := context.Background()
	v, m, st := newTestValidator(t)

	rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
	require.NoError(t, err)

	_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
	require.NoError(t, err)

	_, err = v.Validate(ctx, rec.Key, "fp-2", ClientMeta{})
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	stored := st.mustGet(rec.ID)
	assert.Equal(t, "fp-1", *stored.BoundDeviceID)
	assert.Equal(t, int64(1), stored.UsageCount, "rejected attempts record no usage")
}

func TestValidateStatusGates(t *testing.T) {
	ctx := context.Background()
	v, m, _ := newTestValidator(t)

	for _, s := range []domain.KeyStatus{domain.StatusPaused, domain.StatusBanned, domain.StatusArchived} {
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
		require.NoError(t, err)
		_, err = m.SetStatus(ctx, rec.ID, s)
		require.NoError(t, err)

		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		var notActive *NotActiveError
		require.ErrorAs(t, err, &notActive, "status %s", s)
		assert.Equal(t, s, notActive.Status)
	}
}

func TestValidateExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("expired key rejects and lazily flips status", func(t *testing.T) {
		v, m, st := newTestValidator(t)
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG", DurationValue: 1, DurationUnit: domain.DurationMinutes})
		require.NoError(t, err)

		v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		assert.ErrorIs(t, err, ErrExpired)
		assert.Equal(t, domain.StatusExpired, st.mustGet(rec.ID).Status)
		assert.False(t, st.mustGet(rec.ID).Bound(), "expired keys never bind")
	})

	t.Run("lazy flip failure does not change the verdict", func(t *testing.T) {
		v, m, st := newTestValidator(t)
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG", DurationValue: 1, DurationUnit: domain.DurationMinutes})
		require.NoError(t, err)

		st.fail("SetStatus", store.ErrUnavailable)
		v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("unexpired key validates normally", func(t *testing.T) {
		v, m, _ := newTestValidator(t)
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG", DurationValue: 1, DurationUnit: domain.DurationHours})
		require.NoError(t, err)
		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		assert.NoError(t, err)
	})
}

func TestValidateTransientFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("lookup unavailable is retryable", func(t *testing.T) {
		v, m, st := newTestValidator(t)
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
		require.NoError(t, err)

		st.fail("FindByKey", store.ErrUnavailable)
		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.True(t, Retryable(err))
	})

	t.Run("bind unavailable is retryable and safe to repeat", func(t *testing.T) {
		v, m, st := newTestValidator(t)
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
		require.NoError(t, err)

		st.fail("Bind", store.ErrUnavailable)
		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.False(t, st.mustGet(rec.ID).Bound())

		// The retry after recovery succeeds with the same inputs.
		st.mu.Lock()
		delete(st.failWith, "Bind")
		st.mu.Unlock()
		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		assert.NoError(t, err)
	})

	t.Run("lost bind race reads as device mismatch", func(t *testing.T) {
		v, m, st := newTestValidator(t)
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
		require.NoError(t, err)

		st.fail("Bind", store.ErrAlreadyBound)
		_, err = v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		assert.ErrorIs(t, err, ErrDeviceMismatch)
	})

	t.Run("usage recording failure never blocks acceptance", func(t *testing.T) {
		v, m, st := newTestValidator(t)
		rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
		require.NoError(t, err)

		st.fail("RecordUsage", store.ErrUnavailable)
		session, err := v.Validate(ctx, rec.Key, "fp-1", ClientMeta{})
		require.NoError(t, err)
		assert.Equal(t, "fp-1", session.DeviceID)
		assert.Equal(t, int64(0), st.mustGet(rec.ID).UsageCount)
	})
}

func TestValidateConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	v, m, st := newTestValidator(t)

	rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
	require.NoError(t, err)

	const devices = 16
	var wg sync.WaitGroup
	errs := make([]error, devices)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.Validate(ctx, rec.Key, fmt.Sprintf("fp-%d", i), ClientMeta{})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrDeviceMismatch, "loser %d", i)
	}
	assert.Equal(t, 1, accepted, "exactly one device wins the first-use race")

	stored := st.mustGet(rec.ID)
	require.True(t, stored.Bound())
	assert.Equal(t, int64(1), stored.UsageCount)
}

func TestValidateResetAllowsRebinding(t *testing.T) {
	ctx := context.Background()
	v, m, st := newTestValidator(t)

	rec, err := m.Create(ctx, CreateParams{Prefix: "ROG"})
	require.NoError(t, err)

	_, err = v.Validate(ctx, rec.Key, "fp-old", ClientMeta{})
	require.NoError(t, err)
	_, err = v.Validate(ctx, rec.Key, "fp-new", ClientMeta{})
	require.ErrorIs(t, err, ErrDeviceMismatch)

	_, err = m.ResetBinding(ctx, rec.ID)
	require.NoError(t, err)

	_, err = v.Validate(ctx, rec.Key, "fp-new", ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "fp-new", *st.mustGet(rec.ID).BoundDeviceID)
}
