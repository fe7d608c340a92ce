package license

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"rogkeys/internal/domain"
	"rogkeys/internal/store"
)

// fakeStore is an in-memory store.KeyStore with per-method error
// injection, so the service layer's error mapping can be exercised
// without a backend.
type fakeStore struct {
	mu     sync.Mutex
	byID   map[string]*domain.LicenseKey
	nextID int

	failWith map[string]error // method name -> injected error
	calls    []string

	// beforeSetStatus runs on the record under the store lock before the
	// status write, letting tests interleave a competing write.
	beforeSetStatus func(*domain.LicenseKey)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:     make(map[string]*domain.LicenseKey),
		failWith: make(map[string]error),
	}
}

func (f *fakeStore) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith[method] = err
}

func (f *fakeStore) called(method string) (error, bool) {
	f.calls = append(f.calls, method)
	err, ok := f.failWith[method]
	return err, ok
}

func (f *fakeStore) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeStore) Create(_ context.Context, rec *domain.LicenseKey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("Create"); ok {
		return "", err
	}
	for _, existing := range f.byID {
		if existing.Key == rec.Key {
			return "", store.ErrConflict
		}
	}
	f.nextID++
	id := fmt.Sprintf("doc-%d", f.nextID)
	stored := rec.Clone()
	stored.ID = id
	f.byID[id] = stored
	rec.ID = id
	return id, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*domain.LicenseKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("Get"); ok {
		return nil, err
	}
	rec, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeStore) FindByKey(_ context.Context, key string) (*domain.LicenseKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("FindByKey"); ok {
		return nil, err
	}
	for _, rec := range f.byID {
		if rec.Key == key {
			return rec.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) List(_ context.Context, filter store.ListFilter) ([]domain.LicenseKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("List"); ok {
		return nil, err
	}
	var out []domain.LicenseKey
	for _, rec := range f.byID {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Query != "" {
			q := strings.ToLower(filter.Query)
			if !strings.Contains(strings.ToLower(rec.Key), q) &&
				!strings.Contains(strings.ToLower(rec.Note), q) {
				continue
			}
		}
		out = append(out, *rec.Clone())
	}
	return out, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id string, status domain.KeyStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("SetStatus"); ok {
		return err
	}
	rec, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if f.beforeSetStatus != nil {
		f.beforeSetStatus(rec)
	}
	if rec.Status == domain.StatusBanned && status != domain.StatusBanned {
		return store.ErrTerminalStatus
	}
	rec.Status = status
	return nil
}

func (f *fakeStore) ResetBinding(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("ResetBinding"); ok {
		return err
	}
	rec, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.BoundDeviceID = nil
	rec.DeviceName = nil
	rec.IP = nil
	rec.LastUsed = nil
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("Delete"); ok {
		return err
	}
	if _, ok := f.byID[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeStore) Bind(_ context.Context, id, fingerprint, deviceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("Bind"); ok {
		return err
	}
	rec, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Bound() {
		if *rec.BoundDeviceID == fingerprint {
			return nil
		}
		return store.ErrAlreadyBound
	}
	rec.BoundDeviceID = &fingerprint
	if deviceName != "" {
		rec.DeviceName = &deviceName
	}
	return nil
}

func (f *fakeStore) RecordUsage(_ context.Context, id string, stamp store.UsageStamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.called("RecordUsage"); ok {
		return err
	}
	rec, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.LastUsed = &stamp.LastUsed
	if stamp.IP != "" {
		ip := stamp.IP
		rec.IP = &ip
	}
	rec.UsageCount++
	return nil
}

func (f *fakeStore) Watch(ctx context.Context) (<-chan []domain.LicenseKey, error) {
	ch := make(chan []domain.LicenseKey)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeStore) Close() error { return nil }

// mustGet reads a record directly, bypassing error injection.
func (f *fakeStore) mustGet(id string) *domain.LicenseKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].Clone()
}
