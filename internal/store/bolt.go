package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"rogkeys/internal/domain"
)

const (
	bucketKeys  = "keys"  // id -> json(LicenseKey)
	bucketIndex = "byKey" // key value -> id, uniqueness index
)

// BoltStore is the embedded backend for standalone installs and tests.
// bbolt serializes writers, so the conditional bind is naturally atomic
// within a single Update transaction.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[int]chan []domain.LicenseKey
	nextID   int
}

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	st := &BoltStore{db: db, logger: logger, watchers: make(map[int]chan []domain.LicenseKey)}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketKeys)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketIndex))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	return st, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Create(ctx context.Context, rec *domain.LicenseKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	id := uuid.NewString()
	stored := rec.Clone()
	stored.ID = id
	if err := stored.Validate(); err != nil {
		return "", err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket([]byte(bucketIndex))
		if idx.Get([]byte(stored.Key)) != nil {
			return ErrConflict
		}
		if err := putRecord(tx, stored); err != nil {
			return err
		}
		return idx.Put([]byte(stored.Key), []byte(id))
	})
	if err != nil {
		return "", err
	}
	rec.ID = id
	s.notify()
	return id, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (*domain.LicenseKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec *domain.LicenseKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) FindByKey(ctx context.Context, key string) (*domain.LicenseKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec *domain.LicenseKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucketIndex)).Get([]byte(key))
		if id == nil {
			return ErrNotFound
		}
		var err error
		rec, err = getRecord(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) List(ctx context.Context, f ListFilter) ([]domain.LicenseKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []domain.LicenseKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketKeys)).ForEach(func(k, v []byte) error {
			var rec domain.LicenseKey
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %s: %w", string(k), err)
			}
			rec.ID = string(k)
			if err := rec.Validate(); err != nil {
				return err
			}
			if matchFilter(&rec, f) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *BoltStore) SetStatus(ctx context.Context, id string, status domain.KeyStatus) error {
	return s.update(ctx, id, func(rec *domain.LicenseKey) error {
		if rec.Status == domain.StatusBanned && status != domain.StatusBanned {
			return ErrTerminalStatus
		}
		rec.Status = status
		return nil
	})
}

func (s *BoltStore) ResetBinding(ctx context.Context, id string) error {
	return s.update(ctx, id, func(rec *domain.LicenseKey) error {
		rec.BoundDeviceID = nil
		rec.DeviceName = nil
		rec.IP = nil
		rec.LastUsed = nil
		return nil
	})
}

func (s *BoltStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketIndex)).Delete([]byte(rec.Key)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketKeys)).Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *BoltStore) Bind(ctx context.Context, id, fingerprint, deviceName string) error {
	return s.update(ctx, id, func(rec *domain.LicenseKey) error {
		if rec.Bound() {
			if *rec.BoundDeviceID == fingerprint {
				return nil
			}
			return ErrAlreadyBound
		}
		rec.BoundDeviceID = &fingerprint
		if deviceName != "" {
			rec.DeviceName = &deviceName
		}
		return nil
	})
}

func (s *BoltStore) RecordUsage(ctx context.Context, id string, stamp UsageStamp) error {
	return s.update(ctx, id, func(rec *domain.LicenseKey) error {
		rec.LastUsed = &stamp.LastUsed
		if stamp.IP != "" {
			ip := stamp.IP
			rec.IP = &ip
		}
		rec.UsageCount++
		return nil
	})
}

func (s *BoltStore) Watch(ctx context.Context) (<-chan []domain.LicenseKey, error) {
	ch := make(chan []domain.LicenseKey, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	// Seed with the current state so subscribers render immediately.
	if snap, err := s.List(ctx, ListFilter{}); err == nil {
		ch <- snap
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// update runs a read-modify-write of one record in a single bbolt
// transaction. mutate sees the decoded record and edits it in place.
func (s *BoltStore) update(ctx context.Context, id string, mutate func(*domain.LicenseKey) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		return putRecord(tx, rec)
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// notify fans the current key set out to watchers. Slow consumers have
// their stale pending snapshot replaced rather than blocking writers.
func (s *BoltStore) notify() {
	snap, err := s.List(context.Background(), ListFilter{})
	if err != nil {
		s.logger.Warn("watch snapshot failed", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func matchFilter(rec *domain.LicenseKey, f ListFilter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && rec.OwnerID != f.OwnerID {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(rec.Key), q) &&
			!strings.Contains(strings.ToLower(rec.Note), q) {
			return false
		}
	}
	return true
}

func getRecord(tx *bbolt.Tx, id string) (*domain.LicenseKey, error) {
	v := tx.Bucket([]byte(bucketKeys)).Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	var rec domain.LicenseKey
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	rec.ID = id
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func putRecord(tx *bbolt.Tx, rec *domain.LicenseKey) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketKeys)).Put([]byte(rec.ID), buf)
}
