package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"rogkeys/internal/domain"
)

// FirestoreStore is the production backend. It relies on Firestore
// transactions for the conditional first-use bind and on server-side
// Increment for usage counters, so concurrent validators from independent
// processes are serialized per document by the database, never by an
// in-process lock.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

// OpenFirestore connects to the project's licenses collection.
// credentialsFile may be empty to use application default credentials.
func OpenFirestore(ctx context.Context, projectID, collection, credentialsFile string, logger *slog.Logger) (*FirestoreStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if projectID == "" {
		return nil, fmt.Errorf("open firestore store: project id is required")
	}
	if collection == "" {
		collection = "licenses"
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("open firestore store: %w", err)
	}
	logger.Info("firestore store connected",
		slog.String("project", projectID),
		slog.String("collection", collection))
	return &FirestoreStore{client: client, collection: collection, logger: logger}, nil
}

func (s *FirestoreStore) Close() error { return s.client.Close() }

func (s *FirestoreStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// Create persists the record inside a transaction so the key-uniqueness
// probe and the write cannot be split by a concurrent create of the same
// key value.
func (s *FirestoreStore) Create(ctx context.Context, rec *domain.LicenseKey) (string, error) {
	doc := s.col().NewDoc()
	stored := rec.Clone()
	stored.ID = doc.ID
	if err := stored.Validate(); err != nil {
		return "", err
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		iter := tx.Documents(s.col().Where("key", "==", stored.Key).Limit(1))
		defer iter.Stop()
		if _, err := iter.Next(); err == nil {
			return ErrConflict
		} else if !errors.Is(err, iterator.Done) {
			return err
		}
		return tx.Create(doc, stored)
	})
	if err != nil {
		return "", s.mapErr("create", err)
	}
	rec.ID = doc.ID
	return doc.ID, nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*domain.LicenseKey, error) {
	snap, err := s.col().Doc(id).Get(ctx)
	if err != nil {
		return nil, s.mapErr("get", err)
	}
	return decodeSnapshot(snap)
}

func (s *FirestoreStore) FindByKey(ctx context.Context, key string) (*domain.LicenseKey, error) {
	iter := s.col().Where("key", "==", key).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.mapErr("find_by_key", err)
	}
	return decodeSnapshot(snap)
}

func (s *FirestoreStore) List(ctx context.Context, f ListFilter) ([]domain.LicenseKey, error) {
	q := s.col().Query
	if f.Status != "" {
		q = q.Where("status", "==", string(f.Status))
	}
	if f.OwnerID != "" {
		q = q.Where("ownerId", "==", f.OwnerID)
	}
	q = q.OrderBy("createdAt", firestore.Desc)

	iter := q.Documents(ctx)
	defer iter.Stop()
	var out []domain.LicenseKey
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, s.mapErr("list", err)
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		// Substring search is applied client-side; Firestore has no
		// contains operator.
		if matchFilter(rec, ListFilter{Query: f.Query}) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// SetStatus writes the status in a transaction so the BANNED-terminal
// check cannot race a concurrent ban from another admin.
func (s *FirestoreStore) SetStatus(ctx context.Context, id string, stat domain.KeyStatus) error {
	ref := s.col().Doc(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		if rec.Status == domain.StatusBanned && stat != domain.StatusBanned {
			return ErrTerminalStatus
		}
		return tx.Update(ref, []firestore.Update{{Path: "status", Value: string(stat)}})
	})
	return s.mapErr("set_status", err)
}

func (s *FirestoreStore) ResetBinding(ctx context.Context, id string) error {
	_, err := s.col().Doc(id).Update(ctx, []firestore.Update{
		{Path: "boundDeviceId", Value: nil},
		{Path: "deviceName", Value: nil},
		{Path: "ip", Value: nil},
		{Path: "lastUsed", Value: nil},
	})
	return s.mapErr("reset_binding", err)
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	// Firestore deletes are idempotent; probe first so callers get a
	// proper not-found for unknown ids.
	if _, err := s.col().Doc(id).Get(ctx); err != nil {
		return s.mapErr("delete", err)
	}
	_, err := s.col().Doc(id).Delete(ctx)
	return s.mapErr("delete", err)
}

// Bind performs the race-safe first-use bind inside a transaction:
// "set boundDeviceId to fingerprint only if it is still null". Two
// concurrent binders against a fresh key resolve to exactly one winner.
func (s *FirestoreStore) Bind(ctx context.Context, id, fingerprint, deviceName string) error {
	ref := s.col().Doc(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		if rec.Bound() {
			if *rec.BoundDeviceID == fingerprint {
				return nil
			}
			return ErrAlreadyBound
		}
		updates := []firestore.Update{{Path: "boundDeviceId", Value: fingerprint}}
		if deviceName != "" {
			updates = append(updates, firestore.Update{Path: "deviceName", Value: deviceName})
		}
		return tx.Update(ref, updates)
	})
	return s.mapErr("bind", err)
}

func (s *FirestoreStore) RecordUsage(ctx context.Context, id string, stamp UsageStamp) error {
	updates := []firestore.Update{
		{Path: "lastUsed", Value: stamp.LastUsed},
		{Path: "usageCount", Value: firestore.Increment(1)},
	}
	if stamp.IP != "" {
		updates = append(updates, firestore.Update{Path: "ip", Value: stamp.IP})
	}
	_, err := s.col().Doc(id).Update(ctx, updates)
	return s.mapErr("record_usage", err)
}

func (s *FirestoreStore) Watch(ctx context.Context) (<-chan []domain.LicenseKey, error) {
	ch := make(chan []domain.LicenseKey, 1)
	snaps := s.col().Query.Snapshots(ctx)
	go func() {
		defer close(ch)
		defer snaps.Stop()
		for {
			qsnap, err := snaps.Next()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("firestore watch terminated", slog.String("error", err.Error()))
				}
				return
			}
			var out []domain.LicenseKey
			docs := qsnap.Documents
			for {
				snap, err := docs.Next()
				if errors.Is(err, iterator.Done) {
					break
				}
				if err != nil {
					s.logger.Warn("firestore watch decode", slog.String("error", err.Error()))
					break
				}
				rec, err := decodeSnapshot(snap)
				if err != nil {
					// Fail closed per document: skip records that do not
					// decode strictly instead of surfacing garbage.
					s.logger.Error("skipping undecodable record",
						slog.String("id", snap.Ref.ID),
						slog.String("error", err.Error()))
					continue
				}
				out = append(out, *rec)
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// decodeSnapshot is the strict decode step at the store boundary. Records
// missing required fields or carrying an unknown status are rejected.
func decodeSnapshot(snap *firestore.DocumentSnapshot) (*domain.LicenseKey, error) {
	var rec domain.LicenseKey
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", snap.Ref.ID, err)
	}
	rec.ID = snap.Ref.ID
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// mapErr classifies Firestore client errors into the store taxonomy.
func (s *FirestoreStore) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyBound) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrTerminalStatus) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.AlreadyExists:
		return ErrConflict
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		s.logger.Warn("firestore unavailable",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("firestore %s: %w", op, err)
	}
}
