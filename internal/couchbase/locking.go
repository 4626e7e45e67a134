package couchbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"
)

// LockDocID is the key of the extract load lock.
const LockDocID = "load_lock"

// DefaultLockTTL bounds how long a crashed loader can block readers.
const DefaultLockTTL = time.Hour

var (
	// ErrLocked is returned when another loader holds the lock.
	ErrLocked = errors.New("patient store is locked by a running load")
	// ErrNotLocked is returned by Unlock when this locker holds nothing.
	ErrNotLocked = errors.New("patient store is not locked by this loader")
	// ErrLockLost is returned by Unlock when the lock expired and was taken
	// over by another loader.
	ErrLockLost = errors.New("load lock was taken over by another loader")
)

type lockDocument struct {
	Locked    bool      `json:"locked"`
	LockedAt  time.Time `json:"lockedAt"`
	LockedBy  string    `json:"lockedBy"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newLockDocument(owner string, now time.Time, ttl time.Duration) lockDocument {
	return lockDocument{
		Locked:    true,
		LockedAt:  now.UTC(),
		LockedBy:  owner,
		ExpiresAt: now.UTC().Add(ttl),
	}
}

// active reports whether the lock still excludes other loaders at now.
func (d lockDocument) active(now time.Time) bool {
	return d.Locked && now.Before(d.ExpiresAt)
}

// lockStore is the lock document's storage. Writes after the first are
// guarded by the CAS the caller last saw.
type lockStore interface {
	insert(ctx context.Context, doc lockDocument) (gocb.Cas, error)
	get(ctx context.Context) (lockDocument, gocb.Cas, error)
	replace(ctx context.Context, doc lockDocument, cas gocb.Cas) (gocb.Cas, error)
	remove(ctx context.Context, cas gocb.Cas) error
}

type collectionLockStore struct {
	collection *gocb.Collection
}

func (s collectionLockStore) insert(ctx context.Context, doc lockDocument) (gocb.Cas, error) {
	res, err := s.collection.Insert(LockDocID, doc, &gocb.InsertOptions{Context: ctx})
	if err != nil {
		return 0, err
	}
	return res.Cas(), nil
}

func (s collectionLockStore) get(ctx context.Context) (lockDocument, gocb.Cas, error) {
	var doc lockDocument
	res, err := s.collection.Get(LockDocID, &gocb.GetOptions{Context: ctx})
	if err != nil {
		return doc, 0, err
	}
	if err := res.Content(&doc); err != nil {
		return doc, 0, fmt.Errorf("failed to parse lock document: %w", err)
	}
	return doc, res.Cas(), nil
}

func (s collectionLockStore) replace(ctx context.Context, doc lockDocument, cas gocb.Cas) (gocb.Cas, error) {
	res, err := s.collection.Replace(LockDocID, doc, &gocb.ReplaceOptions{Context: ctx, Cas: cas})
	if err != nil {
		return 0, err
	}
	return res.Cas(), nil
}

func (s collectionLockStore) remove(ctx context.Context, cas gocb.Cas) error {
	_, err := s.collection.Remove(LockDocID, &gocb.RemoveOptions{Context: ctx, Cas: cas})
	return err
}

// LoadLocker serialises extract loads. The lock is a single document
// created with Insert, so two loaders cannot both take it. An expired lock
// is taken over with a CAS-guarded Replace, and Unlock removes the document
// only if it is still the version this locker wrote.
type LoadLocker struct {
	store lockStore
	owner string
	ttl   time.Duration

	mu   sync.Mutex
	held bool
	cas  gocb.Cas
}

// NewLoadLocker creates a locker writing as owner.
func NewLoadLocker(bucket *gocb.Bucket, owner string, ttl time.Duration) *LoadLocker {
	return newLoadLocker(collectionLockStore{collection: bucket.DefaultCollection()}, owner, ttl)
}

func newLoadLocker(store lockStore, owner string, ttl time.Duration) *LoadLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LoadLocker{store: store, owner: owner, ttl: ttl}
}

// Lock takes the load lock for this locker.
func (l *LoadLocker) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return fmt.Errorf("lock already held by %s", l.owner)
	}

	doc := newLockDocument(l.owner, time.Now(), l.ttl)
	cas, err := l.store.insert(ctx, doc)
	if errors.Is(err, gocb.ErrDocumentExists) {
		cas, err = l.takeOver(ctx, doc)
	}
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return err
		}
		return fmt.Errorf("failed to create lock document: %w", err)
	}

	l.held = true
	l.cas = cas
	log.Info().Str("owner", l.owner).Msg("Patient store locked for load")
	return nil
}

// takeOver replaces an expired lock. Losing the race to another loader
// reports ErrLocked.
func (l *LoadLocker) takeOver(ctx context.Context, doc lockDocument) (gocb.Cas, error) {
	current, seen, err := l.store.get(ctx)
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return 0, fmt.Errorf("%w (lock changed while taking over)", ErrLocked)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check lock status: %w", err)
	}
	if current.active(time.Now()) {
		return 0, fmt.Errorf("%w (held by %s until %s)", ErrLocked, current.LockedBy, current.ExpiresAt.Format(time.RFC3339))
	}

	log.Warn().
		Str("previous_owner", current.LockedBy).
		Time("expired_at", current.ExpiresAt).
		Msg("Taking over expired load lock")
	cas, err := l.store.replace(ctx, doc, seen)
	if errors.Is(err, gocb.ErrCasMismatch) || errors.Is(err, gocb.ErrDocumentNotFound) {
		return 0, fmt.Errorf("%w (another loader took over the expired lock)", ErrLocked)
	}
	return cas, err
}

// Unlock releases the lock taken by Lock. If the lock expired and another
// loader took it over, the other loader's lock is left in place and
// ErrLockLost is returned.
func (l *LoadLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrNotLocked
	}

	err := l.store.remove(ctx, l.cas)
	switch {
	case err == nil, errors.Is(err, gocb.ErrDocumentNotFound):
	case errors.Is(err, gocb.ErrCasMismatch):
		l.held = false
		log.Warn().Str("owner", l.owner).Msg("Load lock was taken over before unlock")
		return ErrLockLost
	default:
		return fmt.Errorf("failed to remove lock document: %w", err)
	}

	l.held = false
	log.Info().Str("owner", l.owner).Msg("Patient store unlocked")
	return nil
}

// Held reports whether this locker currently holds the lock.
func (l *LoadLocker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// CheckLockStatus reports whether any loader currently holds an unexpired
// lock, and who.
func (l *LoadLocker) CheckLockStatus(ctx context.Context) (bool, string, error) {
	doc, _, err := l.store.get(ctx)
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to check lock status: %w", err)
	}
	if !doc.active(time.Now()) {
		return false, "", nil
	}
	return true, doc.LockedBy, nil
}
