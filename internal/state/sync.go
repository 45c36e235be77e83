// Package state implements the shared-state synchronizer: versioned key/value
// records kept convergent across independently-updating workers through
// per-key advisory locking, selectable conflict resolution and periodic
// reconciliation against the persistence collaborator.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentforge/coordinator/internal/config"
	"github.com/agentforge/coordinator/internal/events"
	"github.com/agentforge/coordinator/internal/logging"
	"github.com/agentforge/coordinator/internal/persistence"
)

// Sentinel errors surfaced by the synchronizer.
var (
	ErrLockTimeout     = errors.New("state lock timeout")
	ErrVersionConflict = errors.New("state version conflict")
	ErrNotFound        = persistence.ErrNotFound
)

// Record is one versioned shared-state entry. Version strictly increases on
// every accepted write.
type Record struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	Version    int64     `json:"version"`
	LastWriter string    `json:"last_writer"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ResolutionRequest asks an external resolver to pick the final value for a
// conflicted key. Answer on Resolve; the synchronizer falls back to the
// latest-wins rule if no answer arrives within its bound.
type ResolutionRequest struct {
	Key      string
	Local    Record
	Proposed Record
	response chan any
}

// Resolve supplies the final value. Only the first call counts.
func (r ResolutionRequest) Resolve(value any) {
	select {
	case r.response <- value:
	default:
	}
}

// Synchronizer keeps per-key versioned state consistent. One Synchronizer owns
// its record table; out-of-process writers converge through the shared store
// during reconciliation.
type Synchronizer struct {
	mu        sync.RWMutex
	cfg       config.StateConfig
	store     persistence.Store
	events    *events.EventBus
	log       *logging.Logger
	locks     *lockManager
	records   map[string]*Record
	strategy  ConflictStrategy
	resolveCh chan ResolutionRequest
	clock     func() time.Time
}

// New creates a Synchronizer over the given store. ev may be nil.
// The default conflict strategy is latest-wins.
func New(cfg config.StateConfig, store persistence.Store, ev *events.EventBus, log *logging.Logger) *Synchronizer {
	if log == nil {
		log = logging.Discard()
	}
	return &Synchronizer{
		cfg:       cfg,
		store:     store,
		events:    ev,
		log:       log.WithSubsystem("state"),
		locks:     newLockManager(),
		records:   make(map[string]*Record),
		strategy:  StrategyLatest,
		resolveCh: make(chan ResolutionRequest, 16),
		clock:     time.Now,
	}
}

// SetStrategy selects the default conflict-resolution strategy.
func (s *Synchronizer) SetStrategy(strategy ConflictStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
}

// SetClock overrides the time source. Tests only.
func (s *Synchronizer) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Requests exposes manual resolution requests for an external resolver.
func (s *Synchronizer) Requests() <-chan ResolutionRequest {
	return s.resolveCh
}

// SetState writes a value under the key's advisory lock, incrementing the
// version, persisting the record and emitting a state-updated event. Blocks
// only while waiting for the lock, bounded by the configured timeout.
func (s *Synchronizer) SetState(ctx context.Context, key string, value any, writerID string) (Record, error) {
	if key == "" {
		return Record{}, fmt.Errorf("state key must not be empty")
	}

	if err := s.locks.acquire(ctx, key, s.cfg.LockTimeout); err != nil {
		return Record{}, err
	}
	defer s.locks.release(key)

	return s.writeLocked(ctx, key, value, writerID)
}

// CompareAndSet writes only when the caller's base version matches the stored
// version. On mismatch the write fails with ErrVersionConflict unless a
// conflict-resolution strategy is supplied, in which case the resolved value
// is written back through the normal path and receives a fresh version.
func (s *Synchronizer) CompareAndSet(ctx context.Context, key string, value any, baseVersion int64, writerID string, strategy ConflictStrategy) (Record, error) {
	if key == "" {
		return Record{}, fmt.Errorf("state key must not be empty")
	}

	if err := s.locks.acquire(ctx, key, s.cfg.LockTimeout); err != nil {
		return Record{}, err
	}
	defer s.locks.release(key)

	current, exists := s.currentLocked(ctx, key)
	if !exists || current.Version == baseVersion {
		return s.writeLocked(ctx, key, value, writerID)
	}

	// Divergence may be spurious: same value written twice under racing
	// versions just bumps the version
	if sameValue(current.Value, value) {
		return s.writeLocked(ctx, key, value, writerID)
	}

	if strategy == "" {
		return Record{}, fmt.Errorf("%w: key %q at version %d, caller base %d",
			ErrVersionConflict, key, current.Version, baseVersion)
	}

	proposed := Record{
		Key:        key,
		Value:      value,
		Version:    baseVersion,
		LastWriter: writerID,
		UpdatedAt:  s.now(),
	}
	resolved, fallback := s.resolve(ctx, *current, proposed, strategy)

	if s.events != nil {
		s.events.Publish(events.TopicState, events.StateConflictEvent{
			Key:       key,
			Strategy:  string(strategy),
			Resolved:  true,
			Fallback:  fallback,
			Timestamp: s.now(),
		})
	}

	return s.writeLocked(ctx, key, resolved, writerID)
}

// writeLocked persists a new record version. Caller must hold the key lock.
func (s *Synchronizer) writeLocked(ctx context.Context, key string, value any, writerID string) (Record, error) {
	current, _ := s.currentLocked(ctx, key)

	var version int64 = 1
	if current != nil {
		version = current.Version + 1
	}

	rec := Record{
		Key:        key,
		Value:      value,
		Version:    version,
		LastWriter: writerID,
		UpdatedAt:  s.now(),
	}

	if s.store != nil {
		err := s.store.SaveState(ctx, persistence.StateRecord{
			ID:        key,
			State:     value,
			Version:   version,
			Timestamp: rec.UpdatedAt,
		})
		if err != nil {
			return Record{}, fmt.Errorf("persisting state %q: %w", key, err)
		}
	}

	s.mu.Lock()
	stored := rec
	s.records[key] = &stored
	s.mu.Unlock()

	s.log.Debug("state updated", "key", key, "version", version, "writer", writerID)
	if s.events != nil {
		s.events.Publish(events.TopicState, events.StateUpdatedEvent{
			Key:       key,
			Version:   version,
			Writer:    writerID,
			Timestamp: rec.UpdatedAt,
		})
	}
	return rec, nil
}

// currentLocked returns the freshest known record for key: the local copy, or
// the store's when the key has not been seen locally. Caller must hold the
// key lock so the read cannot race another writer of the same key.
func (s *Synchronizer) currentLocked(ctx context.Context, key string) (*Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		cp := *rec
		return &cp, true
	}

	if s.store == nil {
		return nil, false
	}
	stored, err := s.store.GetState(ctx, key)
	if err != nil {
		return nil, false
	}

	loaded := Record{
		Key:        key,
		Value:      stored.State,
		Version:    stored.Version,
		LastWriter: "remote",
		UpdatedAt:  stored.Timestamp,
	}
	s.mu.Lock()
	s.records[key] = &loaded
	s.mu.Unlock()

	cp := loaded
	return &cp, true
}

// GetState returns the most recently observed record for key, loading it from
// the persistence collaborator when absent locally.
func (s *Synchronizer) GetState(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		return *rec, nil
	}

	if s.store == nil {
		return Record{}, fmt.Errorf("state %s: %w", key, ErrNotFound)
	}
	stored, err := s.store.GetState(ctx, key)
	if err != nil {
		return Record{}, err
	}

	loaded := Record{
		Key:        key,
		Value:      stored.State,
		Version:    stored.Version,
		LastWriter: "remote",
		UpdatedAt:  stored.Timestamp,
	}
	s.mu.Lock()
	s.records[key] = &loaded
	s.mu.Unlock()
	return loaded, nil
}

// List returns all locally known records sorted by key.
func (s *Synchronizer) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ReconcileTick re-reads every locally known key from the store and adopts
// remote records with strictly greater versions. This is how out-of-process
// writers converge.
func (s *Synchronizer) ReconcileTick(ctx context.Context) {
	if s.store == nil {
		return
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}

		stored, err := s.store.GetState(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.Warn("reconcile read failed", "key", key, "error", err.Error())
			}
			continue
		}

		s.mu.Lock()
		local, ok := s.records[key]
		if !ok || stored.Version <= local.Version {
			s.mu.Unlock()
			continue
		}
		adopted := Record{
			Key:        key,
			Value:      stored.State,
			Version:    stored.Version,
			LastWriter: "remote",
			UpdatedAt:  stored.Timestamp,
		}
		s.records[key] = &adopted
		s.mu.Unlock()

		s.log.Debug("adopted remote state", "key", key, "version", stored.Version)
		if s.events != nil {
			s.events.Publish(events.TopicState, events.StateUpdatedEvent{
				Key:       key,
				Version:   stored.Version,
				Writer:    "remote",
				Timestamp: stored.Timestamp,
			})
		}
	}
}

// now reads the clock under the read lock.
func (s *Synchronizer) now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock()
}
