package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentforge/coordinator/internal/config"
	"github.com/agentforge/coordinator/internal/events"
	"github.com/agentforge/coordinator/internal/persistence"
)

func testStateConfig() config.StateConfig {
	return config.StateConfig{
		LockTimeout:          time.Second,
		ManualResolveTimeout: 50 * time.Millisecond,
		ReconcileEvery:       time.Second,
	}
}

func newTestStore(t *testing.T) persistence.Store {
	t.Helper()
	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetStateVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New(testStateConfig(), newTestStore(t), nil, nil)

	var last int64
	for i := 0; i < 5; i++ {
		rec, err := s.SetState(ctx, "plan", map[string]any{"round": i}, "w1")
		if err != nil {
			t.Fatalf("SetState round %d: %v", i, err)
		}
		if rec.Version <= last {
			t.Fatalf("version %d not greater than previous %d", rec.Version, last)
		}
		last = rec.Version
	}
	if last != 5 {
		t.Errorf("final version = %d, want 5", last)
	}
}

func TestSetStateValidation(t *testing.T) {
	s := New(testStateConfig(), nil, nil, nil)
	if _, err := s.SetState(context.Background(), "", "v", "w1"); err == nil {
		t.Error("empty key accepted")
	}
}

func TestGetStateFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	writer := New(testStateConfig(), store, nil, nil)
	if _, err := writer.SetState(ctx, "shared", "payload", "w1"); err != nil {
		t.Fatal(err)
	}

	// A second synchronizer over the same store has no local record
	reader := New(testStateConfig(), store, nil, nil)
	rec, err := reader.GetState(ctx, "shared")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if rec.Value != "payload" || rec.Version != 1 {
		t.Errorf("record = %+v, want payload at version 1", rec)
	}

	if _, err := reader.GetState(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key: got %v, want ErrNotFound", err)
	}
}

func TestCompareAndSetMatchingBase(t *testing.T) {
	ctx := context.Background()
	s := New(testStateConfig(), nil, nil, nil)

	first, err := s.SetState(ctx, "doc", "v1", "w1")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := s.CompareAndSet(ctx, "doc", "v2", first.Version, "w2", "")
	if err != nil {
		t.Fatalf("CompareAndSet: %v", err)
	}
	if rec.Version != 2 || rec.Value != "v2" || rec.LastWriter != "w2" {
		t.Errorf("record = %+v, want v2 at version 2 by w2", rec)
	}
}

// TestCompareAndSetConflict races two writers from the same base version: the
// first write wins, the second fails without a strategy and resolves with one.
func TestCompareAndSetConflict(t *testing.T) {
	ctx := context.Background()
	ev := events.NewEventBus()
	conflicts := ev.Subscribe(events.TopicState, 8)

	s := New(testStateConfig(), nil, ev, nil)

	base, err := s.SetState(ctx, "doc", map[string]any{"a": 1}, "w0")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CompareAndSet(ctx, "doc", map[string]any{"a": 2}, base.Version, "w1", ""); err != nil {
		t.Fatalf("first CAS: %v", err)
	}

	// Same stale base, no strategy: surfaced as a version conflict
	_, err = s.CompareAndSet(ctx, "doc", map[string]any{"a": 3}, base.Version, "w2", "")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale CAS: got %v, want ErrVersionConflict", err)
	}

	// With the merge strategy the divergence resolves and gets a fresh version
	rec, err := s.CompareAndSet(ctx, "doc", map[string]any{"b": 9}, base.Version, "w2", StrategyMerge)
	if err != nil {
		t.Fatalf("merge CAS: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("resolved version = %d, want 3", rec.Version)
	}

	merged, ok := rec.Value.(map[string]any)
	if !ok {
		t.Fatalf("resolved value = %T, want map", rec.Value)
	}
	if merged["a"] != 2 || merged["b"] != 9 || merged["_merged"] != true {
		t.Errorf("merged = %v, want local a=2 kept, incoming b=9, _merged flag", merged)
	}

	// A conflict event was emitted for the resolved divergence
	var sawConflict bool
	for done := false; !done; {
		select {
		case e := <-conflicts:
			if c, ok := e.(events.StateConflictEvent); ok {
				sawConflict = true
				if c.Strategy != string(StrategyMerge) || !c.Resolved || c.Fallback {
					t.Errorf("conflict event = %+v, want resolved merge without fallback", c)
				}
			}
		default:
			done = true
		}
	}
	if !sawConflict {
		t.Error("no state conflict event published")
	}
}

func TestCompareAndSetSameValueIsNotConflict(t *testing.T) {
	ctx := context.Background()
	s := New(testStateConfig(), nil, nil, nil)

	s.SetState(ctx, "doc", map[string]any{"x": 1}, "w0")
	s.SetState(ctx, "doc", map[string]any{"x": 1}, "w1")

	// Stale base but structurally identical value: accepted, version bumps
	rec, err := s.CompareAndSet(ctx, "doc", map[string]any{"x": 1}, 1, "w2", "")
	if err != nil {
		t.Fatalf("CompareAndSet: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("version = %d, want 3", rec.Version)
	}
}

func TestLatestStrategyKeepsNewerValue(t *testing.T) {
	ctx := context.Background()
	s := New(testStateConfig(), nil, nil, nil)

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.SetState(ctx, "doc", "old", "w0")
	now = now.Add(time.Minute)
	s.SetState(ctx, "doc", "current", "w1")

	// The incoming write carries a later timestamp, so latest keeps it
	now = now.Add(time.Minute)
	rec, err := s.CompareAndSet(ctx, "doc", "incoming", 1, "w2", StrategyLatest)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Value != "incoming" {
		t.Errorf("resolved value = %v, want incoming", rec.Value)
	}
}

func TestManualStrategyResolved(t *testing.T) {
	ctx := context.Background()
	cfg := testStateConfig()
	cfg.ManualResolveTimeout = 2 * time.Second
	s := New(cfg, nil, nil, nil)

	s.SetState(ctx, "doc", "local", "w0")
	s.SetState(ctx, "doc", "local2", "w0")

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-s.Requests()
		if req.Key != "doc" || req.Local.Value != "local2" || req.Proposed.Value != "proposed" {
			t.Errorf("request = %+v, unexpected contents", req)
		}
		req.Resolve("arbitrated")
	}()

	rec, err := s.CompareAndSet(ctx, "doc", "proposed", 1, "w1", StrategyManual)
	if err != nil {
		t.Fatalf("CompareAndSet: %v", err)
	}
	<-done

	if rec.Value != "arbitrated" || rec.Version != 3 {
		t.Errorf("record = %+v, want arbitrated at version 3", rec)
	}
}

// TestManualStrategyTimesOutToLatest checks the bounded manual strategy: with
// no resolver attending the channel, the conflict falls back to latest-wins
// instead of hanging.
func TestManualStrategyTimesOutToLatest(t *testing.T) {
	ctx := context.Background()
	ev := events.NewEventBus()
	conflicts := ev.Subscribe(events.TopicState, 8)

	s := New(testStateConfig(), nil, ev, nil) // 50ms manual timeout, nobody listening

	s.SetState(ctx, "doc", "local", "w0")
	s.SetState(ctx, "doc", "local2", "w0")

	start := time.Now()
	rec, err := s.CompareAndSet(ctx, "doc", "proposed", 1, "w1", StrategyManual)
	if err != nil {
		t.Fatalf("CompareAndSet: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("manual fallback took %s, want bounded wait", elapsed)
	}

	// Incoming write has the later timestamp, so latest-wins keeps it
	if rec.Value != "proposed" {
		t.Errorf("resolved value = %v, want proposed", rec.Value)
	}

	var sawFallback bool
	for done := false; !done; {
		select {
		case e := <-conflicts:
			if c, ok := e.(events.StateConflictEvent); ok && c.Fallback {
				sawFallback = true
			}
		default:
			done = true
		}
	}
	if !sawFallback {
		t.Error("no fallback conflict event published")
	}
}

func TestLockTimeout(t *testing.T) {
	cfg := testStateConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	s := New(cfg, nil, nil, nil)

	// Hold the key lock so the write cannot acquire it
	if err := s.locks.acquire(context.Background(), "doc", time.Second); err != nil {
		t.Fatal(err)
	}
	defer s.locks.release("doc")

	_, err := s.SetState(context.Background(), "doc", "v", "w1")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got %v, want ErrLockTimeout", err)
	}
}

func TestLockReleasedAfterWrite(t *testing.T) {
	ctx := context.Background()
	s := New(testStateConfig(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := s.SetState(ctx, "doc", i, "w1"); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
}

func TestLockCancelledContext(t *testing.T) {
	s := New(testStateConfig(), nil, nil, nil)

	if err := s.locks.acquire(context.Background(), "doc", time.Second); err != nil {
		t.Fatal(err)
	}
	defer s.locks.release("doc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.SetState(ctx, "doc", "v", "w1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

// TestReconcileAdoptsGreaterVersion checks convergence between two
// synchronizers sharing a store: the stale one adopts the remote record with
// the strictly greater version on its reconcile pass.
func TestReconcileAdoptsGreaterVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := New(testStateConfig(), store, nil, nil)
	b := New(testStateConfig(), store, nil, nil)

	if _, err := a.SetState(ctx, "shared", "from-a", "a"); err != nil {
		t.Fatal(err)
	}

	// b picks up version 1 from the store, then writes version 2
	if _, err := b.GetState(ctx, "shared"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SetState(ctx, "shared", "from-b", "b"); err != nil {
		t.Fatal(err)
	}

	// a still holds its stale local version until it reconciles
	stale, _ := a.GetState(ctx, "shared")
	if stale.Version != 1 {
		t.Fatalf("pre-reconcile version = %d, want 1", stale.Version)
	}

	a.ReconcileTick(ctx)

	fresh, err := a.GetState(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Version != 2 || fresh.Value != "from-b" {
		t.Errorf("post-reconcile record = %+v, want from-b at version 2", fresh)
	}

	// Reconciling again is a no-op; equal versions are never re-adopted
	a.ReconcileTick(ctx)
	again, _ := a.GetState(ctx, "shared")
	if again.Version != 2 {
		t.Errorf("version after second reconcile = %d, want 2", again.Version)
	}
}

func TestListSortedByKey(t *testing.T) {
	ctx := context.Background()
	s := New(testStateConfig(), nil, nil, nil)

	for _, key := range []string{"zebra", "alpha", "mango"} {
		if _, err := s.SetState(ctx, key, key, "w1"); err != nil {
			t.Fatal(err)
		}
	}

	records := s.List()
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	want := []string{"alpha", "mango", "zebra"}
	for i, rec := range records {
		if rec.Key != want[i] {
			t.Errorf("records[%d].Key = %s, want %s", i, rec.Key, want[i])
		}
	}
}
