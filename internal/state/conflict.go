package state

import (
	"context"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// ConflictStrategy selects how a divergent concurrent write is resolved.
type ConflictStrategy string

const (
	// StrategyMerge shallow-merges map values, incoming fields winning.
	StrategyMerge ConflictStrategy = "merge"
	// StrategyLatest keeps whichever record carries the newer timestamp.
	StrategyLatest ConflictStrategy = "latest"
	// StrategyManual hands the pair to an external resolver, bounded by the
	// configured timeout, then falls back to latest-wins.
	StrategyManual ConflictStrategy = "manual"
)

// Strategy returns the configured default conflict strategy.
func (s *Synchronizer) Strategy() ConflictStrategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

// sameValue reports whether two values hash identically. A hashing failure on
// either side counts as divergence.
func sameValue(a, b any) bool {
	ha, err := hashstructure.Hash(a, hashstructure.FormatV2, nil)
	if err != nil {
		return false
	}
	hb, err := hashstructure.Hash(b, hashstructure.FormatV2, nil)
	if err != nil {
		return false
	}
	return ha == hb
}

// resolve picks the value to keep for a divergent write. fallback reports
// that a manual resolution timed out and latest-wins decided instead.
func (s *Synchronizer) resolve(ctx context.Context, local, proposed Record, strategy ConflictStrategy) (value any, fallback bool) {
	switch strategy {
	case StrategyMerge:
		if merged, ok := mergeValues(local.Value, proposed.Value); ok {
			return merged, false
		}
		// Non-map values have no field-wise merge
		return latestWins(local, proposed), false

	case StrategyManual:
		return s.resolveManual(ctx, local, proposed)

	default:
		return latestWins(local, proposed), false
	}
}

// mergeValues shallow-merges two map values, incoming fields overriding, and
// marks the result so readers can tell a merged record from a plain write.
// Returns ok=false when either side is not a map.
func mergeValues(local, incoming any) (map[string]any, bool) {
	lm, lok := local.(map[string]any)
	im, iok := incoming.(map[string]any)
	if !lok || !iok {
		return nil, false
	}

	merged := make(map[string]any, len(lm)+len(im)+1)
	for k, v := range lm {
		merged[k] = v
	}
	for k, v := range im {
		merged[k] = v
	}
	merged["_merged"] = true
	return merged, true
}

// latestWins returns the value of whichever record was updated later.
// Ties favor the incoming write.
func latestWins(local, proposed Record) any {
	if local.UpdatedAt.After(proposed.UpdatedAt) {
		return local.Value
	}
	return proposed.Value
}

// resolveManual offers the conflict to the Requests channel and waits for an
// answer, bounded by ManualResolveTimeout. An absent or silent resolver
// degrades to latest-wins.
func (s *Synchronizer) resolveManual(ctx context.Context, local, proposed Record) (any, bool) {
	req := ResolutionRequest{
		Key:      local.Key,
		Local:    local,
		Proposed: proposed,
		response: make(chan any, 1),
	}

	timer := time.NewTimer(s.cfg.ManualResolveTimeout)
	defer timer.Stop()

	select {
	case s.resolveCh <- req:
	case <-timer.C:
		s.log.Warn("manual resolution unattended, using latest-wins", "key", local.Key)
		return latestWins(local, proposed), true
	case <-ctx.Done():
		return latestWins(local, proposed), true
	}

	select {
	case value := <-req.response:
		return value, false
	case <-timer.C:
		s.log.Warn("manual resolution timed out, using latest-wins", "key", local.Key)
		return latestWins(local, proposed), true
	case <-ctx.Done():
		return latestWins(local, proposed), true
	}
}
