package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/agentforge/coordinator/internal/logging"
	"github.com/agentforge/coordinator/internal/persistence"
)

// RetryConfig configures exponential backoff retry behavior for store access.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 5s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// ResilientStore wraps a persistence.Store with exponential backoff retry and
// circuit breaker protection. A flaky or briefly unavailable store degrades
// writes without taking the coordination loops down with it.
type ResilientStore struct {
	inner    persistence.Store
	cb       *gobreaker.CircuitBreaker
	retryCfg RetryConfig
	log      *logging.Logger
}

// NewResilientStore wraps the given store. log may be nil.
func NewResilientStore(inner persistence.Store, retryCfg RetryConfig, log *logging.Logger) *ResilientStore {
	if log == nil {
		log = logging.Discard()
	}
	log = log.WithSubsystem("store")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and missing records are not store failures
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return errors.Is(err, persistence.ErrNotFound)
		},
	})

	return &ResilientStore{
		inner:    inner,
		cb:       cb,
		retryCfg: retryCfg,
		log:      log,
	}
}

// execute runs op through the circuit breaker with exponential backoff retry.
func (s *ResilientStore) execute(ctx context.Context, op func() error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := s.cb.Execute(func() (interface{}, error) {
			return nil, op()
		})
		if err != nil {
			// Open circuit - don't hammer the store with retries
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			// Missing records are definitive, not transient
			if errors.Is(err, persistence.ErrNotFound) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryCfg.InitialInterval
	policy.MaxInterval = s.retryCfg.MaxInterval
	policy.MaxElapsedTime = s.retryCfg.MaxElapsedTime
	policy.Multiplier = s.retryCfg.Multiplier
	policy.RandomizationFactor = s.retryCfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (s *ResilientStore) SaveWorkflow(ctx context.Context, rec persistence.WorkflowRecord) error {
	return s.execute(ctx, func() error { return s.inner.SaveWorkflow(ctx, rec) })
}

func (s *ResilientStore) GetWorkflow(ctx context.Context, id string) (persistence.WorkflowRecord, error) {
	var rec persistence.WorkflowRecord
	err := s.execute(ctx, func() error {
		var opErr error
		rec, opErr = s.inner.GetWorkflow(ctx, id)
		return opErr
	})
	return rec, err
}

func (s *ResilientStore) ListWorkflows(ctx context.Context) ([]persistence.WorkflowRecord, error) {
	var recs []persistence.WorkflowRecord
	err := s.execute(ctx, func() error {
		var opErr error
		recs, opErr = s.inner.ListWorkflows(ctx)
		return opErr
	})
	return recs, err
}

func (s *ResilientStore) SaveResult(ctx context.Context, rec persistence.ResultRecord) error {
	return s.execute(ctx, func() error { return s.inner.SaveResult(ctx, rec) })
}

func (s *ResilientStore) ListResults(ctx context.Context, taskID string) ([]persistence.ResultRecord, error) {
	var recs []persistence.ResultRecord
	err := s.execute(ctx, func() error {
		var opErr error
		recs, opErr = s.inner.ListResults(ctx, taskID)
		return opErr
	})
	return recs, err
}

func (s *ResilientStore) SaveState(ctx context.Context, rec persistence.StateRecord) error {
	return s.execute(ctx, func() error { return s.inner.SaveState(ctx, rec) })
}

func (s *ResilientStore) GetState(ctx context.Context, id string) (persistence.StateRecord, error) {
	var rec persistence.StateRecord
	err := s.execute(ctx, func() error {
		var opErr error
		rec, opErr = s.inner.GetState(ctx, id)
		return opErr
	})
	return rec, err
}

func (s *ResilientStore) ListStates(ctx context.Context) ([]persistence.StateRecord, error) {
	var recs []persistence.StateRecord
	err := s.execute(ctx, func() error {
		var opErr error
		recs, opErr = s.inner.ListStates(ctx)
		return opErr
	})
	return recs, err
}

func (s *ResilientStore) PurgeWorkflows(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := s.execute(ctx, func() error {
		var opErr error
		n, opErr = s.inner.PurgeWorkflows(ctx, olderThan)
		return opErr
	})
	return n, err
}

func (s *ResilientStore) Close() error {
	return s.inner.Close()
}
