// Package scheduler drives the workload: it generates mutations at a fixed
// rate per kind and submits them to storage asynchronously.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/ledger"
	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/measure"
	"github.com/reactbench/reactbench/internal/store"
	"github.com/reactbench/reactbench/internal/workload"
)

// Generator produces the next mutation of a kind.
type Generator interface {
	Next(kind ledger.Kind) (workload.Mutation, error)
}

// Observer is notified of every completed submission.
type Observer interface {
	ObserveSubmission(kind ledger.Kind, d time.Duration, rowsAffected int64, err error)
}

// Rates is the number of mutations per second of each kind. Zero disables a kind.
type Rates struct {
	Inserts float64
	Updates float64
	Deletes float64
}

func (r Rates) of(kind ledger.Kind) float64 {
	switch kind {
	case ledger.Insert:
		return r.Inserts
	case ledger.Update:
		return r.Updates
	case ledger.Delete:
		return r.Deletes
	}
	return 0
}

// Interval returns the time between two firings for a rate, or 0 when disabled.
func Interval(rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

// Scheduler runs one ticker per enabled kind.
type Scheduler struct {
	gen      Generator
	exec     store.Executor
	ledger   *ledger.Ledger
	state    *measure.State
	rates    Rates
	observer Observer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	// loops tracks the tickers, inflight the submissions they started
	loops    sync.WaitGroup
	inflight sync.WaitGroup

	errOnce sync.Once
	errCh   chan error
}

// New creates a scheduler. The observer may be nil.
func New(gen Generator, exec store.Executor, l *ledger.Ledger, state *measure.State, rates Rates, observer Observer) *Scheduler {
	return &Scheduler{
		gen:      gen,
		exec:     exec,
		ledger:   l,
		state:    state,
		rates:    rates,
		observer: observer,
		errCh:    make(chan error, 1),
	}
}

// Errors delivers the first fatal error. After it the scheduler stops firing.
func (s *Scheduler) Errors() <-chan error {
	return s.errCh
}

// Start launches the tickers. Submissions keep running after ctx is cancelled
// so they can be drained.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	submitCtx := context.WithoutCancel(ctx)
	for _, kind := range ledger.Kinds {
		interval := Interval(s.rates.of(kind))
		if interval == 0 {
			continue
		}
		logging.WithFields(map[string]interface{}{
			"kind":     kind.String(),
			"interval": interval,
		}).Debug("scheduling mutations")

		s.loops.Add(1)
		go s.loop(ctx, submitCtx, kind, interval)
	}
	return nil
}

// Stop cancels every ticker and waits for them to exit. In-flight submissions continue.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running {
		s.cancel()
	}
	s.loops.Wait()
}

// Drain waits for every submission already issued.
func (s *Scheduler) Drain() {
	s.inflight.Wait()
}

func (s *Scheduler) loop(ctx, submitCtx context.Context, kind ledger.Kind, interval time.Duration) {
	defer s.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fire(submitCtx, kind); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// fire generates one mutation and submits it in the background. The ledger
// entry is opened by the generator before the statement is sent.
func (s *Scheduler) fire(ctx context.Context, kind ledger.Kind) error {
	m, err := s.gen.Next(kind)
	if err != nil {
		return err
	}

	s.state.Changes.Add(1)
	s.state.Unconfirmed(kind).Add(1)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.submit(ctx, m); err != nil {
			s.fail(err)
		}
	}()
	return nil
}

// submit executes one mutation. Zero affected rows is a revert: the entry is
// closed without a sample.
func (s *Scheduler) submit(ctx context.Context, m workload.Mutation) error {
	start := time.Now()
	n, err := s.exec.Exec(ctx, m.Statement, m.Args...)
	s.state.Unconfirmed(m.Kind).Add(-1)

	if s.observer != nil {
		s.observer.ObserveSubmission(m.Kind, time.Since(start), n, err)
	}

	if err != nil {
		return bencherr.NewOperationalError(bencherr.CodeExecFailed,
			fmt.Sprintf("%s of score %d failed", m.Kind, m.ScoreID), err)
	}

	if n == 0 && m.Tracked {
		if _, ok := s.ledger.Close(m.Kind, m.ScoreID); ok {
			s.state.Reverted(m.Kind).Add(1)
			logging.WithFields(map[string]interface{}{
				"kind":     m.Kind.String(),
				"score_id": m.ScoreID,
				"code":     bencherr.CodeReverted,
			}).Debug("mutation affected no rows")
		}
	}
	return nil
}

// fail reports the first fatal error and stops the tickers.
func (s *Scheduler) fail(err error) {
	s.errOnce.Do(func() {
		s.errCh <- err

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	})
}
