package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactbench/reactbench/internal/config"
	"github.com/reactbench/reactbench/internal/correlator"
	"github.com/reactbench/reactbench/internal/dataset"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/ledger"
	"github.com/reactbench/reactbench/internal/measure"
	"github.com/reactbench/reactbench/internal/store"
	"github.com/reactbench/reactbench/internal/workload"
)

// scriptedGenerator opens a ledger entry for each mutation it hands out, like
// the workload generator does.
type scriptedGenerator struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	next   int64
	err    error
}

func (g *scriptedGenerator) Next(kind ledger.Kind) (workload.Mutation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return workload.Mutation{}, g.err
	}
	g.next++
	g.ledger.Open(kind, g.next)
	return workload.Mutation{
		Kind:      kind,
		ScoreID:   g.next,
		Tracked:   true,
		Statement: "UPDATE scores SET score = $2 WHERE score != $2 AND id = $1",
		Args:      []any{g.next, int64(5)},
	}, nil
}

type countingExec struct {
	calls atomic.Int64
	rows  int64
}

func (e *countingExec) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	e.calls.Add(1)
	return e.rows, nil
}

type recordingObserver struct {
	mu    sync.Mutex
	kinds []ledger.Kind
}

func (o *recordingObserver) ObserveSubmission(kind ledger.Kind, d time.Duration, rows int64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, kind)
}

func TestInterval(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, Interval(100))
	assert.Equal(t, 40*time.Millisecond, Interval(25))
	assert.Equal(t, time.Duration(0), Interval(0))
}

func TestSubmit_ZeroRowsReverts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := ledger.New(nil)
	state := measure.NewState()
	gen := &scriptedGenerator{ledger: l}
	obs := &recordingObserver{}
	s := New(gen, store.NewSQLStore(db, store.Postgres), l, state, Rates{}, obs)

	mock.ExpectExec("UPDATE scores").WithArgs(int64(1), int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.fire(context.Background(), ledger.Update))
	s.Drain()

	assert.False(t, l.Contains(ledger.Update, 1), "revert closes the entry")
	assert.Equal(t, int64(1), state.Reverted(ledger.Update).Load())
	assert.Equal(t, int64(0), state.Unconfirmed(ledger.Update).Load())
	assert.Equal(t, int64(1), state.Changes.Load())
	assert.Equal(t, []ledger.Kind{ledger.Update}, obs.kinds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_AffectedRowKeepsEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := ledger.New(nil)
	state := measure.NewState()
	s := New(&scriptedGenerator{ledger: l}, store.NewSQLStore(db, store.Postgres), l, state, Rates{}, nil)

	mock.ExpectExec("UPDATE scores").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.fire(context.Background(), ledger.Delete))
	s.Drain()

	assert.True(t, l.Contains(ledger.Delete, 1), "entry waits for its notification")
	assert.Equal(t, int64(0), state.Reverted(ledger.Delete).Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// gatedExec blocks every statement until the test releases it with a row count.
type gatedExec struct {
	started chan struct{}
	release chan int64
}

func (e *gatedExec) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	e.started <- struct{}{}
	return <-e.release, nil
}

type countingRecorder struct {
	samples atomic.Int64
}

func (r *countingRecorder) RecordResponseTime(time.Duration, float64) {
	r.samples.Add(1)
}

func TestSubmit_NotificationBeforeAcknowledgement(t *testing.T) {
	l := ledger.New(nil)
	state := measure.NewState()
	rec := &countingRecorder{}
	corr := correlator.New(dataset.FromConfig(config.DefaultConfig().Dataset), l, state, rec, nil)

	exec := &gatedExec{started: make(chan struct{}), release: make(chan int64)}
	s := New(&scriptedGenerator{ledger: l}, exec, l, state, Rates{}, nil)

	// The notification wins the race against a statement that affected a row
	require.NoError(t, s.fire(context.Background(), ledger.Update))
	<-exec.started
	assert.Equal(t, correlator.Correlated, corr.Correlate(ledger.Update, 1))
	assert.Equal(t, int64(1), rec.samples.Load())
	exec.release <- 1
	s.Drain()

	assert.False(t, l.Contains(ledger.Update, 1))
	assert.Equal(t, int64(0), state.Reverted(ledger.Update).Load())
	assert.Equal(t, int64(1), state.Correlated.Load())

	// A late zero-row acknowledgement does not revert an entry already closed
	require.NoError(t, s.fire(context.Background(), ledger.Update))
	<-exec.started
	assert.Equal(t, correlator.Correlated, corr.Correlate(ledger.Update, 2))
	exec.release <- 0
	s.Drain()

	assert.Equal(t, int64(2), rec.samples.Load())
	assert.Equal(t, int64(0), state.Reverted(ledger.Update).Load())
	assert.Equal(t, int64(0), state.Unconfirmed(ledger.Update).Load())
	assert.Equal(t, int64(0), state.TotalUnexpected())
	assert.Zero(t, l.Count())
}

func TestSubmit_ExecErrorIsFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := ledger.New(nil)
	state := measure.NewState()
	s := New(&scriptedGenerator{ledger: l}, store.NewSQLStore(db, store.Postgres), l, state, Rates{Updates: 200}, nil)

	mock.ExpectExec("UPDATE scores").WillReturnError(errors.New("connection reset"))

	require.NoError(t, s.Start(context.Background()))
	select {
	case err := <-s.Errors():
		assert.True(t, bencherr.IsFatal(err))
		assert.Equal(t, bencherr.CodeExecFailed, bencherr.GetCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("expected a fatal error")
	}

	s.Stop()
	s.Drain()
	assert.Equal(t, int64(0), state.Unconfirmed(ledger.Update).Load())
}

func TestGeneratorErrorIsFatal(t *testing.T) {
	l := ledger.New(nil)
	exhausted := bencherr.NewConfigError(bencherr.CodeTargetExhausted, "no target")
	s := New(&scriptedGenerator{ledger: l, err: exhausted}, &countingExec{}, l, measure.NewState(), Rates{Deletes: 500}, nil)

	require.NoError(t, s.Start(context.Background()))
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, exhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a fatal error")
	}
	s.Stop()
}

func TestStartStop_CountersReturnToZero(t *testing.T) {
	l := ledger.New(nil)
	state := measure.NewState()
	exec := &countingExec{rows: 1}
	s := New(&scriptedGenerator{ledger: l}, exec, l, state, Rates{Inserts: 500, Updates: 500}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool { return exec.calls.Load() >= 20 }, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Drain()

	for _, k := range ledger.Kinds {
		assert.Equal(t, int64(0), state.Unconfirmed(k).Load(), k.String())
	}
	assert.Equal(t, exec.calls.Load(), state.Changes.Load())

	// Nothing fires after Stop
	calls := exec.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, exec.calls.Load())

	select {
	case err := <-s.Errors():
		t.Fatalf("unexpected error: %v", err)
	default:
	}
}
