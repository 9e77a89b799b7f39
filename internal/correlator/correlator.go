// Package correlator matches change notifications to pending ledger entries
// and turns every match into a latency sample.
package correlator

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/reactbench/reactbench/internal/backend"
	"github.com/reactbench/reactbench/internal/dataset"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/ledger"
	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/measure"
)

// Outcome is the result of correlating one notification.
type Outcome int

const (
	// Correlated closed a ledger entry and produced a latency sample
	Correlated Outcome = iota

	// Ignored is a notification about pre-existing data with no pending mutation
	Ignored

	// Unexpected has no pending mutation and concerns data created by the workload
	Unexpected
)

func (o Outcome) String() string {
	switch o {
	case Correlated:
		return "correlated"
	case Ignored:
		return "ignored"
	case Unexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Recorder receives latency samples.
type Recorder interface {
	RecordResponseTime(elapsed time.Duration, latencyMs float64)
}

// MultiRecorder fans a sample out to several recorders.
type MultiRecorder []Recorder

// RecordResponseTime implements Recorder.
func (m MultiRecorder) RecordResponseTime(elapsed time.Duration, latencyMs float64) {
	for _, r := range m {
		r.RecordResponseTime(elapsed, latencyMs)
	}
}

// Correlator is safe for concurrent use by every subscription handler.
type Correlator struct {
	settings dataset.Settings
	ledger   *ledger.Ledger
	state    *measure.State
	recorder Recorder
	clock    clock.Clock

	// start is the run start in unix nanoseconds
	start atomic.Int64

	// baseline is the highest id that existed before the run
	baseline atomic.Int64

	// known is the last result seen per class, used to infer the kind of unified events
	mu    sync.Mutex
	known map[int]map[int64]dataset.Score
}

// New creates a correlator closing entries in l.
func New(settings dataset.Settings, l *ledger.Ledger, state *measure.State, rec Recorder, clk clock.Clock) *Correlator {
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Correlator{
		settings: settings,
		ledger:   l,
		state:    state,
		recorder: rec,
		clock:    clk,
		known:    make(map[int]map[int64]dataset.Score),
	}
	c.start.Store(clk.Now().UnixNano())
	c.baseline.Store(settings.ScoresCount())
	return c
}

// SetBaseline marks every id up to maxID as pre-existing data, so rows left
// by an earlier run on a reused dataset are ignored like seeded ones.
func (c *Correlator) SetBaseline(maxID int64) {
	if maxID > c.settings.ScoresCount() {
		c.baseline.Store(maxID)
	}
}

// SetStart sets the instant sample times are measured from.
func (c *Correlator) SetStart(t time.Time) {
	c.start.Store(t.UnixNano())
}

// Handle is the backend.Handler of every subscription.
func (c *Correlator) Handle(ev backend.Event) {
	switch ev.Kind {
	case backend.EventInsert:
		c.correlateRow(ledger.Insert, ev)
	case backend.EventUpdate:
		c.correlateRow(ledger.Update, ev)
	case backend.EventDelete:
		c.correlateRow(ledger.Delete, ev)
	case backend.EventChange:
		c.handleChange(ev)
	case backend.EventSnapshot:
		c.handleSnapshot(ev)
	default:
		logging.WithField("kind", ev.Kind.String()).Warn("ignoring notification of unknown kind")
	}
}

func (c *Correlator) correlateRow(kind ledger.Kind, ev backend.Event) {
	if ev.Row == nil {
		logging.WithField("kind", kind.String()).Warn("ignoring row notification without a row")
		return
	}
	c.Correlate(kind, ev.Row.ID)
}

// Correlate matches one notification of kind for the score id.
func (c *Correlator) Correlate(kind ledger.Kind, id int64) Outcome {
	c.state.Events.Add(1)

	submittedAt, ok := c.ledger.Close(kind, id)
	if !ok {
		if id <= c.baseline.Load() {
			return Ignored
		}
		c.state.Unexpected(kind).Add(1)
		err := bencherr.NewDiagnostic(bencherr.CodeUnexpectedEvent,
			fmt.Sprintf("unexpected %s notification", kind)).
			WithDetails(map[string]interface{}{"score_id": id})
		logging.WithFields(map[string]interface{}{
			"kind":     kind.String(),
			"score_id": id,
		}).WithError(err).Warn("notification without a pending mutation")
		return Unexpected
	}

	now := c.clock.Now()
	latency := now.Sub(submittedAt)
	if latency < 0 {
		latency = 0
	}
	elapsed := now.Sub(time.Unix(0, c.start.Load()))

	c.state.Correlated.Add(1)
	if c.recorder != nil {
		c.recorder.RecordResponseTime(elapsed, float64(latency.Microseconds())/1000)
	}
	return Correlated
}

// handleChange infers the kind of a single-row unified event from the last
// known result of its class. A nil Row reports the removal of Previous.
func (c *Correlator) handleChange(ev backend.Event) {
	c.mu.Lock()
	known := c.classRows(ev.ClassID)

	var kind ledger.Kind
	var id int64
	switch {
	case ev.Row == nil && ev.Previous != nil:
		if _, ok := known[ev.Previous.ID]; !ok {
			c.mu.Unlock()
			return
		}
		delete(known, ev.Previous.ID)
		kind, id = ledger.Delete, ev.Previous.ID
	case ev.Row != nil:
		prev, ok := known[ev.Row.ID]
		if ok && prev == *ev.Row {
			c.mu.Unlock()
			return
		}
		known[ev.Row.ID] = *ev.Row
		kind, id = ledger.Insert, ev.Row.ID
		if ok {
			kind = ledger.Update
		}
	default:
		c.mu.Unlock()
		logging.WithField("class", ev.ClassID).Warn("ignoring change notification without rows")
		return
	}
	c.mu.Unlock()

	c.Correlate(kind, id)
}

type inferred struct {
	kind ledger.Kind
	id   int64
}

// handleSnapshot diffs a full result against the last known one.
func (c *Correlator) handleSnapshot(ev backend.Event) {
	current := make(map[int64]dataset.Score, len(ev.Rows))
	for _, row := range ev.Rows {
		current[row.ID] = row
	}

	c.mu.Lock()
	known := c.classRows(ev.ClassID)

	var changes []inferred
	for _, row := range ev.Rows {
		prev, ok := known[row.ID]
		switch {
		case !ok:
			changes = append(changes, inferred{ledger.Insert, row.ID})
		case prev != row:
			changes = append(changes, inferred{ledger.Update, row.ID})
		}
	}
	var removed []int64
	for id := range known {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, id := range removed {
		changes = append(changes, inferred{ledger.Delete, id})
	}
	c.known[ev.ClassID] = current
	c.mu.Unlock()

	for _, ch := range changes {
		c.Correlate(ch.kind, ch.id)
	}
}

// classRows returns the known rows of a class. Callers hold c.mu.
func (c *Correlator) classRows(classID int) map[int64]dataset.Score {
	rows, ok := c.known[classID]
	if !ok {
		rows = make(map[int64]dataset.Score)
		c.known[classID] = rows
	}
	return rows
}
