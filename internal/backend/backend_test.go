package backend

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactbench/reactbench/internal/bus"
	"github.com/reactbench/reactbench/internal/config"
	"github.com/reactbench/reactbench/internal/dataset"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/store"
)

func smallSettings() dataset.Settings {
	return dataset.Settings{
		ReactiveQueries:     2,
		ClassCount:          8,
		AssignmentsPerClass: 2,
		StudentsPerClass:    3,
		ClassesPerStudent:   6,
	}
}

func openInstalled(t *testing.T, s dataset.Settings) store.Store {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "backend.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	st, err := store.Open(ctx, store.Config{Driver: "sqlite3", DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, dataset.Install(ctx, st, s, 1))
	return st
}

// recorder collects events and lets tests wait for a matching one.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, ev := range r.snapshot() {
			if match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func TestNew_UnknownBackendIsConfigError(t *testing.T) {
	_, err := New("carrier-pigeon", Deps{})
	require.Error(t, err)
	assert.Equal(t, bencherr.ErrCategoryConfig, bencherr.GetCategory(err))
	assert.Equal(t, bencherr.CodeUnknownBackend, bencherr.GetCode(err))
	assert.True(t, bencherr.IsFatal(err))
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"pg-notify", "poll", "poll-diff"}, Names())
}

func TestPollBackend_RowEvents(t *testing.T) {
	s := smallSettings()
	st := openInstalled(t, s)
	ctx := context.Background()

	cfg := config.DefaultConfig().Backend
	cfg.PollInterval = 20 * time.Millisecond
	b, err := New("poll", Deps{Store: st, Settings: s, Config: cfg})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	rec := &recorder{}
	sub, err := b.Subscribe(ctx, QueryFor(s, st.Dialect(), 1), rec.handle)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())

	// Initial result arrives as inserts before Subscribe returns
	initial := rec.snapshot()
	assert.Len(t, initial, s.AssignmentsPerClass*s.StudentsPerClass)
	for _, ev := range initial {
		assert.Equal(t, EventInsert, ev.Kind)
		assert.True(t, s.IsSeeded(ev.Row.ID))
	}

	newID := s.ScoresCount() + 1
	_, err = st.Exec(ctx, "INSERT INTO scores (id, assignment_id, student_id, score) VALUES (?1, ?2, ?3, ?4)", newID, 1, 1, 50)
	require.NoError(t, err)
	rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventInsert && ev.Row.ID == newID })

	_, err = st.Exec(ctx, "UPDATE scores SET score = ?2 WHERE id = ?1", newID, 51)
	require.NoError(t, err)
	ev := rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventUpdate && ev.Row.ID == newID })
	assert.Equal(t, int64(51), ev.Row.Score)
	assert.Equal(t, int64(50), ev.Previous.Score)

	_, err = st.Exec(ctx, "DELETE FROM scores WHERE id = ?1", newID)
	require.NoError(t, err)
	rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventDelete && ev.Row.ID == newID })

	// Rows of other classes never reach this subscription
	_, err = st.Exec(ctx, "INSERT INTO scores (id, assignment_id, student_id, score) VALUES (?1, ?2, ?3, ?4)", newID+1, 2, 1, 50)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	for _, ev := range rec.snapshot() {
		assert.NotEqual(t, newID+1, ev.Row.ID)
	}

	require.NoError(t, sub.Close())
}

func TestPollDiffBackend_Snapshots(t *testing.T) {
	s := smallSettings()
	st := openInstalled(t, s)
	ctx := context.Background()

	cfg := config.DefaultConfig().Backend
	cfg.PollInterval = 20 * time.Millisecond
	b, err := New("poll-diff", Deps{Store: st, Settings: s, Config: cfg})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	rec := &recorder{}
	_, err = b.Subscribe(ctx, QueryFor(s, st.Dialect(), 2), rec.handle)
	require.NoError(t, err)

	initial := rec.snapshot()
	require.Len(t, initial, 1)
	assert.Equal(t, EventSnapshot, initial[0].Kind)
	assert.Len(t, initial[0].Rows, s.AssignmentsPerClass*s.StudentsPerClass)

	// Unchanged results produce no further snapshot
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)

	_, err = st.Exec(ctx, "DELETE FROM scores WHERE id = ?1", 4)
	require.NoError(t, err)
	ev := rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventSnapshot && len(ev.Rows) == len(initial[0].Rows)-1 })
	assert.Equal(t, 2, ev.ClassID)
}

func TestPGNotify_RequiresPostgres(t *testing.T) {
	s := smallSettings()
	st := openInstalled(t, s)

	_, err := New("pg-notify", Deps{Store: st, Settings: s, Config: config.DefaultConfig().Backend})
	require.Error(t, err)
	assert.Equal(t, bencherr.CodeInvalidConfig, bencherr.GetCode(err))
}

func TestTriggerStatements(t *testing.T) {
	stmts := TriggerStatements("reactbench_scores")
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "pg_notify('reactbench_scores'")
	assert.Contains(t, stmts[0], "scores%ROWTYPE")
	assert.Contains(t, stmts[2], "AFTER INSERT OR UPDATE OR DELETE ON scores")
}

func TestDecodeNotification(t *testing.T) {
	s := dataset.FromConfig(config.DefaultConfig().Dataset)

	n, err := decodeNotification(s, `{"op":"delete","score_id":120007,"assignment_id":251,"student_id":3,"score":88}`)
	require.NoError(t, err)
	assert.Equal(t, bus.OpDelete, n.Op)
	assert.Equal(t, 51, n.ClassID)
	assert.Equal(t, dataset.Score{ID: 120007, AssignmentID: 251, StudentID: 3, Score: 88}, n.Row)

	_, err = decodeNotification(s, `{"op":"truncate"}`)
	assert.Error(t, err)

	_, err = decodeNotification(s, `not json`)
	assert.Error(t, err)
}

func TestPGNotifyBackend_Live(t *testing.T) {
	dsn := os.Getenv("REACTBENCH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("REACTBENCH_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s := smallSettings()

	st, err := store.Open(ctx, store.Config{Driver: "postgres", DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, dataset.Install(ctx, st, s, 1))

	b, err := New("pg-notify", Deps{Store: st, Settings: s, Config: config.DefaultConfig().Backend, DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	rec := &recorder{}
	_, err = b.Subscribe(ctx, QueryFor(s, st.Dialect(), 1), rec.handle)
	require.NoError(t, err)

	newID := s.ScoresCount() + 1
	_, err = st.Exec(ctx, "INSERT INTO scores (id, assignment_id, student_id, score) VALUES ($1, $2, $3, $4)", newID, 1, 1, 50)
	require.NoError(t, err)
	rec.waitFor(t, func(ev Event) bool { return ev.Kind == EventInsert && ev.Row.ID == newID })
}
