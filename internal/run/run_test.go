package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactbench/reactbench/internal/config"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/ledger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Database.DSN = "file:" + filepath.Join(dir, "run.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	cfg.Database.MaxConns = 4
	cfg.Dataset = config.DatasetConfig{
		ReactiveQueries:     2,
		ClassCount:          8,
		AssignmentsPerClass: 5,
		StudentsPerClass:    10,
		ClassesPerStudent:   6,
		Install:             true,
	}
	cfg.Workload.InsertsPerSecond = 40
	cfg.Workload.UpdatesPerSecond = 20
	cfg.Workload.DeletesPerSecond = 5
	cfg.Workload.RecencyWindow = 50
	cfg.Workload.RecentInsertExclusion = 20
	cfg.Run.SampleInterval = 100 * time.Millisecond
	cfg.Run.Duration = time.Second
	cfg.Backend.Name = "poll"
	cfg.Backend.PollInterval = 20 * time.Millisecond
	cfg.Output.Path = filepath.Join(dir, "out.json")
	require.NoError(t, cfg.Validate())
	return cfg
}

func fakeHeap() (float64, float64) { return 64, 32 }

func TestRun_PollBackendEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	var stdout bytes.Buffer

	c := New(Options{
		Config:  cfg,
		Stdout:  &stdout,
		Signals: make(chan os.Signal),
		Memory:  fakeHeap,
	})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, c.RunID(), summary.RunID)
	assert.Equal(t, "poll", summary.Backend)
	assert.Positive(t, summary.State.Changes)
	assert.Positive(t, summary.State.Correlated)
	assert.GreaterOrEqual(t, summary.State.Events, summary.State.Correlated)
	for _, k := range ledger.Kinds {
		assert.Zero(t, summary.State.Unconfirmed[k.String()], "drained %s submissions", k)
	}

	assert.NotEmpty(t, summary.Measurements.HeapTotal)
	assert.Equal(t, 32.0, summary.Measurements.HeapUsed[0].Value)
	assert.Len(t, summary.Measurements.ResponseTimes, int(summary.State.Correlated))
	for _, s := range summary.Measurements.ResponseTimes {
		assert.GreaterOrEqual(t, s.Value, 0.0)
	}

	assert.Contains(t, stdout.String(), "seconds elapsed...")
	assert.Contains(t, stdout.String(), "unconfirmed changes > 5s")

	assert.Equal(t, cfg.Output.Path, summary.Output)
	data, err := os.ReadFile(cfg.Output.Path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "heapTotal")
	assert.Contains(t, doc, "heapUsed")
	assert.Contains(t, doc, "responseTimes")
}

func TestRun_SignalStopsRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Duration = 0
	cfg.Output.Path = ""

	sigCh := make(chan os.Signal, 1)
	c := New(Options{Config: cfg, Stdout: &bytes.Buffer{}, Signals: sigCh, Memory: fakeHeap})

	go func() {
		time.Sleep(300 * time.Millisecond)
		sigCh <- os.Interrupt
	}()

	start := time.Now()
	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Empty(t, summary.Output)
}

func TestRun_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Name = "smoke-signals"

	summary, err := New(Options{Config: cfg, Signals: make(chan os.Signal)}).Run(context.Background())
	assert.Nil(t, summary)
	require.Error(t, err)
	assert.Equal(t, bencherr.ErrCategoryConfig, bencherr.GetCategory(err))
	assert.Equal(t, bencherr.CodeUnknownBackend, bencherr.GetCode(err))
}

func TestRun_BackendRejectsDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Name = "pg-notify"

	summary, err := New(Options{Config: cfg, Signals: make(chan os.Signal)}).Run(context.Background())
	assert.Nil(t, summary)
	require.Error(t, err)
	assert.True(t, bencherr.IsFatal(err))
	assert.Equal(t, bencherr.CodeInvalidConfig, bencherr.GetCode(err))
}

func TestRun_OutputFailureStillSummarises(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Duration = 300 * time.Millisecond
	cfg.Output.Path = filepath.Join(t.TempDir(), "missing", "out.json")

	summary, err := New(Options{Config: cfg, Stdout: &bytes.Buffer{}, Signals: make(chan os.Signal), Memory: fakeHeap}).
		Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Empty(t, summary.Output)
}

func TestRun_ReusedDatasetContinuesInsertIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Duration = 500 * time.Millisecond
	cfg.Output.Path = ""

	first, err := New(Options{Config: cfg, Stdout: &bytes.Buffer{}, Signals: make(chan os.Signal), Memory: fakeHeap}).
		Run(context.Background())
	require.NoError(t, err)
	require.Positive(t, first.State.Changes)

	cfg.Dataset.Install = false
	second, err := New(Options{Config: cfg, Stdout: &bytes.Buffer{}, Signals: make(chan os.Signal), Memory: fakeHeap}).
		Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Positive(t, second.State.Changes)
	assert.Zero(t, second.State.Unexpected[ledger.Insert.String()], "rows of the first run are not unexpected")
}

func TestRun_MemorySampledAtStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.SampleInterval = time.Minute
	cfg.Run.Duration = 300 * time.Millisecond
	cfg.Output.Path = ""

	summary, err := New(Options{Config: cfg, Stdout: &bytes.Buffer{}, Signals: make(chan os.Signal), Memory: fakeHeap}).
		Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Measurements.HeapTotal, 1)
	assert.Less(t, summary.Measurements.HeapTotal[0].Elapsed, 0.3)
	assert.Equal(t, 64.0, summary.Measurements.HeapTotal[0].Value)
}

func TestProgress_Line(t *testing.T) {
	p := Progress{
		Elapsed:     3500 * time.Millisecond,
		Unconfirmed: [3]int64{1, 2, 3},
		Pending:     7,
		Stale:       4,
		Threshold:   5 * time.Second,
	}
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t,
		"\r 3 seconds elapsed... (1 unconfirmed inserts, 2 unconfirmed updates, 3 unconfirmed deletes, 7 unconfirmed changes, 4 unconfirmed changes > 5s)",
		buf.String())
}

func TestCloserStack_LIFOAndOnce(t *testing.T) {
	var order []string
	var s closerStack
	s.push("a", func() error { order = append(order, "a"); return nil })
	s.push("b", func() error { order = append(order, "b"); return errors.New("boom") })
	s.push("c", func() error { order = append(order, "c"); return nil })

	err := s.closeAll()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "close b"))
	assert.Equal(t, []string{"c", "b", "a"}, order)

	assert.NoError(t, s.closeAll())
	assert.Len(t, order, 3)
}
