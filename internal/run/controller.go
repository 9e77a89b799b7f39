// Package run drives one benchmark run: it wires the store, the backend, the
// correlator and the scheduler together, samples memory, and shuts everything
// down in order when the run ends.
package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/reactbench/reactbench/internal/backend"
	"github.com/reactbench/reactbench/internal/config"
	"github.com/reactbench/reactbench/internal/correlator"
	"github.com/reactbench/reactbench/internal/dataset"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/ledger"
	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/measure"
	"github.com/reactbench/reactbench/internal/metrics"
	"github.com/reactbench/reactbench/internal/report"
	"github.com/reactbench/reactbench/internal/scheduler"
	"github.com/reactbench/reactbench/internal/store"
	"github.com/reactbench/reactbench/internal/workload"
)

// Options configures a Controller.
type Options struct {
	Config *config.Config

	// Stdout receives the progress line and the summary. Defaults to os.Stdout.
	Stdout io.Writer

	// Signals overrides process signal handling, mainly for tests.
	Signals <-chan os.Signal

	// Memory reads the heap. Defaults to measure.ReadHeap.
	Memory measure.MemoryReader

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Controller owns the lifecycle of a run.
type Controller struct {
	cfg    *config.Config
	stdout io.Writer
	memory measure.MemoryReader
	clock  clock.Clock

	signals <-chan os.Signal
	release func()

	runID    string
	settings dataset.Settings
	state    *measure.State
	ledger   *ledger.Ledger
	agg      *measure.Aggregator
	metrics  *metrics.Metrics
	closers  closerStack
}

// New creates a controller. The configuration must already be validated.
func New(opts Options) *Controller {
	c := &Controller{
		cfg:     opts.Config,
		stdout:  opts.Stdout,
		memory:  opts.Memory,
		clock:   opts.Clock,
		signals: opts.Signals,
		release: func() {},
		runID:   uuid.NewString(),
	}
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.memory == nil {
		c.memory = measure.ReadHeap
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	return c
}

// RunID identifies this run in logs and the summary.
func (c *Controller) RunID() string {
	return c.runID
}

// Run executes the benchmark until a signal arrives, the configured duration
// elapses or a fatal error occurs. The summary is nil only when the run never
// started measuring.
func (c *Controller) Run(ctx context.Context) (*report.Summary, error) {
	log := logging.WithFields(map[string]interface{}{
		"run":     c.runID,
		"backend": c.cfg.Backend.Name,
	})

	if c.signals == nil {
		c.signals, c.release = interruptSignals()
	}
	defer c.release()

	c.settings = dataset.FromConfig(c.cfg.Dataset)
	c.state = measure.NewState()
	c.ledger = ledger.New(c.clock)
	c.metrics = metrics.New(c.state, c.ledger)
	c.agg = measure.NewAggregator()

	// Fail fast on the backend name before touching the database.
	if !knownBackend(c.cfg.Backend.Name) {
		return nil, bencherr.NewConfigError(bencherr.CodeUnknownBackend,
			fmt.Sprintf("unknown backend %q (available: %v)", c.cfg.Backend.Name, backend.Names()))
	}

	st, err := store.Open(ctx, store.Config{
		Driver:   c.cfg.Database.Driver,
		DSN:      c.cfg.Database.DSN,
		MaxConns: c.cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, bencherr.NewOperationalError(bencherr.CodeExecFailed, "unable to open store", err)
	}
	c.closers.push("store", st.Close)
	defer c.closers.closeAll()

	if c.cfg.Dataset.Install {
		log.Info("installing dataset")
		if err := dataset.Install(ctx, st, c.settings, c.cfg.Workload.Seed); err != nil {
			return nil, bencherr.NewOperationalError(bencherr.CodeInstallFailed, "unable to install dataset", err)
		}
	}

	// A reused dataset may hold rows inserted by earlier runs.
	lastID := c.settings.ScoresCount()
	if !c.cfg.Dataset.Install {
		maxID, err := dataset.MaxScoreID(ctx, st)
		if err != nil {
			return nil, bencherr.NewOperationalError(bencherr.CodeExecFailed, "unable to read existing scores", err)
		}
		if maxID > lastID {
			log.Infof("reusing dataset, inserts continue after score %d", maxID)
			lastID = maxID
		}
	}

	be, err := backend.New(c.cfg.Backend.Name, backend.Deps{
		Store:    st,
		Settings: c.settings,
		Config:   c.cfg.Backend,
		DSN:      c.cfg.Database.DSN,
	})
	if err != nil {
		return nil, err
	}
	if err := be.Start(ctx); err != nil {
		return nil, bencherr.NewOperationalError(bencherr.CodeSubscribeFailed, "unable to start backend "+be.Name(), err)
	}
	closeBackend := sync.OnceValue(be.Close)
	c.closers.push("backend", closeBackend)

	aggCtx, stopAgg := context.WithCancel(context.WithoutCancel(ctx))
	go c.agg.Run(aggCtx)
	c.closers.push("aggregator", func() error {
		stopAgg()
		<-c.agg.Done()
		return nil
	})

	if addr := c.cfg.Metrics.Addr; addr != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := c.metrics.Serve(metricsCtx, addr); err != nil {
				logging.WithError(err).Warn("metrics server stopped")
			}
		}()
		c.closers.push("metrics", func() error {
			stopMetrics()
			<-done
			return nil
		})
	}

	corr := correlator.New(c.settings, c.ledger, c.state, correlator.MultiRecorder{c.agg, c.metrics}, c.clock)
	corr.SetBaseline(lastID)
	for _, classID := range c.settings.Classes() {
		q := backend.QueryFor(c.settings, st.Dialect(), classID)
		if _, err := be.Subscribe(ctx, q, corr.Handle); err != nil {
			return nil, bencherr.NewOperationalError(bencherr.CodeSubscribeFailed,
				fmt.Sprintf("unable to subscribe to class %d", classID), err)
		}
	}
	log.Infof("subscribed to %d classes", len(c.settings.Classes()))

	start := c.clock.Now()
	corr.SetStart(start)

	gen := workload.NewGenerator(c.settings, workload.NewStatements(st.Dialect(), c.settings), c.ledger, workload.Options{
		Seed:                  c.cfg.Workload.Seed,
		RecencyWindow:         c.cfg.Workload.RecencyWindow,
		RecentInsertExclusion: int64(c.cfg.Workload.RecentInsertExclusion),
		MaxSelectAttempts:     c.cfg.Workload.MaxSelectAttempts,
		FirstInsertID:         lastID + 1,
	})
	sched := scheduler.New(gen, st, c.ledger, c.state, scheduler.Rates{
		Inserts: c.cfg.Workload.InsertsPerSecond,
		Updates: c.cfg.Workload.UpdatesPerSecond,
		Deletes: c.cfg.Workload.DeletesPerSecond,
	}, c.metrics)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var sampling sync.WaitGroup
	sampling.Add(1)
	go func() {
		defer sampling.Done()
		c.sample(runCtx, start)
	}()

	if err := sched.Start(runCtx); err != nil {
		cancelRun()
		sampling.Wait()
		return nil, err
	}

	fatal := c.wait(ctx, sched, log)

	// Restore default handling so a second interrupt kills the process.
	c.release()

	cancelRun()
	sched.Stop()
	sampling.Wait()
	fmt.Fprintln(c.stdout)

	log.Info("waiting for in-flight mutations")
	sched.Drain()
	elapsed := c.clock.Now().Sub(start)

	// No correlation may land after the snapshot.
	if err := closeBackend(); err != nil {
		logging.WithError(err).Warn("unable to close backend")
	}

	snapCtx := context.WithoutCancel(ctx)
	m, err := c.agg.Snapshot(snapCtx)
	if err != nil {
		logging.WithError(err).Warn("unable to snapshot measurements")
	}

	if err := c.closers.closeAll(); err != nil {
		logging.WithError(err).Warn("shutdown incomplete")
	}

	pending := c.ledger.Count()
	if pending > 0 {
		log.Infof("discarding %d unconfirmed changes", pending)
	}
	c.ledger.Reset()

	summary := report.NewSummary(c.runID, be.Name(), elapsed, c.state.Snapshot(), m, c.cfg.Run.HistogramBuckets)
	summary.Pending = pending

	if dest := c.cfg.Output.Path; dest != "" {
		if err := c.save(snapCtx, dest, m); err != nil {
			logging.WithError(err).Error("unable to save output")
		} else {
			summary.Output = dest
		}
	}
	return &summary, fatal
}

func (c *Controller) wait(ctx context.Context, sched *scheduler.Scheduler, log *logrus.Entry) error {
	var deadline <-chan time.Time
	if d := c.cfg.Run.Duration; d > 0 {
		deadline = c.clock.After(d)
	}

	select {
	case sig := <-c.signals:
		log.Infof("received %s, shutting down", sig)
		return nil
	case <-deadline:
		log.Infof("run duration of %s reached", c.cfg.Run.Duration)
		return nil
	case err := <-sched.Errors():
		logging.WithError(err).Error("fatal error, shutting down")
		return err
	case <-ctx.Done():
		return nil
	}
}

func (c *Controller) save(ctx context.Context, dest string, m measure.Measurements) error {
	sink, err := report.NewSink(ctx, dest, c.cfg.Output.S3)
	if err != nil {
		return bencherr.NewShutdownError("unable to create output sink", err)
	}
	return report.Save(ctx, sink, m)
}

func knownBackend(name string) bool {
	for _, n := range backend.Names() {
		if n == name {
			return true
		}
	}
	return false
}
