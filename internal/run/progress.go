package run

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/reactbench/reactbench/internal/ledger"
)

// Progress is one sample of the run's backlog.
type Progress struct {
	Elapsed     time.Duration
	Unconfirmed [3]int64
	Pending     int
	Stale       int
	Threshold   time.Duration
}

// WriteTo prints p as a single carriage-return prefixed line.
func (p Progress) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w,
		"\r %d seconds elapsed... (%d unconfirmed inserts, %d unconfirmed updates, %d unconfirmed deletes, %d unconfirmed changes, %d unconfirmed changes > %s)",
		int64(p.Elapsed/time.Second),
		p.Unconfirmed[ledger.Insert], p.Unconfirmed[ledger.Update], p.Unconfirmed[ledger.Delete],
		p.Pending, p.Stale, p.Threshold)
	return int64(n), err
}

func (c *Controller) progress(elapsed time.Duration) Progress {
	p := Progress{
		Elapsed:   elapsed,
		Pending:   c.ledger.Count(),
		Stale:     c.ledger.CountStale(c.cfg.Run.StaleThreshold),
		Threshold: c.cfg.Run.StaleThreshold,
	}
	for _, k := range ledger.Kinds {
		p.Unconfirmed[k] = c.state.Unconfirmed(k).Load()
	}
	return p
}

// sample records heap usage once at start, then records it and prints
// progress every sample interval until ctx is cancelled.
func (c *Controller) sample(ctx context.Context, start time.Time) {
	c.recordMemory(start)

	ticker := time.NewTicker(c.cfg.Run.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := c.recordMemory(start)
			c.progress(elapsed).WriteTo(c.stdout)
		}
	}
}

func (c *Controller) recordMemory(start time.Time) time.Duration {
	elapsed := c.clock.Now().Sub(start)
	total, used := c.memory()
	c.agg.RecordMemory(elapsed, total, used)
	return elapsed
}
