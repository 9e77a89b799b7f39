// Package report encodes the measurements of a run, stores them and renders
// the end-of-run summary.
package report

import (
	"context"
	"encoding/json"
	"time"

	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/measure"
)

// Summary is everything printed at the end of a run.
type Summary struct {
	RunID        string
	Backend      string
	Duration     time.Duration
	State        measure.StateSnapshot
	Stats        measure.Stats
	Measurements measure.Measurements

	// Pending is the number of ledger entries discarded at shutdown
	Pending int

	// Output is where the measurements were written, if anywhere
	Output string
}

// NewSummary computes the latency statistics of m.
func NewSummary(runID, backend string, d time.Duration, state measure.StateSnapshot, m measure.Measurements, buckets int) Summary {
	return Summary{
		RunID:        runID,
		Backend:      backend,
		Duration:     d,
		State:        state,
		Stats:        measure.Summarize(m.Latencies(), buckets),
		Measurements: m,
	}
}

// Encode renders the measurements document.
func Encode(m measure.Measurements) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Save encodes m and writes it to sink. Failures are shutdown errors: the
// caller logs them and still prints the summary.
func Save(ctx context.Context, sink Sink, m measure.Measurements) error {
	data, err := Encode(m)
	if err != nil {
		return bencherr.NewShutdownError("unable to encode measurements", err)
	}
	if err := sink.Write(ctx, data); err != nil {
		return bencherr.NewShutdownError("unable to save output to "+sink.String(), err)
	}
	return nil
}
