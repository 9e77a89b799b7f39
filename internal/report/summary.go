package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/gosuri/uitable"

	"github.com/reactbench/reactbench/internal/ledger"
	"github.com/reactbench/reactbench/internal/measure"
)

const (
	chartRows  = 20
	chartWidth = 50
)

// Render prints the final run status, the latency statistics and the charts.
func Render(w io.Writer, s Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, " Final Runtime Status:")

	table := uitable.New()
	table.MaxColWidth = 60
	table.RightAlign(1)
	table.AddRow("  Run", s.RunID)
	table.AddRow("  Backend", s.Backend)
	table.AddRow("  Duration", s.Duration.Round(time.Millisecond))
	table.AddRow("  Changes", s.State.Changes)
	table.AddRow("  Events", s.State.Events)
	table.AddRow("  Correlated", s.State.Correlated)
	for _, k := range ledger.Kinds {
		table.AddRow("  Unexpected "+k.String()+"s", s.State.Unexpected[k.String()])
	}
	for _, k := range ledger.Kinds {
		table.AddRow("  Reverted "+k.String()+"s", s.State.Reverted[k.String()])
	}
	table.AddRow("  Pending at shutdown", s.Pending)
	if s.Output != "" {
		table.AddRow("  Output", s.Output)
	}
	fmt.Fprintln(w, table)

	fmt.Fprintf(w, " Response Times Mean: %s\n", formatFloat(s.Stats.Mean))
	fmt.Fprintf(w, " Response Times Standard Deviation: %s\n", formatFloat(s.Stats.StdDev))
	fmt.Fprintln(w)

	fmt.Fprint(w, SeriesChart("heapTotal (MB)", s.Measurements.HeapTotal))
	fmt.Fprint(w, SeriesChart("heapUsed (MB)", s.Measurements.HeapUsed))
	fmt.Fprint(w, SeriesChart("responseTimes (ms)", s.Measurements.ResponseTimes))
	fmt.Fprint(w, HistogramChart("responseTimes histogram", s.Stats.Histogram))
}

// SeriesChart draws a time series as horizontal bars, averaging neighbouring
// samples so the chart has at most chartRows rows.
func SeriesChart(caption string, samples []measure.Sample) string {
	if len(samples) == 0 {
		return fmt.Sprintf(" %s: no samples\n\n", caption)
	}

	rows := len(samples)
	if rows > chartRows {
		rows = chartRows
	}

	labels := make([]string, rows)
	values := make([]float64, rows)
	for r := 0; r < rows; r++ {
		lo := r * len(samples) / rows
		hi := (r + 1) * len(samples) / rows
		var sum float64
		for _, s := range samples[lo:hi] {
			sum += s.Value
		}
		labels[r] = fmt.Sprintf("%.1fs", samples[lo].Elapsed)
		values[r] = sum / float64(hi-lo)
	}
	return barChart(caption, labels, values)
}

// HistogramChart draws one bar per bucket labelled with its lower bound.
func HistogramChart(caption string, buckets []measure.Bucket) string {
	if len(buckets) == 0 {
		return fmt.Sprintf(" %s: no samples\n\n", caption)
	}

	labels := make([]string, len(buckets))
	values := make([]float64, len(buckets))
	for i, b := range buckets {
		labels[i] = formatFloat(b.Lower)
		values[i] = float64(b.Count)
	}
	return barChart(caption, labels, values)
}

func barChart(caption string, labels []string, values []float64) string {
	maxValue := 0.0
	labelWidth := 0
	for i, v := range values {
		maxValue = math.Max(maxValue, v)
		if len(labels[i]) > labelWidth {
			labelWidth = len(labels[i])
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, " %s\n", caption)
	for i, v := range values {
		n := 0
		if maxValue > 0 {
			n = int(math.Round(v / maxValue * chartWidth))
		}
		fmt.Fprintf(&b, " %*s | %s %s\n", labelWidth, labels[i], strings.Repeat("#", n), formatFloat(v))
	}
	b.WriteString("\n")
	return b.String()
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
