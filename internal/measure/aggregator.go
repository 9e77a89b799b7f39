// Package measure collects the run's time series (memory and response times)
// behind a message-passing boundary and summarises them at the end of a run.
package measure

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Sample is one (elapsed seconds, value) point. It encodes as a two element array.
type Sample struct {
	Elapsed float64
	Value   float64
}

// MarshalJSON implements json.Marshaler.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{s.Elapsed, s.Value})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	s.Elapsed, s.Value = pair[0], pair[1]
	return nil
}

// Measurements is the raw series of a run.
type Measurements struct {
	HeapTotal     []Sample `json:"heapTotal"`
	HeapUsed      []Sample `json:"heapUsed"`
	ResponseTimes []Sample `json:"responseTimes"`
}

// Latencies returns the values of the response time series.
func (m Measurements) Latencies() []float64 {
	values := make([]float64, len(m.ResponseTimes))
	for i, s := range m.ResponseTimes {
		values[i] = s.Value
	}
	return values
}

type series int

const (
	seriesHeapTotal series = iota
	seriesHeapUsed
	seriesResponseTimes
)

type record struct {
	series series
	sample Sample
}

// Aggregator owns the series. Recording never blocks the caller: records are
// queued and applied by the aggregator goroutine in arrival order.
type Aggregator struct {
	mu      sync.Mutex
	pending []record
	closed  bool

	signal   chan struct{}
	requests chan chan Measurements
	done     chan struct{}

	// owned by the loop goroutine
	data Measurements
}

// NewAggregator creates an aggregator. Call Run to start processing.
func NewAggregator() *Aggregator {
	return &Aggregator{
		signal:   make(chan struct{}, 1),
		requests: make(chan chan Measurements),
		done:     make(chan struct{}),
	}
}

// Run processes records until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.closed = true
			a.mu.Unlock()
			return
		case <-a.signal:
			a.drain()
		case reply := <-a.requests:
			a.drain()
			reply <- a.copyData()
		}
	}
}

// Done is closed once Run has returned.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// RecordMemory queues one memory reading in megabytes.
func (a *Aggregator) RecordMemory(elapsed time.Duration, heapTotalMB, heapUsedMB float64) {
	t := elapsed.Seconds()
	a.enqueue(
		record{seriesHeapTotal, Sample{t, heapTotalMB}},
		record{seriesHeapUsed, Sample{t, heapUsedMB}},
	)
}

// RecordResponseTime queues one latency sample in milliseconds.
func (a *Aggregator) RecordResponseTime(elapsed time.Duration, latencyMs float64) {
	a.enqueue(record{seriesResponseTimes, Sample{elapsed.Seconds(), latencyMs}})
}

func (a *Aggregator) enqueue(records ...record) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.pending = append(a.pending, records...)
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of every series recorded so far, including records
// queued before the call.
func (a *Aggregator) Snapshot(ctx context.Context) (Measurements, error) {
	reply := make(chan Measurements, 1)
	select {
	case a.requests <- reply:
	case <-a.done:
		return Measurements{}, fmt.Errorf("measure: aggregator stopped")
	case <-ctx.Done():
		return Measurements{}, ctx.Err()
	}

	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return Measurements{}, ctx.Err()
	}
}

func (a *Aggregator) drain() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, r := range batch {
		switch r.series {
		case seriesHeapTotal:
			a.data.HeapTotal = append(a.data.HeapTotal, r.sample)
		case seriesHeapUsed:
			a.data.HeapUsed = append(a.data.HeapUsed, r.sample)
		case seriesResponseTimes:
			a.data.ResponseTimes = append(a.data.ResponseTimes, r.sample)
		}
	}
}

func (a *Aggregator) copyData() Measurements {
	return Measurements{
		HeapTotal:     append([]Sample{}, a.data.HeapTotal...),
		HeapUsed:      append([]Sample{}, a.data.HeapUsed...),
		ResponseTimes: append([]Sample{}, a.data.ResponseTimes...),
	}
}
