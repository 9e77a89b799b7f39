package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reactbench/reactbench/internal/dataset"
	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/store"
)

// pollBackend re-runs every subscribed query on an interval and reports the
// differences. In snapshot mode it hands the whole result to the handler and
// leaves the diffing to the receiver.
type pollBackend struct {
	name     string
	store    store.Store
	interval time.Duration
	snapshot bool

	mu      sync.Mutex
	subs    map[string]*pollSubscription
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newPollBackend(deps Deps) (Backend, error) {
	return newPoller("poll", deps, false)
}

func newPollDiffBackend(deps Deps) (Backend, error) {
	return newPoller("poll-diff", deps, true)
}

func newPoller(name string, deps Deps, snapshot bool) (*pollBackend, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("backend %s: store is required", name)
	}
	interval := deps.Config.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &pollBackend{
		name:     name,
		store:    deps.Store,
		interval: interval,
		snapshot: snapshot,
		subs:     make(map[string]*pollSubscription),
	}, nil
}

func (b *pollBackend) Name() string {
	return b.name
}

// Start begins the polling loop. It runs until the context is cancelled or Close is called.
func (b *pollBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("backend %s: already running", b.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.done = make(chan struct{})

	go b.run(ctx)
	return nil
}

// Subscribe runs the query once, delivers the initial result and registers
// the subscription with the polling loop.
func (b *pollBackend) Subscribe(ctx context.Context, q Query, h Handler) (Subscription, error) {
	rows, err := queryScores(ctx, b.store, q)
	if err != nil {
		return nil, fmt.Errorf("backend %s: initial query for class %d: %w", b.name, q.ClassID, err)
	}

	sub := &pollSubscription{
		id:      uuid.NewString(),
		backend: b,
		query:   q,
		handler: h,
		last:    make(map[int64]dataset.Score, len(rows)),
	}
	sub.apply(rows, b.snapshot)

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Close stops the polling loop and drops every subscription.
func (b *pollBackend) Close() error {
	b.mu.Lock()
	running := b.running
	b.running = false
	b.subs = make(map[string]*pollSubscription)
	b.mu.Unlock()

	if running {
		b.cancel()
		<-b.done
	}
	return nil
}

func (b *pollBackend) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

func (b *pollBackend) pollOnce(ctx context.Context) {
	b.mu.Lock()
	subs := make([]*pollSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].query.ClassID < subs[j].query.ClassID })

	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		rows, err := queryScores(ctx, b.store, sub.query)
		if err != nil {
			if ctx.Err() == nil {
				logging.WithFields(map[string]interface{}{
					"backend": b.name,
					"class":   sub.query.ClassID,
				}).WithError(err).Warn("poll failed")
			}
			continue
		}
		sub.apply(rows, b.snapshot)
	}
}

func (b *pollBackend) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type pollSubscription struct {
	id      string
	backend *pollBackend
	query   Query
	handler Handler

	// last is the previous result by score id, owned by the polling goroutine
	last   map[int64]dataset.Score
	primed bool
}

func (s *pollSubscription) ID() string {
	return s.id
}

func (s *pollSubscription) Close() error {
	s.backend.remove(s.id)
	return nil
}

// apply diffs rows against the previous result and reports the changes.
func (s *pollSubscription) apply(rows []dataset.Score, snapshot bool) {
	current := make(map[int64]dataset.Score, len(rows))
	for _, row := range rows {
		current[row.ID] = row
	}

	if snapshot {
		if !s.primed || !sameRows(s.last, current) {
			s.handler(Event{Kind: EventSnapshot, ClassID: s.query.ClassID, Rows: rows})
		}
		s.primed = true
		s.last = current
		return
	}

	for _, row := range rows {
		prev, ok := s.last[row.ID]
		switch {
		case !ok:
			s.handler(Event{Kind: EventInsert, ClassID: s.query.ClassID, Row: &row})
		case prev != row:
			s.handler(Event{Kind: EventUpdate, ClassID: s.query.ClassID, Row: &row, Previous: &prev})
		}
	}

	var removed []int64
	for id := range s.last {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, id := range removed {
		prev := s.last[id]
		s.handler(Event{Kind: EventDelete, ClassID: s.query.ClassID, Row: &prev})
	}

	s.last = current
}

func sameRows(a, b map[int64]dataset.Score) bool {
	if len(a) != len(b) {
		return false
	}
	for id, row := range a {
		if other, ok := b[id]; !ok || other != row {
			return false
		}
	}
	return true
}
