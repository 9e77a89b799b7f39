// Package backend defines the change-notification capability the harness
// measures and ships the strategies selectable by name.
package backend

import (
	"context"
	"fmt"
	"sort"

	"github.com/reactbench/reactbench/internal/config"
	"github.com/reactbench/reactbench/internal/dataset"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/store"
)

// EventKind distinguishes row-level events from unified ones.
type EventKind int

const (
	EventInsert EventKind = iota
	EventUpdate
	EventDelete

	// EventChange carries Row and Previous for one row; a nil Row means removed
	EventChange

	// EventSnapshot carries the full current result set in Rows
	EventSnapshot
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventChange:
		return "change"
	case EventSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one notification delivered to a subscription handler.
type Event struct {
	Kind    EventKind
	ClassID int

	Row      *dataset.Score
	Previous *dataset.Score
	Rows     []dataset.Score
}

// Handler receives the events of one subscription. Handlers of different
// subscriptions may run concurrently.
type Handler func(Event)

// Query is the filtered view of the scores table one subscription watches.
type Query struct {
	ClassID int
	SQL     string
	Args    []any
}

// Subscription is an active reactive query.
type Subscription interface {
	ID() string
	Close() error
}

// Backend is a change-notification mechanism.
type Backend interface {
	Name() string

	// Start prepares the backend. It must be called before Subscribe.
	Start(ctx context.Context) error

	// Subscribe starts watching q. The initial result is delivered through h.
	Subscribe(ctx context.Context, q Query, h Handler) (Subscription, error)

	// Close stops every subscription and releases resources.
	Close() error
}

// Deps is what a backend factory may use.
type Deps struct {
	Store    store.Store
	Settings dataset.Settings
	Config   config.BackendConfig

	// DSN is the database connection string, used by backends that open their own connection
	DSN string
}

// Factory creates a backend.
type Factory func(deps Deps) (Backend, error)

var registry = map[string]Factory{
	"poll":      newPollBackend,
	"poll-diff": newPollDiffBackend,
	"pg-notify": newPGNotifyBackend,
}

// Names returns the registered backend names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the backend registered under name.
func New(name string, deps Deps) (Backend, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, bencherr.NewConfigError(bencherr.CodeUnknownBackend,
			fmt.Sprintf("unknown backend %q (available: %v)", name, Names()))
	}
	return factory(deps)
}

// QueryFor builds the reactive query of one class.
func QueryFor(s dataset.Settings, d store.Dialect, classID int) Query {
	return Query{ClassID: classID, SQL: s.ReactiveQuery(d), Args: []any{classID}}
}

func queryScores(ctx context.Context, st store.Store, q Query) ([]dataset.Score, error) {
	rows, err := st.QueryInt64s(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	scores := make([]dataset.Score, 0, len(rows))
	for _, row := range rows {
		score, err := dataset.ScoreFromRow(row)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	return scores, nil
}
