// Package workload generates the randomized insert, update and delete
// mutations and registers the tracked ones in the pending-change ledger.
package workload

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/reactbench/reactbench/internal/dataset"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/ledger"
)

// Mutation is one statement ready for submission.
type Mutation struct {
	Kind    ledger.Kind
	ScoreID int64

	// ClassID is known for inserts only
	ClassID int

	// Tracked is true when a ledger entry was opened for the mutation
	Tracked bool

	Statement string
	Args      []any
}

// Options configures a Generator.
type Options struct {
	Seed int64

	// RecencyWindow is the capacity of the shared update/delete window
	RecencyWindow int

	// RecentInsertExclusion keeps the newest inserted ids out of update/delete selection
	RecentInsertExclusion int64

	// MaxSelectAttempts bounds the search for a usable update/delete target
	MaxSelectAttempts int

	// FirstInsertID is the id of the first insert. Zero starts right after the
	// seeded scores; a reused dataset starts above its highest id.
	FirstInsertID int64
}

// Generator produces mutations. It is safe for concurrent use.
type Generator struct {
	mu sync.Mutex

	settings   dataset.Settings
	statements Statements
	ledger     *ledger.Ledger
	window     *ledger.RecencyWindow
	rng        *rand.Rand
	opts       Options

	// lastExisting is the highest id present before the first insert
	lastExisting int64

	// inserts is the number of insert mutations generated so far
	inserts int64
}

// NewGenerator creates a generator opening entries in l.
func NewGenerator(settings dataset.Settings, stmts Statements, l *ledger.Ledger, opts Options) *Generator {
	if opts.MaxSelectAttempts <= 0 {
		opts.MaxSelectAttempts = 1000
	}
	lastExisting := settings.ScoresCount()
	if opts.FirstInsertID > lastExisting+1 {
		lastExisting = opts.FirstInsertID - 1
	}
	return &Generator{
		settings:     settings,
		statements:   stmts,
		ledger:       l,
		window:       ledger.NewRecencyWindow(opts.RecencyWindow),
		rng:          rand.New(rand.NewSource(opts.Seed)),
		opts:         opts,
		lastExisting: lastExisting,
	}
}

// Next generates the next mutation of kind.
func (g *Generator) Next(kind ledger.Kind) (Mutation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch kind {
	case ledger.Insert:
		return g.nextInsert(), nil
	case ledger.Update, ledger.Delete:
		return g.nextTargeted(kind)
	default:
		return Mutation{}, fmt.Errorf("workload: unsupported mutation kind %s", kind)
	}
}

// Inserts returns the number of inserts generated so far.
func (g *Generator) Inserts() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inserts
}

func (g *Generator) nextInsert() Mutation {
	g.inserts++
	id := g.lastExisting + g.inserts

	assignment := g.rng.Int63n(g.settings.AssignCount()) + 1
	student := g.rng.Int63n(g.settings.StudentCount()) + 1
	score := g.rng.Int63n(100) + 1

	classID := g.settings.ClassOf(assignment)
	tracked := false
	if g.settings.IsObserved(classID) {
		tracked = g.ledger.Open(ledger.Insert, id)
	}

	return Mutation{
		Kind:      ledger.Insert,
		ScoreID:   id,
		ClassID:   classID,
		Tracked:   tracked,
		Statement: g.statements.Insert,
		Args:      []any{id, assignment, student, score},
	}
}

func (g *Generator) nextTargeted(kind ledger.Kind) (Mutation, error) {
	upper := g.lastExisting + g.inserts - g.opts.RecentInsertExclusion

	id, ok := g.selectTarget(upper)
	if !ok {
		return Mutation{}, bencherr.NewConfigError(bencherr.CodeTargetExhausted,
			fmt.Sprintf("no %s target found after %d attempts", kind, g.opts.MaxSelectAttempts)).
			WithDetails(map[string]interface{}{
				"upper_bound":    upper,
				"recency_window": g.window.Len(),
			})
	}

	g.ledger.Open(kind, id)
	g.window.Push(id)

	m := Mutation{
		Kind:    kind,
		ScoreID: id,
		Tracked: true,
	}
	if kind == ledger.Update {
		m.Statement = g.statements.Update
		m.Args = []any{id, g.rng.Int63n(100) + 1}
	} else {
		m.Statement = g.statements.Delete
		m.Args = []any{id}
	}
	return m, nil
}

func (g *Generator) selectTarget(upper int64) (int64, bool) {
	if upper < 1 {
		return 0, false
	}
	for attempt := 0; attempt < g.opts.MaxSelectAttempts; attempt++ {
		id := g.rng.Int63n(upper) + 1
		if g.window.Contains(id) ||
			g.ledger.Contains(ledger.Update, id) ||
			g.ledger.Contains(ledger.Delete, id) {
			continue
		}
		return id, true
	}
	return 0, false
}
