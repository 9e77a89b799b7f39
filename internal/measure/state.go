package measure

import (
	"sync/atomic"

	"github.com/reactbench/reactbench/internal/ledger"
)

// State holds the run-wide counters. It is created by the run controller and
// passed to every component that reports into it.
type State struct {
	// Changes counts mutations submitted to storage
	Changes atomic.Int64

	// Events counts every notification received
	Events atomic.Int64

	// Correlated counts notifications matched to a ledger entry
	Correlated atomic.Int64

	unexpected  [3]atomic.Int64
	reverted    [3]atomic.Int64
	unconfirmed [3]atomic.Int64
}

// NewState creates a zeroed State.
func NewState() *State {
	return &State{}
}

func (s *State) Unexpected(k ledger.Kind) *atomic.Int64  { return &s.unexpected[k] }
func (s *State) Reverted(k ledger.Kind) *atomic.Int64    { return &s.reverted[k] }
func (s *State) Unconfirmed(k ledger.Kind) *atomic.Int64 { return &s.unconfirmed[k] }

// TotalUnexpected sums unexpected notifications over every kind.
func (s *State) TotalUnexpected() int64 {
	var n int64
	for _, k := range ledger.Kinds {
		n += s.unexpected[k].Load()
	}
	return n
}

// StateSnapshot is a point-in-time copy of State.
type StateSnapshot struct {
	Changes     int64            `json:"changes"`
	Events      int64            `json:"events"`
	Correlated  int64            `json:"correlated"`
	Unexpected  map[string]int64 `json:"unexpected"`
	Reverted    map[string]int64 `json:"reverted"`
	Unconfirmed map[string]int64 `json:"unconfirmed"`
}

// Snapshot copies the counters.
func (s *State) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		Changes:     s.Changes.Load(),
		Events:      s.Events.Load(),
		Correlated:  s.Correlated.Load(),
		Unexpected:  make(map[string]int64, len(ledger.Kinds)),
		Reverted:    make(map[string]int64, len(ledger.Kinds)),
		Unconfirmed: make(map[string]int64, len(ledger.Kinds)),
	}
	for _, k := range ledger.Kinds {
		snap.Unexpected[k.String()] = s.unexpected[k].Load()
		snap.Reverted[k.String()] = s.reverted[k].Load()
		snap.Unconfirmed[k.String()] = s.unconfirmed[k].Load()
	}
	return snap
}
