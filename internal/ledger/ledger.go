// Package ledger tracks submitted mutations whose change notification has not
// arrived yet, keyed by mutation kind and entity id.
package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/spaolacci/murmur3"
)

// Kind is the kind of a mutation.
type Kind uint8

const (
	Insert Kind = iota
	Update
	Delete
)

// Kinds lists every mutation kind in reporting order.
var Kinds = []Kind{Insert, Update, Delete}

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown mutation kind: %q", s)
}

const defaultShards = 32

type key struct {
	kind Kind
	id   int64
}

type shard struct {
	mu      sync.Mutex
	entries map[key]time.Time
}

// Ledger holds at most one open entry per (kind, id).
type Ledger struct {
	clock  clock.Clock
	shards []*shard
}

// New creates a ledger reading time from clk. A nil clock uses the wall clock.
func New(clk clock.Clock) *Ledger {
	return NewWithShards(clk, defaultShards)
}

// NewWithShards creates a ledger with n lock shards.
func NewWithShards(clk clock.Clock, n int) *Ledger {
	if clk == nil {
		clk = clock.WallClock
	}
	if n <= 0 {
		n = defaultShards
	}
	l := &Ledger{clock: clk, shards: make([]*shard, n)}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[key]time.Time)}
	}
	return l
}

func (l *Ledger) shardFor(k key) *shard {
	var buf [9]byte
	buf[0] = byte(k.kind)
	binary.LittleEndian.PutUint64(buf[1:], uint64(k.id))
	return l.shards[murmur3.Sum32(buf[:])%uint32(len(l.shards))]
}

// Open records that a mutation of kind was submitted for id at the current
// time. It returns false, leaving the existing entry untouched, when an entry
// is already open.
func (l *Ledger) Open(kind Kind, id int64) bool {
	return l.OpenAt(kind, id, l.clock.Now())
}

// OpenAt is Open with an explicit submission time.
func (l *Ledger) OpenAt(kind Kind, id int64, submittedAt time.Time) bool {
	k := key{kind, id}
	s := l.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[k]; ok {
		return false
	}
	s.entries[k] = submittedAt
	return true
}

// Close removes the entry and returns its submission time.
func (l *Ledger) Close(kind Kind, id int64) (time.Time, bool) {
	k := key{kind, id}
	s := l.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.entries[k]
	if ok {
		delete(s.entries, k)
	}
	return ts, ok
}

// Contains reports whether an entry is open.
func (l *Ledger) Contains(kind Kind, id int64) bool {
	k := key{kind, id}
	s := l.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[k]
	return ok
}

// Count returns the number of open entries of every kind.
func (l *Ledger) Count() int {
	n := 0
	l.each(func(key, time.Time) { n++ })
	return n
}

// CountKind returns the number of open entries of one kind.
func (l *Ledger) CountKind(kind Kind) int {
	n := 0
	l.each(func(k key, _ time.Time) {
		if k.kind == kind {
			n++
		}
	})
	return n
}

// CountStale returns the number of entries open for longer than threshold.
func (l *Ledger) CountStale(threshold time.Duration) int {
	now := l.clock.Now()
	n := 0
	l.each(func(_ key, ts time.Time) {
		if now.Sub(ts) > threshold {
			n++
		}
	})
	return n
}

// Reset discards every open entry.
func (l *Ledger) Reset() {
	for _, s := range l.shards {
		s.mu.Lock()
		s.entries = make(map[key]time.Time)
		s.mu.Unlock()
	}
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

func (l *Ledger) each(fn func(key, time.Time)) {
	for _, s := range l.shards {
		s.mu.Lock()
		for k, ts := range s.entries {
			fn(k, ts)
		}
		s.mu.Unlock()
	}
}
