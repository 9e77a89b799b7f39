package ledger

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_OpenClose(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	l := New(clk)

	require.True(t, l.Open(Insert, 120001))
	assert.True(t, l.Contains(Insert, 120001))
	assert.False(t, l.Contains(Update, 120001), "kinds are keyed separately")

	clk.Advance(250 * time.Millisecond)

	ts, ok := l.Close(Insert, 120001)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, clk.Now().Sub(ts))

	_, ok = l.Close(Insert, 120001)
	assert.False(t, ok, "second close finds nothing")
	assert.Equal(t, 0, l.Count())
}

func TestLedger_OpenNeverOverwrites(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	l := New(clk)

	require.True(t, l.Open(Update, 7))
	first := clk.Now()

	clk.Advance(time.Second)
	assert.False(t, l.Open(Update, 7))

	ts, ok := l.Close(Update, 7)
	require.True(t, ok)
	assert.Equal(t, first, ts)
}

func TestLedger_Counts(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	l := NewWithShards(clk, 4)

	l.Open(Insert, 1)
	l.Open(Insert, 2)
	l.Open(Update, 1)
	clk.Advance(6 * time.Second)
	l.Open(Delete, 3)

	assert.Equal(t, 4, l.Count())
	assert.Equal(t, 2, l.CountKind(Insert))
	assert.Equal(t, 1, l.CountKind(Update))
	assert.Equal(t, 1, l.CountKind(Delete))
	assert.Equal(t, 3, l.CountStale(5*time.Second))

	l.Reset()
	assert.Equal(t, 0, l.Count())
}

func TestKind_ParseRoundTrip(t *testing.T) {
	for _, k := range Kinds {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("upsert")
	assert.Error(t, err)
}

func TestRecencyWindow_EvictsOldest(t *testing.T) {
	w := NewRecencyWindow(3)

	w.Push(1)
	w.Push(2)
	w.Push(3)
	assert.Equal(t, 3, w.Len())
	assert.True(t, w.Contains(1))

	w.Push(4)
	assert.False(t, w.Contains(1))
	assert.True(t, w.Contains(4))
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Cap())
}

func TestRecencyWindow_DuplicateIDs(t *testing.T) {
	w := NewRecencyWindow(2)

	w.Push(5)
	w.Push(5)
	w.Push(6)

	// One copy of 5 is still inside the window
	assert.True(t, w.Contains(5))

	w.Push(7)
	assert.False(t, w.Contains(5))
	assert.True(t, w.Contains(6))
}
