// Package bus provides the in-process fan-out of row change notifications from
// one database listener to the per-class subscriptions.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/reactbench/reactbench/internal/dataset"
)

// Op is the row operation a notification reports.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Notification represents a row change observed on the database.
type Notification struct {
	Op      Op
	ClassID int

	// Row is the new row for insert/update and the removed row for delete
	Row dataset.Score

	Timestamp int64
}

// Notifier provides an in-process pub/sub bus keyed by class.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int

	// dropped counts notifications lost to full subscriber channels
	dropped atomic.Int64
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers of its class.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp == 0 {
		notif.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(notif.ClassID) && !sub.offer(notif) {
			n.dropped.Add(1)
		}
		return true
	})
}

// Subscribe adds a subscriber for the given classes. No classes means every class.
func (n *Notifier) Subscribe(classes ...int) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Classes: classes,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber from the notifier and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		value.(*Subscriber).close()
	}
}

// Close unsubscribes everyone.
func (n *Notifier) Close() {
	n.subscribers.Range(func(key, _ interface{}) bool {
		n.Unsubscribe(key.(string))
		return true
	})
}

// Dropped returns the number of notifications dropped so far.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      string
	Classes []int
	Ch      chan Notification

	// mu orders sends against close so a concurrent Unsubscribe is safe
	mu     sync.RWMutex
	closed bool
}

// offer sends without blocking. It returns false if the notification was dropped.
func (s *Subscriber) offer(notif Notification) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return true
	}
	select {
	case s.Ch <- notif:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.Ch)
	}
}

func (s *Subscriber) matches(classID int) bool {
	if len(s.Classes) == 0 {
		return true
	}
	for _, c := range s.Classes {
		if c == classID {
			return true
		}
	}
	return false
}
