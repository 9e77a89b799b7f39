package run

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/reactbench/reactbench/internal/logging"
)

// closer is a named cleanup step.
type closer struct {
	name string
	fn   func() error
}

// closerStack releases run resources in reverse order of acquisition.
type closerStack struct {
	mu      sync.Mutex
	closers []closer
	once    sync.Once
}

// push adds a cleanup step. Steps run LIFO.
func (s *closerStack) push(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer{name, fn})
}

// closeAll runs every step once, logging failures, and returns the first error.
func (s *closerStack) closeAll() error {
	var first error
	s.once.Do(func() {
		s.mu.Lock()
		closers := s.closers
		s.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				logging.WithField("resource", closers[i].name).WithError(err).Warn("close failed")
				if first == nil {
					first = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
	})
	return first
}

// interruptSignals subscribes to SIGINT and SIGTERM. The returned release
// restores default handling, so a second interrupt terminates the process.
func interruptSignals() (<-chan os.Signal, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var once sync.Once
	return sigCh, func() {
		once.Do(func() {
			signal.Stop(sigCh)
			signal.Reset(syscall.SIGINT, syscall.SIGTERM)
		})
	}
}
