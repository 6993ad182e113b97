package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/companionkit/companiond/internal/logger"
)

// TaskRunner executes fire-and-forget work units after a chat turn has
// completed: persisting the assistant message, updating long-term memory.
// Units run detached from the connection's lifecycle, so a disconnect
// never cancels them. A failed unit is logged and never reaches the
// client.
type TaskRunner struct {
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewTaskRunner(timeout time.Duration) *TaskRunner {
	return &TaskRunner{timeout: timeout}
}

// Spawn runs fn in its own goroutine with a detached, timeout-bounded
// context. Panics are recovered so a bad unit cannot take down the
// process.
func (t *TaskRunner) Spawn(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("background task %s panicked: %v", name, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			logger.Error("background task %s failed: %v", name, err)
		}
	}()
}

// Wait blocks until all in-flight units finish or timeout elapses.
// Returns false if the drain timed out.
func (t *TaskRunner) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
