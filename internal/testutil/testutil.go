// Package testutil provides helpers shared by the daqd package tests.
//
// GoroutineTest implements the error channel pattern: goroutines return
// errors instead of calling t.Fatal, which would only exit the goroutine.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Clock
// =============================================================================

// Clock is a settable clock for components taking a func() time.Time.
//
// Clock is safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock set to now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// Filesystem fixtures
// =============================================================================

// WriteAged writes content to path, creating parent directories, and sets
// its modification time to age before now.
func WriteAged(t testing.TB, path, content string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest runs goroutines that report failures as errors.
type GoroutineTest struct {
	t      testing.TB
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest whose context is cancelled by
// Cancel, by Wait, or after timeout.
func NewGoroutineTest(t testing.TB, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a goroutine with the test context. A returned error fails
// the test in Wait.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			select {
			case gt.errors <- err:
			default:
				gt.t.Logf("error channel full, dropping error: %v", err)
			}
		}
	}()
}

// Cancel cancels the context, signaling goroutines to stop.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// Wait waits for every goroutine and fails the test on any error or if the
// goroutines outlive the timeout by more than a second.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()

	done := make(chan struct{})
	go func() {
		gt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-gt.ctx.Done():
		select {
		case <-done:
		case <-time.After(time.Second):
			gt.t.Fatalf("goroutines did not stop: %v", gt.ctx.Err())
		}
	}
	gt.cancel()
	close(gt.errors)

	var n int
	for err := range gt.errors {
		n++
		gt.t.Errorf("goroutine error [%d]: %v", n, err)
	}
	if n > 0 {
		gt.t.FailNow()
	}
}
