// SPDX-License-Identifier: MIT

package health

import (
	"sync"
	"time"
)

// CrashBreaker is the sliding-window crash breaker named Health Monitor.
// It records encoder crash timestamps and reports whether the crash rate
// within the trailing window has tripped the breaker, so the coordinator
// can stop retrying a persistently failing encoder instead of spinning.
//
// Nil-receiver safe, matching the defensive style of stream.Backoff: a nil
// *CrashBreaker behaves as an always-allow breaker rather than panicking.
type CrashBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	crashes   []time.Time
}

// NewCrashBreaker creates a breaker that trips once threshold crashes are
// recorded within window of each other.
func NewCrashBreaker(threshold int, window time.Duration) *CrashBreaker {
	return &CrashBreaker{
		threshold: threshold,
		window:    window,
	}
}

// RecordCrash appends a crash timestamp.
func (b *CrashBreaker) RecordCrash(now time.Time) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crashes = append(b.crashes, now)
}

// ShouldRestart evicts crash timestamps at or before now-window (a crash
// exactly window old is evicted — only crashes strictly newer than the
// cutoff are retained) and reports whether the remaining count is still
// below threshold.
func (b *CrashBreaker) ShouldRestart(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.window)
	kept := b.crashes[:0]
	for _, c := range b.crashes {
		if c.After(cutoff) {
			kept = append(kept, c)
		}
	}
	b.crashes = kept

	return len(b.crashes) < b.threshold
}

// Count returns the number of crashes currently counted within the window
// as of the last ShouldRestart/RecordCrash call, without mutating state.
func (b *CrashBreaker) Count() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.crashes)
}

// Reset clears the crash ledger, used after a clean (non-crash) stop.
func (b *CrashBreaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crashes = nil
}
