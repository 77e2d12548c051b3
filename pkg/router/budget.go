package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WindowKind selects how a tier's call budget refills.
type WindowKind int

const (
	// WindowFixed resets the whole budget once the window has elapsed since
	// the window started.
	WindowFixed WindowKind = iota
	// WindowSliding refills continuously (token bucket with burst = limit),
	// so at most limit calls land in any window-sized interval.
	WindowSliding
)

func (k WindowKind) String() string {
	switch k {
	case WindowFixed:
		return "fixed"
	case WindowSliding:
		return "sliding"
	default:
		return "unknown"
	}
}

// Budget counts the calls one tier may still take in the current window.
// A limit <= 0 means unlimited. Safe for concurrent use.
type Budget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time

	// fixed window
	remaining int
	start     time.Time

	// sliding window
	limiter *rate.Limiter
}

func newBudget(limit int, window time.Duration, kind WindowKind, now func() time.Time) *Budget {
	b := &Budget{limit: limit, window: window, now: now}
	if limit <= 0 {
		return b
	}
	switch kind {
	case WindowSliding:
		b.limiter = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	default:
		b.remaining = limit
		b.start = now()
	}
	return b
}

// Unlimited reports whether the budget never runs out.
func (b *Budget) Unlimited() bool {
	return b.limit <= 0
}

// TryConsume takes one call from the budget. It never blocks.
func (b *Budget) TryConsume() bool {
	if b.Unlimited() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.limiter != nil {
		return b.limiter.AllowN(now, 1)
	}
	b.resetIfElapsed(now)
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Remaining returns the calls left in the current window, or -1 when unlimited.
func (b *Budget) Remaining() int {
	if b.Unlimited() {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.limiter != nil {
		return int(b.limiter.TokensAt(now))
	}
	b.resetIfElapsed(now)
	return b.remaining
}

func (b *Budget) resetIfElapsed(now time.Time) {
	if now.Sub(b.start) >= b.window {
		b.remaining = b.limit
		b.start = now
	}
}
