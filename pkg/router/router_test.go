package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avi3tal/dagpipe/pkg/llm"
)

func echo(label string) llm.Caller {
	return llm.CallerFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: label}, nil
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRouter(t *testing.T, lowLimit, highLimit, fallbackLimit int, opts ...Option) (*Router, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithThreshold(0.6), WithClock(clock.Now)}, opts...)
	r, err := New(
		Slot{Label: "small-model", Caller: echo("low"), Limit: lowLimit},
		Slot{Label: "large-model", Caller: echo("high"), Limit: highLimit},
		Slot{Label: "backup-model", Caller: echo("fallback"), Limit: fallbackLimit},
		opts...,
	)
	require.NoError(t, err)
	return r, clock
}

func TestRouteByComplexity(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 0, 0)

	d, err := r.Route(0.2)
	require.NoError(t, err)
	require.Equal(t, "small-model", d.Label)
	require.Equal(t, TierLow, d.Tier)

	d, err = r.Route(0.8)
	require.NoError(t, err)
	require.Equal(t, "large-model", d.Label)

	// The threshold itself prefers the high tier.
	d, err = r.Route(0.6)
	require.NoError(t, err)
	require.Equal(t, TierHigh, d.Tier)

	resp, err := d.Caller.Call(context.Background(), llm.Request{})
	require.NoError(t, err)
	require.Equal(t, "high", resp.Text)
}

func TestRouteFallsBackWhenBudgetExhausted(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 2, 0, 0)

	for i := 0; i < 2; i++ {
		d, err := r.Route(0.2)
		require.NoError(t, err)
		require.Equal(t, "small-model", d.Label)
		require.False(t, d.BudgetForced)
	}

	d, err := r.Route(0.2)
	require.NoError(t, err)
	require.Equal(t, "backup-model", d.Label)
	require.True(t, d.BudgetForced)
}

func TestFallbackExhaustionIsAnError(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 1, 1)

	_, err := r.Route(0.9)
	require.NoError(t, err)
	d, err := r.Route(0.9)
	require.NoError(t, err)
	require.Equal(t, TierFallback, d.Tier)

	_, err = r.Route(0.9)
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.Contains(t, err.Error(), "backup-model")
}

func TestFixedWindowResets(t *testing.T) {
	t.Parallel()
	r, clock := newTestRouter(t, 0, 1, 1)

	_, err := r.Route(0.9)
	require.NoError(t, err)
	require.Equal(t, 0, r.Budget(TierHigh).Remaining())

	clock.Advance(DefaultWindow)
	require.Equal(t, 1, r.Budget(TierHigh).Remaining())
	d, err := r.Route(0.9)
	require.NoError(t, err)
	require.Equal(t, TierHigh, d.Tier)
}

func TestSlidingWindowRefillsGradually(t *testing.T) {
	t.Parallel()
	r, clock := newTestRouter(t, 0, 2, 0, WithWindowKind(WindowSliding))

	for i := 0; i < 2; i++ {
		d, err := r.Route(0.9)
		require.NoError(t, err)
		require.Equal(t, TierHigh, d.Tier)
	}
	d, err := r.Route(0.9)
	require.NoError(t, err)
	require.Equal(t, TierFallback, d.Tier)

	// Half a window refills one of the two calls.
	clock.Advance(DefaultWindow / 2)
	d, err = r.Route(0.9)
	require.NoError(t, err)
	require.Equal(t, TierHigh, d.Tier)
	d, err = r.Route(0.9)
	require.NoError(t, err)
	require.Equal(t, TierFallback, d.Tier)
}

func TestConcurrentRoutingNeverDoubleSpends(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 50, 25)

	var high, fallback, exhausted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.Route(0.9)
			switch {
			case errors.Is(err, ErrBudgetExhausted):
				exhausted.Add(1)
			case d.Tier == TierHigh:
				high.Add(1)
			case d.Tier == TierFallback:
				fallback.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 50, high.Load())
	require.EqualValues(t, 25, fallback.Load())
	require.EqualValues(t, 25, exhausted.Load())
}

func TestSessionEscalation(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 0, 0)
	s := r.NewSession(0.2)

	d, err := s.Route()
	require.NoError(t, err)
	require.Equal(t, TierLow, d.Tier)

	// Without escalation the session stays put.
	d, err = s.Route()
	require.NoError(t, err)
	require.Equal(t, TierLow, d.Tier)

	require.Equal(t, TierHigh, s.Escalate())
	d, err = s.Route()
	require.NoError(t, err)
	require.Equal(t, "large-model", d.Label)

	require.Equal(t, TierFallback, s.Escalate())
	require.Equal(t, TierFallback, s.Escalate())
	d, err = s.Route()
	require.NoError(t, err)
	require.Equal(t, "backup-model", d.Label)

	// Escalation is local to the session.
	other := r.NewSession(0.2)
	d, err = other.Route()
	require.NoError(t, err)
	require.Equal(t, TierLow, d.Tier)
}

func TestSessionEscalateBeforeRoute(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 0, 0)
	s := r.NewSession(0.9)
	require.Equal(t, TierHigh, s.Current())
	require.Equal(t, TierFallback, s.Escalate())
	d, err := s.Route()
	require.NoError(t, err)
	require.Equal(t, TierFallback, d.Tier)
}

func TestSessionEscalateAfterProviderError(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 0, 0)

	s := r.NewSession(0.1)
	_, err := s.Route()
	require.NoError(t, err)
	require.Equal(t, TierFallback, s.EscalateAfter(errors.New("429 rate limit")))

	s = r.NewSession(0.1)
	_, err = s.Route()
	require.NoError(t, err)
	require.Equal(t, TierHigh, s.EscalateAfter(errors.New("bad output")))
}

func TestSessionRetry(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 0, 0)
	bad := errors.New("bad output")

	s := r.NewSession(0.1)
	_, err := s.Route()
	require.NoError(t, err)
	require.Equal(t, TierLow, s.Retry(2, bad))
	require.Equal(t, TierHigh, s.Retry(3, bad))
	require.Equal(t, TierFallback, s.Retry(4, bad))

	s = r.NewSession(0.1)
	_, err = s.Route()
	require.NoError(t, err)
	require.Equal(t, TierFallback, s.Retry(2, errors.New("access denied")))
	d, err := s.Route()
	require.NoError(t, err)
	require.Equal(t, TierFallback, d.Tier)
}

func TestPreferredTier(t *testing.T) {
	t.Parallel()
	require.Equal(t, TierHigh, PreferredTier(0.7, DefaultThreshold))
	require.Equal(t, TierLow, PreferredTier(0.69, DefaultThreshold))
	require.Equal(t, TierHigh, PreferredTier(1.5, 0.9))

	r, _ := newTestRouter(t, 0, 0, 0)
	require.Equal(t, PreferredTier(0.8, r.Threshold()), r.Preferred(0.8))
}

func TestCustomLadder(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, 0, 0, 0, WithLadder(TierLow, TierFallback, TierHigh))
	s := r.NewSession(0.1)
	require.Equal(t, TierFallback, s.Escalate())
	require.Equal(t, TierHigh, s.Escalate())
	require.Equal(t, []Tier{TierLow, TierFallback, TierHigh}, r.Ladder())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	ok := Slot{Caller: echo("x")}

	_, err := New(ok, ok, Slot{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(ok, ok, ok, WithThreshold(1.5))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(ok, ok, ok, WithLadder(TierLow, TierLow, TierHigh))
	require.ErrorIs(t, err, ErrInvalidConfig)

	r, err := New(ok, ok, ok)
	require.NoError(t, err)
	require.Equal(t, "low", r.Label(TierLow))
	require.Equal(t, DefaultThreshold, r.Threshold())
	require.Equal(t, -1, r.Budget(TierLow).Remaining())
}

func TestClassifyComplexity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		text   string
		tokens int
		want   float64
	}{
		{"neutral", "summarise the notes", 0, 0.5},
		{"one high keyword", "refactor the parser", 0, 0.6},
		{"architecture work", "design the architecture for oauth", 0, 0.8},
		{"low keywords", "fix a typo in the readme", 0, 0.3},
		{"large input", "summarise the notes", 5000, 0.65},
		{"medium input", "summarise the notes", 2500, 0.55},
		{"clamped high", "implement complex real-time websocket payment integrate oauth stripe refactor", 9000, 1},
		{"clamped low", "simple basic single style css readme rename typo comment", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.InDelta(t, tt.want, ClassifyComplexity(tt.text, tt.tokens), 1e-9)
		})
	}
	require.Equal(t, 3, EstimateTokens("twelve chars"))
}
