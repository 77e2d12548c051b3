// Package router picks which model slot serves a call.
//
// A Router holds three slots (low, high and fallback), a complexity threshold
// and a rate budget per slot. Route prefers the high slot at or above the
// threshold and the low slot below it; when the preferred slot's budget is
// spent the call silently moves to the fallback slot, and only an exhausted
// fallback is reported as ErrBudgetExhausted.
//
// Escalation belongs to one task's retry loop, so it lives on a Session
// rather than on the Router.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/avi3tal/dagpipe/pkg/llm"
)

const (
	// DefaultThreshold is the complexity at which the high slot is preferred.
	DefaultThreshold = 0.7
	// DefaultWindow is the budget window used when a slot leaves it unset.
	DefaultWindow = time.Minute
)

var (
	// ErrBudgetExhausted is returned when the fallback slot has no calls left.
	ErrBudgetExhausted = errors.New("rate budget exhausted")

	// ErrInvalidConfig is returned by New for unusable configurations.
	ErrInvalidConfig = errors.New("invalid router configuration")
)

var meter = otel.Meter("github.com/avi3tal/dagpipe/router")

// Tier identifies a model slot.
type Tier int

const (
	TierLow Tier = iota
	TierHigh
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierHigh:
		return "high"
	case TierFallback:
		return "fallback"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// DefaultLadder is the escalation order used when none is configured.
var DefaultLadder = []Tier{TierLow, TierHigh, TierFallback}

// Slot is one model tier: a callable, the label reported for it and its
// rate budget. Limit <= 0 means unlimited; Window defaults to DefaultWindow.
type Slot struct {
	Label  string
	Caller llm.Caller
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one routing call.
type Decision struct {
	Caller llm.Caller
	Tier   Tier
	Label  string
	// BudgetForced is set when the preferred tier was out of budget and the
	// call was moved to the fallback tier.
	BudgetForced bool
}

// Router is safe for concurrent use; budgets are shared by every caller.
type Router struct {
	slots     [3]Slot
	budgets   [3]*Budget
	threshold float64
	ladder    []Tier
	window    WindowKind
	now       func() time.Time
	logger    *slog.Logger
	calls     metric.Int64Counter
}

// Option configures a Router.
type Option func(*Router)

// WithThreshold sets the complexity threshold for the high tier.
func WithThreshold(threshold float64) Option {
	return func(r *Router) {
		r.threshold = threshold
	}
}

// WithLadder sets the escalation order. It must list every tier exactly once.
func WithLadder(ladder ...Tier) Option {
	return func(r *Router) {
		r.ladder = append([]Tier(nil), ladder...)
	}
}

// WithWindowKind selects fixed or sliding budget windows.
func WithWindowKind(kind WindowKind) Option {
	return func(r *Router) {
		r.window = kind
	}
}

// WithLogger sets the logger for routing decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// New builds a router over the three slots.
func New(low, high, fallback Slot, opts ...Option) (*Router, error) {
	r := &Router{
		slots:     [3]Slot{low, high, fallback},
		threshold: DefaultThreshold,
		ladder:    append([]Tier(nil), DefaultLadder...),
		window:    WindowFixed,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}

	if r.threshold < 0 || r.threshold > 1 || r.threshold != r.threshold {
		return nil, fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidConfig, r.threshold)
	}
	if err := validateLadder(r.ladder); err != nil {
		return nil, err
	}
	for i := range r.slots {
		s := &r.slots[i]
		tier := Tier(i)
		if s.Caller == nil {
			return nil, fmt.Errorf("%w: %s slot has no caller", ErrInvalidConfig, tier)
		}
		if s.Label == "" {
			s.Label = tier.String()
		}
		if s.Window <= 0 {
			s.Window = DefaultWindow
		}
		r.budgets[i] = newBudget(s.Limit, s.Window, r.window, r.now)
	}

	calls, err := meter.Int64Counter("dagpipe_router_calls_total",
		metric.WithDescription("Routed model calls by tier"),
	)
	if err != nil {
		r.logger.Error("failed to initialize router metrics", slog.String("error", err.Error()))
	}
	r.calls = calls
	return r, nil
}

func validateLadder(ladder []Tier) error {
	if len(ladder) != 3 {
		return fmt.Errorf("%w: ladder must list all three tiers, got %v", ErrInvalidConfig, ladder)
	}
	seen := map[Tier]bool{}
	for _, t := range ladder {
		if t < TierLow || t > TierFallback || seen[t] {
			return fmt.Errorf("%w: ladder %v must list each tier once", ErrInvalidConfig, ladder)
		}
		seen[t] = true
	}
	return nil
}

// Threshold returns the configured complexity threshold.
func (r *Router) Threshold() float64 {
	return r.threshold
}

// Ladder returns a copy of the escalation order.
func (r *Router) Ladder() []Tier {
	return append([]Tier(nil), r.ladder...)
}

// Budget returns the live budget of a tier.
func (r *Router) Budget(t Tier) *Budget {
	return r.budgets[t]
}

// Label returns the label of a tier.
func (r *Router) Label(t Tier) string {
	return r.slots[t].Label
}

// PreferredTier returns the tier a complexity score selects under threshold:
// high at or above it, low below.
func PreferredTier(complexity, threshold float64) Tier {
	if clamp01(complexity) >= threshold {
		return TierHigh
	}
	return TierLow
}

// Preferred returns the tier a fresh call with this complexity targets.
func (r *Router) Preferred(complexity float64) Tier {
	return PreferredTier(complexity, r.threshold)
}

// Route selects a slot for a call of the given complexity and charges its budget.
func (r *Router) Route(complexity float64) (Decision, error) {
	return r.take(r.Preferred(complexity))
}

func (r *Router) take(tier Tier) (Decision, error) {
	if r.budgets[tier].TryConsume() {
		return r.decide(tier, false), nil
	}
	if tier != TierFallback {
		if r.budgets[TierFallback].TryConsume() {
			r.logger.Warn("tier budget exhausted, routing to fallback",
				slog.String("tier", tier.String()),
				slog.String("label", r.slots[tier].Label),
				slog.String("fallback", r.slots[TierFallback].Label),
			)
			return r.decide(TierFallback, true), nil
		}
	}
	return Decision{}, fmt.Errorf("%w: %s (%s)", ErrBudgetExhausted,
		r.slots[TierFallback].Label, TierFallback)
}

func (r *Router) decide(tier Tier, forced bool) Decision {
	if r.calls != nil {
		r.calls.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("tier", tier.String()),
			attribute.Bool("forced", forced),
		))
	}
	r.logger.Debug("routed model call",
		slog.String("tier", tier.String()),
		slog.String("label", r.slots[tier].Label),
		slog.Bool("budget_forced", forced),
	)
	return Decision{
		Caller:       r.slots[tier].Caller,
		Tier:         tier,
		Label:        r.slots[tier].Label,
		BudgetForced: forced,
	}
}

func (r *Router) ladderIndex(t Tier) int {
	for i, l := range r.ladder {
		if l == t {
			return i
		}
	}
	return 0
}
