// Package pipeline runs a DAG of tasks in dependency order with per-task
// checkpoints, retries and model routing.
//
// A run is identified by its checkpoint store: every task whose result is
// already in the store is restored instead of executed, so re-running a
// failed pipeline against the same store resumes at the failed task.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/avi3tal/dagpipe/internal/jsontree"
	"github.com/avi3tal/dagpipe/pkg/checkpoints"
	"github.com/avi3tal/dagpipe/pkg/constrained"
	"github.com/avi3tal/dagpipe/pkg/router"
)

const (
	// DefaultMaxRetries is the number of attempts per task.
	DefaultMaxRetries = 3

	// DefaultCheckpointDir is used when no store is configured.
	DefaultCheckpointDir = ".dagpipe/checkpoints"
)

// CompletionFunc observes every completed task, including tasks restored
// from a checkpoint (reported with a zero duration). Its errors and panics
// are logged and never fail the run.
type CompletionFunc func(taskID string, result any, d time.Duration) error

// Pipeline is a validated task graph bound to its handlers. It may be Run
// many times; runs against the same store must not overlap.
type Pipeline struct {
	graph      *Graph
	handlers   map[string]Handler // by task ID
	schemas    map[string]*constrained.Schema
	generators map[string]*constrained.Generator // by task ID
	store      checkpoints.Store
	router     *router.Router

	maxRetries    int
	retryDelay    time.Duration
	schemaRetries int
	concurrency   int
	onComplete    CompletionFunc
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore sets the checkpoint store. The default is a FileStore under
// DefaultCheckpointDir.
func WithStore(store checkpoints.Store) Option {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithRouter sets the model router used by non-deterministic tasks. Without
// one those tasks receive a nil model.
func WithRouter(r *router.Router) Option {
	return func(p *Pipeline) {
		p.router = r
	}
}

// WithSchemas registers the output schemas tasks may reference by name.
func WithSchemas(schemas map[string]*constrained.Schema) Option {
	return func(p *Pipeline) {
		for name, s := range schemas {
			p.schemas[name] = s
		}
	}
}

// WithSchemaRetries sets the corrective retries of the constrained generator.
func WithSchemaRetries(n int) Option {
	return func(p *Pipeline) {
		p.schemaRetries = n
	}
}

// WithMaxRetries sets the number of attempts per task. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) {
		if n >= 1 {
			p.maxRetries = n
		}
	}
}

// WithRetryDelay sets the pause between attempts of one task.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		p.retryDelay = d
	}
}

// WithOnNodeComplete sets the completion observer.
func WithOnNodeComplete(fn CompletionFunc) Option {
	return func(p *Pipeline) {
		p.onComplete = fn
	}
}

// WithConcurrency runs up to n independent tasks at once. The default of 1
// runs tasks one by one in topological order.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n >= 1 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New validates tasks, binds every task to its handler and every declared
// output schema to a generator. Nothing runs until Run.
func New(tasks []Task, registry Registry, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		schemas:       make(map[string]*constrained.Schema),
		maxRetries:    DefaultMaxRetries,
		schemaRetries: constrained.DefaultMaxRetries,
		concurrency:   1,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	g, err := NewGraph(tasks)
	if err != nil {
		return nil, err
	}
	p.graph = g

	p.handlers = make(map[string]Handler, g.Len())
	for _, t := range g.tasks {
		h, ok := registry[t.Function]
		if !ok || h == nil {
			return nil, &UnregisteredFunctionError{Task: t.ID, Function: t.Function}
		}
		p.handlers[t.ID] = h
	}

	p.generators = make(map[string]*constrained.Generator)
	bySchema := make(map[string]*constrained.Generator)
	for _, t := range g.tasks {
		if t.OutputSchema == "" {
			continue
		}
		gen, ok := bySchema[t.OutputSchema]
		if !ok {
			schema, found := p.schemas[t.OutputSchema]
			if !found {
				return nil, fmt.Errorf("%w: task %q references %q", ErrUnknownSchema, t.ID, t.OutputSchema)
			}
			gen, err = constrained.New(schema,
				constrained.WithMaxRetries(p.schemaRetries),
				constrained.WithLogger(p.logger),
			)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "schema %s", t.OutputSchema)
			}
			bySchema[t.OutputSchema] = gen
		}
		p.generators[t.ID] = gen
	}

	if p.store == nil {
		p.store, err = checkpoints.NewFileStore(DefaultCheckpointDir)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Graph returns the validated task graph.
func (p *Pipeline) Graph() *Graph {
	return p.graph
}

// Store returns the checkpoint store.
func (p *Pipeline) Store() checkpoints.Store {
	return p.store
}

// RunOption configures a single Run.
type RunOption func(*runConfig)

type runConfig struct {
	initial map[string]any
	fresh   bool
}

// WithInitialState makes the given keys visible in every task's context.
// Task results with the same key take precedence once they complete.
func WithInitialState(state map[string]any) RunOption {
	return func(c *runConfig) {
		c.initial = state
	}
}

// WithFresh clears the checkpoint store before running.
func WithFresh() RunOption {
	return func(c *runConfig) {
		c.fresh = true
	}
}

// Result describes a run. On failure it holds everything completed so far.
type Result struct {
	// RunID tags logs and spans; it is not part of checkpoint identity.
	RunID string
	// Context maps initial-state keys and task IDs to results.
	Context map[string]any
	// Restored and Executed list task IDs in execution order.
	Restored  []string
	Executed  []string
	Durations map[string]time.Duration

	terminal []string
}

// Terminal returns the results of tasks nothing depends on.
func (r *Result) Terminal() map[string]any {
	out := make(map[string]any, len(r.terminal))
	for _, id := range r.terminal {
		if v, ok := r.Context[id]; ok {
			out[id] = v
		}
	}
	return out
}

// execState is the shared, growing execution context of one run.
type execState struct {
	mu        sync.RWMutex
	values    map[string]any
	restored  []string
	executed  []string
	durations map[string]time.Duration
}

func (s *execState) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return jsontree.CloneMap(s.values)
}

func (s *execState) complete(id string, value any, d time.Duration, restored bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = value
	if restored {
		s.restored = append(s.restored, id)
		return
	}
	s.executed = append(s.executed, id)
	s.durations[id] = d
}

// Run executes every task not already checkpointed. It stops at the first
// task that exhausts its attempts; completed checkpoints stay in the store.
func (p *Pipeline) Run(ctx context.Context, opts ...RunOption) (*Result, error) {
	var cfg runConfig
	for _, o := range opts {
		o(&cfg)
	}

	runID := uuid.NewString()
	logger := p.logger.With(slog.String("run_id", runID))
	m := loadMetrics(p.logger)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "dagpipe.run",
		trace.WithAttributes(
			attribute.String("dagpipe.run_id", runID),
			attribute.Int("dagpipe.task_count", p.graph.Len()),
			attribute.Int("dagpipe.concurrency", p.concurrency),
		),
	)
	defer span.End()

	state := &execState{
		values:    make(map[string]any),
		durations: make(map[string]time.Duration),
	}
	if len(cfg.initial) > 0 {
		initial, err := jsontree.Normalize(cfg.initial)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "initial state must be JSON-representable")
		}
		state.values = initial.(map[string]any)
	}

	if cfg.fresh {
		if err := p.store.Clear(ctx); err != nil {
			return nil, pkgerrors.Wrap(err, "clear checkpoints")
		}
		logger.Info("cleared checkpoints for fresh run")
	}

	logger.Info("pipeline run started",
		slog.Int("tasks", p.graph.Len()),
		slog.Int("concurrency", p.concurrency),
	)

	var err error
	if p.concurrency <= 1 {
		err = p.runSequential(ctx, state, logger)
	} else {
		err = p.runLevels(ctx, state, logger)
	}

	result := p.result(runID, state)
	elapsed := time.Since(start)
	if m.runLatency != nil {
		m.runLatency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.Bool("success", err == nil)))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("pipeline run failed",
			slog.String("error", err.Error()),
			slog.Int("restored", len(result.Restored)),
			slog.Int("executed", len(result.Executed)),
		)
		return result, err
	}

	span.SetStatus(codes.Ok, "")
	logger.Info("pipeline run completed",
		slog.Int("restored", len(result.Restored)),
		slog.Int("executed", len(result.Executed)),
		slog.Duration("duration", elapsed),
	)
	return result, nil
}

func (p *Pipeline) runSequential(ctx context.Context, state *execState, logger *slog.Logger) error {
	for _, t := range p.graph.Order() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w before task %q: %w", ErrCancelled, t.ID, err)
		}
		if err := p.runTask(ctx, t, state, logger); err != nil {
			return err
		}
	}
	return nil
}

// runLevels runs each level's tasks concurrently. A failure lets the rest
// of its level finish and stops the levels after it.
func (p *Pipeline) runLevels(ctx context.Context, state *execState, logger *slog.Logger) error {
	for _, level := range p.graph.Levels() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w before task %q: %w", ErrCancelled, level[0].ID, err)
		}

		errs := make([]error, len(level))
		var g errgroup.Group
		g.SetLimit(p.concurrency)
		for i, t := range level {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					errs[i] = fmt.Errorf("%w before task %q: %w", ErrCancelled, t.ID, err)
					return nil
				}
				errs[i] = p.runTask(ctx, t, state, logger)
				return nil
			})
		}
		_ = g.Wait()

		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) runTask(ctx context.Context, t Task, state *execState, logger *slog.Logger) error {
	m := loadMetrics(p.logger)
	logger = logger.With(slog.String("task_id", t.ID))
	taskAttr := metric.WithAttributes(attribute.String("task", t.ID))

	ctx, span := tracer.Start(ctx, "dagpipe.task",
		trace.WithAttributes(
			attribute.String("dagpipe.task", t.ID),
			attribute.String("dagpipe.function", t.Function),
			attribute.StringSlice("dagpipe.dependencies", t.DependsOn),
			attribute.Bool("dagpipe.deterministic", t.Deterministic),
		),
	)
	defer span.End()

	cached, found, err := p.store.Load(ctx, t.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint load failed")
		return pkgerrors.Wrapf(err, "restore checkpoint for task %s", t.ID)
	}
	if found {
		state.complete(t.ID, cached, 0, true)
		span.SetAttributes(attribute.Bool("dagpipe.restored", true))
		span.SetStatus(codes.Ok, "")
		if m.taskRestored != nil {
			m.taskRestored.Add(ctx, 1, taskAttr)
		}
		logger.Info("task restored from checkpoint")
		p.notify(logger, t.ID, cached, 0)
		return nil
	}

	start := time.Now()
	value, attempts, err := p.execute(ctx, t, state.snapshot(), logger, span)
	if err == nil {
		value, err = jsontree.Normalize(value)
		if err != nil {
			err = &TaskFailedError{TaskID: t.ID, Attempts: attempts,
				Err: pkgerrors.Wrap(err, "result is not JSON-representable")}
		}
	}
	if err == nil {
		// The attempt finished; its checkpoint is written even if the run
		// was cancelled meanwhile.
		if serr := p.store.Save(context.WithoutCancel(ctx), t.ID, value); serr != nil {
			err = &TaskFailedError{TaskID: t.ID, Attempts: attempts,
				Err: pkgerrors.Wrap(serr, "save checkpoint")}
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		if m.taskFailures != nil {
			m.taskFailures.Add(ctx, 1, taskAttr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("task failed", slog.String("error", err.Error()), slog.Duration("duration", elapsed))
		return err
	}

	state.complete(t.ID, value, elapsed, false)
	if m.taskLatency != nil {
		m.taskLatency.Record(ctx, elapsed.Seconds(), taskAttr)
	}
	if m.taskSuccesses != nil {
		m.taskSuccesses.Add(ctx, 1, taskAttr)
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("task completed", slog.Duration("duration", elapsed))
	p.notify(logger, t.ID, value, elapsed)
	return nil
}

// execute runs the attempt loop of one task and reports how many attempts
// it started. Tier selection between attempts follows router.Session.Retry.
func (p *Pipeline) execute(ctx context.Context, t Task, snapshot map[string]any, logger *slog.Logger, span trace.Span) (any, int, error) {
	h := p.handlers[t.ID]
	gen := p.generators[t.ID]

	var session *router.Session
	if !t.Deterministic && p.router != nil {
		session = p.router.NewSession(t.Complexity)
	}

	var (
		lastErr  error
		route    string
		attempts int
	)
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if attempt > 1 {
			if session != nil {
				session.Retry(attempt, lastErr)
			}
			if err := p.wait(ctx); err != nil {
				return nil, attempts, fmt.Errorf("%w during task %q: %w", ErrCancelled, t.ID, err)
			}
		}
		attempts = attempt

		in := Input{
			Task:      t,
			Context:   jsontree.CloneMap(snapshot),
			Attempt:   attempt,
			LastError: lastErr,
		}
		if session != nil {
			d, err := session.Route()
			if err != nil {
				lastErr = err
				logger.Error("no model budget left", slog.Int("attempt", attempt), slog.String("error", err.Error()))
				break
			}
			route = d.Label
			in.Route = d.Label
			in.Model = d.Caller
			if gen != nil {
				in.Model = gen.Wrap(d.Caller)
			}
		}

		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("route", route),
		))
		value, err := invoke(ctx, h, in)
		if err == nil {
			if attempt > 1 {
				logger.Info("task succeeded after retry", slog.Int("attempt", attempt), slog.String("route", route))
			}
			return value, attempt, nil
		}
		lastErr = err
		logger.Warn("task attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", p.maxRetries),
			slog.String("route", route),
			slog.String("error", err.Error()),
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempts, fmt.Errorf("%w during task %q: %w", ErrCancelled, t.ID, ctxErr)
		}
		if errors.Is(err, router.ErrBudgetExhausted) {
			break
		}
	}

	return nil, attempts, &TaskFailedError{TaskID: t.ID, Attempts: attempts, Route: route, Err: lastErr}
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.retryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// invoke runs a handler, turning a panic into an attempt failure.
func invoke(ctx context.Context, h Handler, in Input) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Run(ctx, in)
}

func (p *Pipeline) notify(logger *slog.Logger, id string, value any, d time.Duration) {
	if p.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("completion callback panicked", slog.Any("panic", r))
		}
	}()
	if err := p.onComplete(id, value, d); err != nil {
		logger.Warn("completion callback failed", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) result(runID string, state *execState) *Result {
	state.mu.RLock()
	defer state.mu.RUnlock()

	pos := make(map[string]int, len(p.graph.order))
	for i, idx := range p.graph.order {
		pos[p.graph.tasks[idx].ID] = i
	}
	byOrder := func(ids []string) []string {
		out := append([]string(nil), ids...)
		sort.Slice(out, func(i, j int) bool { return pos[out[i]] < pos[out[j]] })
		return out
	}

	durations := make(map[string]time.Duration, len(state.durations))
	for id, d := range state.durations {
		durations[id] = d
	}
	return &Result{
		RunID:     runID,
		Context:   jsontree.CloneMap(state.values),
		Restored:  byOrder(state.restored),
		Executed:  byOrder(state.executed),
		Durations: durations,
		terminal:  p.graph.Terminal(),
	}
}
