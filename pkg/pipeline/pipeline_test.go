package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avi3tal/dagpipe/pkg/checkpoints"
	"github.com/avi3tal/dagpipe/pkg/constrained"
	"github.com/avi3tal/dagpipe/pkg/llm"
	"github.com/avi3tal/dagpipe/pkg/router"
)

// counter records how often each task's handler ran.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCounter() *counter {
	return &counter{calls: map[string]int{}}
}

func (c *counter) add(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[id]++
	return c.calls[id]
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func labelCaller(label string) llm.Caller {
	return llm.CallerFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: label}, nil
	})
}

func testRouter(t *testing.T, limits ...int) *router.Router {
	t.Helper()
	if len(limits) == 0 {
		limits = []int{0, 0, 0}
	}
	r, err := router.New(
		router.Slot{Label: "low", Caller: labelCaller("low"), Limit: limits[0]},
		router.Slot{Label: "high", Caller: labelCaller("high"), Limit: limits[1]},
		router.Slot{Label: "fallback", Caller: labelCaller("fallback"), Limit: limits[2]},
		router.WithThreshold(0.6),
	)
	require.NoError(t, err)
	return r
}

func TestPipelineIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	calls := newCounter()

	registry := Registry{}.
		RegisterFunc("load", func(_ context.Context, in Input) (any, error) {
			calls.add(in.Task.ID)
			return map[string]any{"rows": 3, "big": json.Number("9007199254740993")}, nil
		}).
		RegisterFunc("summarise", func(_ context.Context, in Input) (any, error) {
			calls.add(in.Task.ID)
			src, ok := in.Dependency("load")
			if !ok {
				return nil, errors.New("missing load result")
			}
			return fmt.Sprintf("rows=%v", src.(map[string]any)["rows"]), nil
		})
	tasks := []Task{
		{ID: "load", Function: "load", Deterministic: true},
		{ID: "summary", Function: "summarise", DependsOn: []string{"load"}, Deterministic: true},
	}

	run := func() *Result {
		store, err := checkpoints.NewFileStore(dir)
		require.NoError(t, err)
		p, err := New(tasks, registry, WithStore(store))
		require.NoError(t, err)
		res, err := p.Run(context.Background())
		require.NoError(t, err)
		return res
	}

	first := run()
	require.Equal(t, 2, calls.total())
	require.Equal(t, []string{"load", "summary"}, first.Executed)
	require.Equal(t, "rows=3", first.Context["summary"])

	second := run()
	require.Equal(t, 2, calls.total(), "second run must not invoke any handler")
	require.Equal(t, []string{"load", "summary"}, second.Restored)
	require.Empty(t, second.Executed)
	require.Equal(t, first.Context, second.Context)
	require.NotEqual(t, first.RunID, second.RunID)

	a, err := json.Marshal(first.Context)
	require.NoError(t, err)
	b, err := json.Marshal(second.Context)
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))
	require.Contains(t, string(b), "9007199254740993")
}

func TestPipelineResumesAfterFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	calls := newCounter()
	var broken atomic.Bool
	broken.Store(true)

	registry := Registry{}.
		RegisterFunc("step", func(_ context.Context, in Input) (any, error) {
			calls.add(in.Task.ID)
			if in.Task.ID == "B" && broken.Load() {
				return nil, errors.New("upstream API down")
			}
			return in.Task.ID + "-done", nil
		})
	tasks := []Task{
		{ID: "A", Function: "step", Deterministic: true},
		{ID: "B", Function: "step", DependsOn: []string{"A"}, Deterministic: true},
		{ID: "C", Function: "step", DependsOn: []string{"B"}, Deterministic: true},
	}

	store, err := checkpoints.NewFileStore(dir)
	require.NoError(t, err)
	p, err := New(tasks, registry, WithStore(store), WithMaxRetries(2))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrTaskExecutionFailed)
	var tf *TaskFailedError
	require.ErrorAs(t, err, &tf)
	require.Equal(t, "B", tf.TaskID)
	require.Equal(t, 2, tf.Attempts)
	require.ErrorContains(t, err, "upstream API down")
	require.Equal(t, []string{"A"}, res.Executed)

	saved, err := store.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, saved)
	require.Equal(t, 0, calls.calls["C"])

	broken.Store(false)
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, res.Restored)
	require.Equal(t, []string{"B", "C"}, res.Executed)
	require.Equal(t, 1, calls.calls["A"])
	require.Equal(t, map[string]any{"A": "A-done", "B": "B-done", "C": "C-done"}, res.Context)
	require.Equal(t, map[string]any{"C": "C-done"}, res.Terminal())
}

func TestPipelineRejectsBadDefinitions(t *testing.T) {
	t.Parallel()

	t.Run("cycle_before_any_invocation", func(t *testing.T) {
		t.Parallel()
		calls := newCounter()
		registry := Registry{}.RegisterFunc("fn", func(_ context.Context, in Input) (any, error) {
			calls.add(in.Task.ID)
			return nil, nil
		})
		_, err := New([]Task{task("a", "c"), task("b", "a"), task("c", "b")}, registry,
			WithStore(checkpoints.NewMemoryStore()))
		require.ErrorIs(t, err, ErrCycleDetected)
		require.ErrorContains(t, err, "[a, b, c]")
		require.Zero(t, calls.total())
	})

	t.Run("unregistered_function", func(t *testing.T) {
		t.Parallel()
		_, err := New([]Task{{ID: "a", Function: "missing"}}, Registry{},
			WithStore(checkpoints.NewMemoryStore()))
		require.ErrorIs(t, err, ErrUnregisteredFunction)
		var uf *UnregisteredFunctionError
		require.ErrorAs(t, err, &uf)
		require.Equal(t, "a", uf.Task)
		require.Equal(t, "missing", uf.Function)
	})

	t.Run("unknown_schema", func(t *testing.T) {
		t.Parallel()
		registry := Registry{}.Register("fn", ModelHandler(""))
		_, err := New([]Task{{ID: "a", Function: "fn", OutputSchema: "Spec"}}, registry,
			WithStore(checkpoints.NewMemoryStore()))
		require.ErrorIs(t, err, ErrUnknownSchema)
		require.ErrorContains(t, err, `"Spec"`)
	})
}

func TestPipelineRetryEscalation(t *testing.T) {
	t.Parallel()

	t.Run("first_retry_keeps_tier_then_escalates", func(t *testing.T) {
		t.Parallel()
		var routes []string
		var lastErrs []error
		registry := Registry{}.RegisterFunc("gen", func(ctx context.Context, in Input) (any, error) {
			routes = append(routes, in.Route)
			lastErrs = append(lastErrs, in.LastError)
			resp, err := in.Model.Call(ctx, llm.PromptRequest("", "x"))
			require.NoError(t, err)
			require.Equal(t, in.Route, resp.Text)
			if in.Attempt < 4 {
				return nil, errors.New("output rejected")
			}
			return "ok", nil
		})
		p, err := New([]Task{{ID: "t", Function: "gen", Complexity: 0.2}}, registry,
			WithStore(checkpoints.NewMemoryStore()),
			WithRouter(testRouter(t)),
			WithMaxRetries(4),
		)
		require.NoError(t, err)

		res, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, "ok", res.Context["t"])
		require.Equal(t, []string{"low", "low", "high", "fallback"}, routes)
		require.Nil(t, lastErrs[0])
		require.EqualError(t, lastErrs[1], "output rejected")
	})

	t.Run("provider_failure_skips_to_fallback", func(t *testing.T) {
		t.Parallel()
		var routes []string
		registry := Registry{}.RegisterFunc("gen", func(_ context.Context, in Input) (any, error) {
			routes = append(routes, in.Route)
			if in.Route != "fallback" {
				return nil, fmt.Errorf("call failed: %w", llm.ErrProviderUnavailable)
			}
			return "ok", nil
		})
		p, err := New([]Task{{ID: "t", Function: "gen", Complexity: 0.9}}, registry,
			WithStore(checkpoints.NewMemoryStore()),
			WithRouter(testRouter(t)),
		)
		require.NoError(t, err)

		_, err = p.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"high", "fallback"}, routes)
	})

	t.Run("budget_exhaustion_stops_retries", func(t *testing.T) {
		t.Parallel()
		invocations := 0
		registry := Registry{}.RegisterFunc("gen", func(_ context.Context, in Input) (any, error) {
			invocations++
			return nil, errors.New("bad")
		})
		p, err := New([]Task{{ID: "t", Function: "gen", Complexity: 0.2}}, registry,
			WithStore(checkpoints.NewMemoryStore()),
			WithRouter(testRouter(t, 1, 1, 1)),
			WithMaxRetries(5),
		)
		require.NoError(t, err)

		_, err = p.Run(context.Background())
		require.ErrorIs(t, err, ErrTaskExecutionFailed)
		require.ErrorIs(t, err, router.ErrBudgetExhausted)
		var tf *TaskFailedError
		require.ErrorAs(t, err, &tf)
		require.Equal(t, 3, tf.Attempts)
		require.Equal(t, 2, invocations)
	})

	t.Run("deterministic_tasks_get_no_model", func(t *testing.T) {
		t.Parallel()
		registry := Registry{}.RegisterFunc("fn", func(_ context.Context, in Input) (any, error) {
			if in.Model != nil || in.Route != "" {
				return nil, errors.New("unexpected model")
			}
			return 1, nil
		})
		p, err := New([]Task{task("a")}, registry,
			WithStore(checkpoints.NewMemoryStore()),
			WithRouter(testRouter(t)),
			WithMaxRetries(1),
		)
		require.NoError(t, err)
		_, err = p.Run(context.Background())
		require.NoError(t, err)
	})
}

func TestPipelineConstrainedOutput(t *testing.T) {
	t.Parallel()
	replies := []string{
		"Sure:\n```json\n{\"name\": \"Acme\"}\n```",
		`{"name": "Acme", "tagline": "Ship it"}`,
	}
	var calls atomic.Int32
	model := llm.CallerFunc(func(context.Context, llm.Request) (llm.Response, error) {
		n := calls.Add(1)
		return llm.Response{Text: replies[min(int(n), len(replies))-1]}, nil
	})
	r, err := router.New(
		router.Slot{Label: "low", Caller: model},
		router.Slot{Label: "high", Caller: model},
		router.Slot{Label: "fallback", Caller: model},
	)
	require.NoError(t, err)

	schema := &constrained.Schema{Name: "Brief", Fields: []constrained.Field{
		{Name: "name", Type: constrained.KindString, Required: true},
		{Name: "tagline", Type: constrained.KindString, Required: true},
	}}
	p, err := New(
		[]Task{{ID: "brief", Function: "llm", Complexity: 0.3, Description: "Write a brief", OutputSchema: "brief"}},
		Registry{}.Register("llm", ModelHandler("You write product briefs.")),
		WithStore(checkpoints.NewMemoryStore()),
		WithRouter(r),
		WithSchemas(map[string]*constrained.Schema{"brief": schema}),
	)
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, map[string]any{"name": "Acme", "tagline": "Ship it"}, res.Context["brief"])
}

func TestPipelineCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := newCounter()
	store := checkpoints.NewMemoryStore()

	registry := Registry{}.RegisterFunc("fn", func(_ context.Context, in Input) (any, error) {
		calls.add(in.Task.ID)
		if in.Task.ID == "a" {
			cancel()
		}
		return in.Task.ID, nil
	})
	p, err := New([]Task{task("a"), task("b", "a")}, registry, WithStore(store))
	require.NoError(t, err)

	res, err := p.Run(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"a"}, res.Executed)
	require.Zero(t, calls.calls["b"])

	ok, err := store.Exists(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok, "the in-flight task is checkpointed")
}

func TestPipelineCompletionCallback(t *testing.T) {
	t.Parallel()
	store := checkpoints.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "a", "cached"))

	type event struct {
		id       string
		result   any
		zero     bool
		persists bool
	}
	var events []event
	callback := func(id string, result any, d time.Duration) error {
		ok, _ := store.Exists(context.Background(), id)
		events = append(events, event{id: id, result: result, zero: d == 0, persists: ok})
		switch id {
		case "b":
			return errors.New("observer unavailable")
		case "c":
			panic("observer bug")
		}
		return nil
	}

	registry := Registry{}.RegisterFunc("fn", func(context.Context, Input) (any, error) {
		time.Sleep(time.Millisecond)
		return "fresh", nil
	})
	p, err := New([]Task{task("a"), task("b", "a"), task("c", "b")}, registry,
		WithStore(store), WithOnNodeComplete(callback))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, res.Executed)
	require.Equal(t, []event{
		{id: "a", result: "cached", zero: true, persists: true},
		{id: "b", result: "fresh", zero: false, persists: true},
		{id: "c", result: "fresh", zero: false, persists: true},
	}, events)
}

func TestPipelineContextIsolation(t *testing.T) {
	t.Parallel()
	var seen []any
	registry := Registry{}.
		RegisterFunc("seed", func(context.Context, Input) (any, error) {
			return map[string]any{"items": []any{"x"}}, nil
		}).
		RegisterFunc("mutate", func(_ context.Context, in Input) (any, error) {
			seed := in.Context["seed"].(map[string]any)
			seen = append(seen, len(seed["items"].([]any)))
			seed["items"] = append(seed["items"].([]any), "leak")
			in.Context["seed"] = "overwritten"
			if in.Attempt == 1 {
				panic("first attempt blows up")
			}
			return in.Context["tenant"], nil
		})
	p, err := New([]Task{
		{ID: "seed", Function: "seed", Deterministic: true},
		{ID: "use", Function: "mutate", DependsOn: []string{"seed"}, Deterministic: true},
	}, registry, WithStore(checkpoints.NewMemoryStore()))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), WithInitialState(map[string]any{"tenant": "acme"}))
	require.NoError(t, err)
	require.Equal(t, []any{1, 1}, seen)
	require.Equal(t, "acme", res.Context["use"])
	require.Equal(t, "acme", res.Context["tenant"])
	require.Equal(t, map[string]any{"items": []any{"x"}}, res.Context["seed"])
}

func TestPipelineFreshRun(t *testing.T) {
	t.Parallel()
	store := checkpoints.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "a", "stale"))
	require.NoError(t, store.Save(context.Background(), "orphan", true))

	registry := Registry{}.RegisterFunc("fn", func(context.Context, Input) (any, error) {
		return "new", nil
	})
	p, err := New([]Task{task("a")}, registry, WithStore(store))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), WithFresh())
	require.NoError(t, err)
	require.Equal(t, "new", res.Context["a"])
	saved, err := store.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, saved)
}

func TestPipelineRejectsUnserializableResults(t *testing.T) {
	t.Parallel()
	store := checkpoints.NewMemoryStore()
	registry := Registry{}.RegisterFunc("fn", func(context.Context, Input) (any, error) {
		return make(chan int), nil
	})
	p, err := New([]Task{task("a")}, registry, WithStore(store))
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, ErrTaskExecutionFailed)
	ok, err := store.Exists(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, ok)
}

// failingSaveStore accepts loads but rejects every save.
type failingSaveStore struct {
	*checkpoints.MemoryStore
}

func (failingSaveStore) Save(context.Context, string, any) error {
	return errors.New("disk full")
}

func TestPipelineFailureAfterRetryReportsAttempts(t *testing.T) {
	t.Parallel()
	flaky := func(result any) HandlerFunc {
		return func(_ context.Context, in Input) (any, error) {
			if in.Attempt == 1 {
				return nil, errors.New("transient")
			}
			return result, nil
		}
	}

	t.Run("unserializable result", func(t *testing.T) {
		t.Parallel()
		registry := Registry{}.Register("fn", flaky(make(chan int)))
		p, err := New([]Task{task("a")}, registry, WithStore(checkpoints.NewMemoryStore()))
		require.NoError(t, err)

		_, err = p.Run(context.Background())
		var failed *TaskFailedError
		require.ErrorAs(t, err, &failed)
		require.Equal(t, 2, failed.Attempts)
	})

	t.Run("checkpoint save", func(t *testing.T) {
		t.Parallel()
		registry := Registry{}.Register("fn", flaky("ok"))
		store := failingSaveStore{checkpoints.NewMemoryStore()}
		p, err := New([]Task{task("a")}, registry, WithStore(store))
		require.NoError(t, err)

		_, err = p.Run(context.Background())
		var failed *TaskFailedError
		require.ErrorAs(t, err, &failed)
		require.Equal(t, 2, failed.Attempts)
		require.ErrorContains(t, err, "disk full")
	})
}

func TestPipelineConcurrentLevels(t *testing.T) {
	t.Parallel()

	t.Run("independent_tasks_overlap", func(t *testing.T) {
		t.Parallel()
		var arrived sync.WaitGroup
		arrived.Add(4)
		allArrived := make(chan struct{})
		go func() {
			arrived.Wait()
			close(allArrived)
		}()

		registry := Registry{}.
			RegisterFunc("fetch", func(_ context.Context, in Input) (any, error) {
				arrived.Done()
				select {
				case <-allArrived:
				case <-time.After(5 * time.Second):
					return nil, errors.New("tasks did not run concurrently")
				}
				return in.Task.ID, nil
			}).
			RegisterFunc("join", func(_ context.Context, in Input) (any, error) {
				return len(in.Context), nil
			})

		p, err := New([]Task{
			{ID: "s1", Function: "fetch", Deterministic: true},
			{ID: "s2", Function: "fetch", Deterministic: true},
			{ID: "s3", Function: "fetch", Deterministic: true},
			{ID: "s4", Function: "fetch", Deterministic: true},
			{ID: "join", Function: "join", DependsOn: []string{"s1", "s2", "s3", "s4"}, Deterministic: true},
		}, registry, WithStore(checkpoints.NewMemoryStore()), WithConcurrency(4), WithMaxRetries(1))
		require.NoError(t, err)

		res, err := p.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"s1", "s2", "s3", "s4", "join"}, res.Executed)
		require.Equal(t, json.Number("4"), res.Context["join"])
	})

	t.Run("failure_stops_later_levels", func(t *testing.T) {
		t.Parallel()
		calls := newCounter()
		registry := Registry{}.RegisterFunc("fn", func(_ context.Context, in Input) (any, error) {
			calls.add(in.Task.ID)
			if in.Task.ID == "b" || in.Task.ID == "c" {
				return nil, errors.New("broken " + in.Task.ID)
			}
			return in.Task.ID, nil
		})
		store := checkpoints.NewMemoryStore()
		p, err := New([]Task{task("a"), task("b"), task("c"), task("d", "a")}, registry,
			WithStore(store), WithConcurrency(3), WithMaxRetries(1))
		require.NoError(t, err)

		res, err := p.Run(context.Background())
		var tf *TaskFailedError
		require.ErrorAs(t, err, &tf)
		require.Equal(t, "b", tf.TaskID)
		require.Equal(t, []string{"a"}, res.Executed)
		require.Zero(t, calls.calls["d"])
	})
}
