package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/avi3tal/dagpipe/pkg/pipeline"
)

// Callback is invoked after every run.
type Callback interface {
	OnComplete(ctx context.Context, result *pipeline.Result) error
	OnError(ctx context.Context, err error) error
}

// App is a definition bound to handlers and pipeline options.
type App struct {
	def      *Definition
	pipeline *pipeline.Pipeline
	callback Callback
}

// AppOption configures an App.
type AppOption func(*appConfig)

type appConfig struct {
	callback Callback
	options  []pipeline.Option
}

// WithCallback sets the run callback.
func WithCallback(cb Callback) AppOption {
	return func(c *appConfig) {
		c.callback = cb
	}
}

// WithPipelineOptions forwards options to the underlying pipeline.
func WithPipelineOptions(opts ...pipeline.Option) AppOption {
	return func(c *appConfig) {
		c.options = append(c.options, opts...)
	}
}

// NewApp builds the pipeline for def. Every function the definition uses
// must be in registry.
func NewApp(def *Definition, registry pipeline.Registry, opts ...AppOption) (*App, error) {
	var cfg appConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	p, err := def.Pipeline(registry, cfg.options...)
	if err != nil {
		return nil, fmt.Errorf("NewApp: failed to build pipeline: %w", err)
	}
	return &App{def: def, pipeline: p, callback: cfg.callback}, nil
}

// Definition returns the definition the app was built from.
func (app *App) Definition() *Definition {
	return app.def
}

// Pipeline returns the bound pipeline.
func (app *App) Pipeline() *pipeline.Pipeline {
	return app.pipeline
}

// Invoke runs the pipeline once. OnError receives the run error; an
// OnComplete error is returned to the caller.
func (app *App) Invoke(ctx context.Context, opts ...pipeline.RunOption) (*pipeline.Result, error) {
	res, err := app.pipeline.Run(ctx, opts...)
	if err != nil {
		if app.callback != nil {
			_ = app.callback.OnError(ctx, err)
		}
		return res, errors.Wrap(err, "invoke: pipeline failed")
	}
	if app.callback != nil {
		if cbErr := app.callback.OnComplete(ctx, res); cbErr != nil {
			return res, fmt.Errorf("invoke: callback OnComplete failed: %w", cbErr)
		}
	}
	return res, nil
}
