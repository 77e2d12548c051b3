// Package constrained turns free-form model replies into values that satisfy
// a declared Schema.
//
// A Generator appends a format instruction to the request, extracts the JSON
// document from the reply and validates it. When extraction or validation
// fails it re-asks the model with the previous reply and an exact description
// of what was wrong, up to a bounded number of corrective retries.
package constrained

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/dagpipe/internal/jsontree"
	"github.com/avi3tal/dagpipe/pkg/llm"
)

// DefaultMaxRetries is the number of corrective retries after the first call.
const DefaultMaxRetries = 2

var (
	// ErrSchemaValidationFailed is matched by every ValidationFailedError.
	ErrSchemaValidationFailed = errors.New("schema validation failed")

	// ErrInvalidSchema is returned for schemas that cannot be used.
	ErrInvalidSchema = errors.New("invalid schema")
)

// ValidationFailedError is returned when no reply satisfied the schema.
type ValidationFailedError struct {
	Schema   string
	Raw      string // last reply received
	Err      error  // last extraction or validation error
	Attempts int
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", ErrSchemaValidationFailed, e.Schema, e.Attempts, e.Err)
}

func (e *ValidationFailedError) Unwrap() error {
	return e.Err
}

func (e *ValidationFailedError) Is(target error) bool {
	return target == ErrSchemaValidationFailed
}

// Generator runs the corrective generation loop for one schema.
type Generator struct {
	schema     *Schema
	maxRetries int
	logger     *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxRetries sets the number of corrective retries. Zero means a single call.
func WithMaxRetries(n int) Option {
	return func(g *Generator) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// WithLogger sets the logger used for failed attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// New returns a Generator for schema.
func New(schema *Schema, opts ...Option) (*Generator, error) {
	if err := schema.Check(); err != nil {
		return nil, err
	}
	g := &Generator{
		schema:     schema,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Schema returns the schema the generator enforces.
func (g *Generator) Schema() *Schema {
	return g.schema
}

// Generate calls the model until a reply satisfies the schema. It returns the
// validated value and the number of model calls made. Errors from the model
// itself are returned as they are, without a corrective retry.
func (g *Generator) Generate(ctx context.Context, caller llm.Caller, req llm.Request) (any, int, error) {
	base := withInstruction(req, g.instruction())
	current := base

	var (
		raw     string
		lastErr error
	)
	calls := g.maxRetries + 1
	for attempt := 1; attempt <= calls; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}

		resp, err := caller.Call(ctx, current)
		if err != nil {
			return nil, attempt, err
		}
		raw = resp.Text

		value, err := g.parse(raw)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("structured output accepted after correction",
					slog.String("schema", g.schema.Name),
					slog.Int("attempt", attempt),
				)
			}
			return value, attempt, nil
		}
		lastErr = err
		g.logger.Warn("structured output rejected",
			slog.String("schema", g.schema.Name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", calls),
			slog.String("error", err.Error()),
		)

		current = base.Clone()
		current.Messages = append(current.Messages,
			llms.TextParts(llms.ChatMessageTypeAI, raw),
			llms.TextParts(llms.ChatMessageTypeHuman, correction(err)),
		)
	}

	return nil, calls, &ValidationFailedError{
		Schema:   g.schema.Name,
		Raw:      raw,
		Err:      lastErr,
		Attempts: calls,
	}
}

// Wrap returns a Caller that runs the whole loop against caller. The
// response text is the canonical JSON encoding of the validated value.
func (g *Generator) Wrap(caller llm.Caller) llm.Caller {
	return llm.CallerFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		value, _, err := g.Generate(ctx, caller, req)
		if err != nil {
			return llm.Response{}, err
		}
		text, err := json.Marshal(value)
		if err != nil {
			return llm.Response{}, err
		}
		return llm.Response{Text: string(text), Value: value}, nil
	})
}

func (g *Generator) parse(raw string) (any, error) {
	span, err := Extract(raw)
	if err != nil {
		return nil, err
	}
	value, err := jsontree.Decode([]byte(span))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := g.schema.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}

func (g *Generator) instruction() string {
	doc, _ := json.MarshalIndent(g.schema.JSONSchema(), "", "  ")

	var b strings.Builder
	b.WriteString("\n\nRespond with ONLY a JSON object that matches this JSON schema:\n```json\n")
	b.Write(doc)
	b.WriteString("\n```\n")
	if req := g.schema.RequiredFields(); len(req) > 0 {
		fmt.Fprintf(&b, "Required fields: %s.\n", strings.Join(req, ", "))
	}
	b.WriteString("Do not add any text before or after the JSON.")
	return b.String()
}

func correction(err error) string {
	var b strings.Builder
	var se *SchemaError
	if errors.As(err, &se) {
		b.WriteString("Your previous reply did not match the required schema:\n")
		for _, is := range se.Issues {
			fmt.Fprintf(&b, "- %s\n", is)
		}
	} else {
		fmt.Fprintf(&b, "Your previous reply did not contain valid JSON: %v\n", err)
	}
	b.WriteString("Reply again with ONLY the corrected JSON object.")
	return b.String()
}

// withInstruction appends text to the last human message, or adds a human
// message when the request has none.
func withInstruction(req llm.Request, text string) llm.Request {
	out := req.Clone()
	for i := len(out.Messages) - 1; i >= 0; i-- {
		if out.Messages[i].Role == llms.ChatMessageTypeHuman {
			out.Messages[i].Parts = append(out.Messages[i].Parts, llms.TextContent{Text: text})
			return out
		}
	}
	out.Messages = append(out.Messages, llms.TextParts(llms.ChatMessageTypeHuman, strings.TrimSpace(text)))
	return out
}
