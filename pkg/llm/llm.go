// Package llm defines the provider-agnostic model callable used by the router,
// the constrained generator and the pipeline.
//
// A Caller performs exactly one request/response round trip. Which provider
// answers, and how it is reached, is entirely the caller's concern.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// ErrProviderUnavailable marks failures caused by the provider itself
// (rate limiting, denied access, outages) rather than by the request.
var ErrProviderUnavailable = errors.New("model provider unavailable")

// ErrEmptyResponse is returned when a provider answers without any choice.
var ErrEmptyResponse = errors.New("model returned no choices")

// Request is the structured payload sent to a model.
type Request struct {
	Messages []llms.MessageContent
	Options  []llms.CallOption
}

// Response is what a model returned. Value is only set by callers that
// post-process the text into structured data.
type Response struct {
	Text  string
	Value any
}

// Caller is the one-method capability every model slot implements.
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// CallerFunc adapts an ordinary function to Caller.
type CallerFunc func(ctx context.Context, req Request) (Response, error)

func (f CallerFunc) Call(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// modelCaller adapts a langchaingo model.
type modelCaller struct {
	model llms.Model
	opts  []llms.CallOption
}

// FromModel wraps any langchaingo llms.Model. Default options are applied
// before the per-request ones.
func FromModel(model llms.Model, opts ...llms.CallOption) Caller {
	return &modelCaller{model: model, opts: opts}
}

func (m *modelCaller) Call(ctx context.Context, req Request) (Response, error) {
	opts := make([]llms.CallOption, 0, len(m.opts)+len(req.Options))
	opts = append(opts, m.opts...)
	opts = append(opts, req.Options...)

	resp, err := m.model.GenerateContent(ctx, req.Messages, opts...)
	if err != nil {
		return Response{}, err
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return Response{}, ErrEmptyResponse
	}
	return Response{Text: resp.Choices[0].Content}, nil
}

// PromptRequest builds a request from an optional system prompt and a user prompt.
func PromptRequest(system, user string) Request {
	var msgs []llms.MessageContent
	if system != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, user))
	return Request{Messages: msgs}
}

// Clone copies the message slice and the parts of every message so callers
// can append or edit without touching the original request.
func (r Request) Clone() Request {
	msgs := make([]llms.MessageContent, len(r.Messages))
	for i, m := range r.Messages {
		parts := make([]llms.ContentPart, len(m.Parts))
		copy(parts, m.Parts)
		msgs[i] = llms.MessageContent{Role: m.Role, Parts: parts}
	}
	opts := make([]llms.CallOption, len(r.Options))
	copy(opts, r.Options)
	return Request{Messages: msgs, Options: opts}
}

// Text flattens the text parts of every message, one message per line.
func Text(req Request) string {
	var b strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(MessageText(m))
	}
	return b.String()
}

// MessageText concatenates the text parts of a single message.
func MessageText(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// IsProviderUnavailable reports whether err looks like a provider-side
// failure. Besides ErrProviderUnavailable it recognises the messages the
// common SDKs return for throttling and denied access.
func IsProviderUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "access denied", "apierror", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
