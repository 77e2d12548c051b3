package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel is a minimal llms.Model returning canned content.
type fakeModel struct {
	content  string
	err      error
	messages []llms.MessageContent
	nopts    int
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	f.nopts = len(options)
	if f.err != nil {
		return nil, f.err
	}
	if f.content == "" {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.content}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestFromModel(t *testing.T) {
	t.Parallel()
	model := &fakeModel{content: "hello"}
	caller := FromModel(model, llms.WithTemperature(0))

	req := PromptRequest("be brief", "say hi")
	req.Options = []llms.CallOption{llms.WithMaxTokens(10)}

	resp, err := caller.Call(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Nil(t, resp.Value)
	require.Len(t, model.messages, 2)
	require.Equal(t, 2, model.nopts)
}

func TestFromModelEmptyResponse(t *testing.T) {
	t.Parallel()
	_, err := FromModel(&fakeModel{}).Call(context.Background(), PromptRequest("", "x"))
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestFromModelError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	_, err := FromModel(&fakeModel{err: boom}).Call(context.Background(), PromptRequest("", "x"))
	require.ErrorIs(t, err, boom)
}

func TestRequestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	orig := PromptRequest("sys", "user")
	cp := orig.Clone()
	cp.Messages[1].Parts[0] = llms.TextContent{Text: "changed"}
	cp.Messages = append(cp.Messages, llms.TextParts(llms.ChatMessageTypeAI, "extra"))

	require.Len(t, orig.Messages, 2)
	require.Equal(t, "user", MessageText(orig.Messages[1]))
	require.Equal(t, "sys\nuser", Text(orig))
}

func TestIsProviderUnavailable(t *testing.T) {
	t.Parallel()
	require.False(t, IsProviderUnavailable(nil))
	require.False(t, IsProviderUnavailable(errors.New("invalid json")))
	require.True(t, IsProviderUnavailable(fmt.Errorf("call: %w", ErrProviderUnavailable)))
	require.True(t, IsProviderUnavailable(errors.New("429: Rate limit reached")))
	require.True(t, IsProviderUnavailable(errors.New("Access denied for key")))
}
