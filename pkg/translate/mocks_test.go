package translate

import (
	"context"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// --- Mocks ---

type mockCompleter struct {
	mu      sync.Mutex
	calls   int
	last    openai.ChatCompletionNewParams
	newFunc func(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

func (m *mockCompleter) New(ctx context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.mu.Lock()
	m.calls++
	m.last = body
	m.mu.Unlock()
	if m.newFunc != nil {
		return m.newFunc(ctx, body)
	}
	return reply("{}"), nil
}

// reply は content を 1 つだけ持つ応答を返すのだ。
func reply(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func replying(content string) *mockCompleter {
	return &mockCompleter{newFunc: func(context.Context, openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
		return reply(content), nil
	}}
}
