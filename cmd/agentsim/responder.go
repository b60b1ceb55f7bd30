package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const systemPrompt = "You are a warm, concise voice agent. Answer in one or two short spoken sentences."

// Responder produces the agent's reply to one user turn.
type Responder interface {
	Reply(ctx context.Context, userText string) (string, error)
}

// cannedResponder cycles through fixed lines; the default when no LLM key
// is configured.
type cannedResponder struct {
	mu    sync.Mutex
	next  int
	lines []string
}

func newCannedResponder() *cannedResponder {
	return &cannedResponder{lines: []string{
		"I hear you loud and clear.",
		"Tell me more about that.",
		"Interesting. What happened next?",
		"Let's keep going, I'm listening.",
	}}
}

func (r *cannedResponder) Reply(ctx context.Context, userText string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := r.lines[r.next%len(r.lines)]
	r.next++
	return line, nil
}

// openaiResponder asks a chat model for a one-shot reply.
type openaiResponder struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func newOpenAIResponder(apiKey, model string, maxTokens int64) *openaiResponder {
	return &openaiResponder{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (r *openaiResponder) Reply(ctx context.Context, userText string) (string, error) {
	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userText),
		},
		MaxTokens: openai.Int(r.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
