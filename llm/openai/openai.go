// Package openai provides an llm.Completer backed by the OpenAI Chat
// Completions API. It adapts CrewFlow's role-based message history into the
// SDK's message format and returns the first choice's text.
package openai

import (
	"context"
	"fmt"

	"github.com/filmeto/crewflow/llm"
	"github.com/openai/openai-go"
)

// Options configure the OpenAI completer. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal; extend via functional
// options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API behind the llm.Completer interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI completer using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a new OpenAI completer from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Complete implements llm.Completer with a non-streaming chat completion.
func (m *Model) Complete(ctx context.Context, req llm.Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	model := m.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	temperature := m.opts.Temperature
	if req.Temperature != 0 {
		temperature = req.Temperature
	}

	resp, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Info returns metadata describing this OpenAI completer.
func (m *Model) Info() llm.Info {
	return llm.Info{Name: m.opts.Model, Provider: "openai"}
}
