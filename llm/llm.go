// Package llm defines the minimal completion interface the reasoning loop
// drives, plus a deterministic mock for tests. Provider adapters live in the
// openai and anthropic sub-packages.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/filmeto/crewflow/core"
)

// Request captures one completion call: the full conversation history plus
// sampling parameters. Model and Temperature override the adapter defaults
// when non-zero.
type Request struct {
	Model       string         `json:"model,omitempty"`
	Messages    []core.Message `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
}

// Info contains metadata about a completer implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Completer is the opaque LLM collaborator: history in, text out. Failures
// are returned as errors; the reasoning loop converts them into synthetic
// final actions rather than propagating them.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)

	// Info returns information about the completer implementation.
	Info() Info
}

// MockCompleter is a deterministic in-memory Completer for tests and
// examples. Queued responses are returned in order; once the queue drains the
// fallback (or an echo of the last message) is returned. Safe for concurrent
// use.
type MockCompleter struct {
	mu       sync.Mutex
	queued   []string
	fallback string
	failErr  error
	calls    []Request
}

// NewMockCompleter constructs an empty mock.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{}
}

// Queue appends scripted responses returned by subsequent Complete calls.
func (m *MockCompleter) Queue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, responses...)
}

// SetFallback sets the response returned once the queue is exhausted.
func (m *MockCompleter) SetFallback(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = text
}

// FailWith makes every subsequent Complete call return err.
func (m *MockCompleter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Calls returns a copy of every request seen so far.
func (m *MockCompleter) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Request, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Complete implements Completer.
func (m *MockCompleter) Complete(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.failErr != nil {
		return "", m.failErr
	}
	if len(m.queued) > 0 {
		resp := m.queued[0]
		m.queued = m.queued[1:]
		return resp, nil
	}
	if m.fallback != "" {
		return m.fallback, nil
	}
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}
	return "Mock response to: " + req.Messages[len(req.Messages)-1].Content, nil
}

// Info implements Completer.
func (m *MockCompleter) Info() Info { return Info{Name: "mock", Provider: "mock"} }
