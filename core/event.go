package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the wire-level category of an AgentEvent. The set is
// closed: constructing an event with an unknown type fails validation.
type EventType string

const (
	// EventLLMThinking carries paraphrased model reasoning for a step.
	EventLLMThinking EventType = "llm_thinking"
	// EventToolStart opens a tool execution.
	EventToolStart EventType = "tool_start"
	// EventToolProgress reports intermediate tool output.
	EventToolProgress EventType = "tool_progress"
	// EventToolEnd closes a tool execution with its result.
	EventToolEnd EventType = "tool_end"
	// EventLLMOutput carries the raw model response text for a step.
	EventLLMOutput EventType = "llm_output"
	// EventFinal terminates a run with the agent's answer.
	EventFinal EventType = "final"
	// EventError reports a failure surfaced to the event stream.
	EventError EventType = "error"
	// EventUserMessage echoes user input into the stream.
	EventUserMessage EventType = "user_message"
	// EventPause / EventResume mark interactive run suspension.
	EventPause  EventType = "pause"
	EventResume EventType = "resume"
	// EventStatusChange reports an engine or plan status transition.
	EventStatusChange EventType = "status_change"
	// EventTodoUpdate carries the current task-list snapshot.
	EventTodoUpdate EventType = "todo_update"
	// EventSkillStart opens a nested skill run.
	EventSkillStart EventType = "skill_start"
	// EventSkillProgress forwards nested skill activity.
	EventSkillProgress EventType = "skill_progress"
	// EventSkillEnd closes a nested skill run with its final text.
	EventSkillEnd EventType = "skill_end"
	// EventSkillError reports a nested skill failure.
	EventSkillError EventType = "skill_error"
	// EventPlanCreated / EventPlanUpdated notify plan lifecycle changes.
	EventPlanCreated EventType = "plan_created"
	EventPlanUpdated EventType = "plan_updated"
)

var validEventTypes = map[EventType]struct{}{
	EventLLMThinking:   {},
	EventToolStart:     {},
	EventToolProgress:  {},
	EventToolEnd:       {},
	EventLLMOutput:     {},
	EventFinal:         {},
	EventError:         {},
	EventUserMessage:   {},
	EventPause:         {},
	EventResume:        {},
	EventStatusChange:  {},
	EventTodoUpdate:    {},
	EventSkillStart:    {},
	EventSkillProgress: {},
	EventSkillEnd:      {},
	EventSkillError:    {},
	EventPlanCreated:   {},
	EventPlanUpdated:   {},
}

// Valid reports whether t belongs to the closed event type set.
func (t EventType) Valid() bool {
	_, ok := validEventTypes[t]
	return ok
}

// Sender identifies the origin of an AgentEvent: the project and run it
// belongs to, the step counter at emission time and the emitting agent.
type Sender struct {
	ProjectName string `json:"project_name"`
	ReactType   string `json:"react_type"`
	RunID       string `json:"run_id"`
	StepID      int    `json:"step_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
}

// AgentEvent is the tagged envelope every subsystem communicates through.
// Exactly one of Content (typed) or Payload (legacy generic map) is set.
// Events are immutable once constructed; treat all fields as read-only.
type AgentEvent struct {
	ID          string         `json:"id"`
	EventType   EventType      `json:"event_type"`
	ProjectName string         `json:"project_name"`
	ReactType   string         `json:"react_type"`
	RunID       string         `json:"run_id"`
	StepID      int            `json:"step_id"`
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name"`
	Content     Content        `json:"content,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewAgentEvent constructs a validated event carrying typed content.
func NewAgentEvent(t EventType, s Sender, content Content) (AgentEvent, error) {
	if content == nil {
		return AgentEvent{}, &ValidationError{Field: "content", Message: "content must not be nil"}
	}
	return newEvent(t, s, content, nil)
}

// NewLegacyAgentEvent constructs a validated event carrying a legacy payload
// map instead of typed content. Retained for consumers that predate the
// Content union.
func NewLegacyAgentEvent(t EventType, s Sender, payload map[string]any) (AgentEvent, error) {
	if payload == nil {
		return AgentEvent{}, &ValidationError{Field: "payload", Message: "payload must not be nil"}
	}
	return newEvent(t, s, nil, payload)
}

func newEvent(t EventType, s Sender, content Content, payload map[string]any) (AgentEvent, error) {
	if !t.Valid() {
		return AgentEvent{}, &ValidationError{Field: "event_type", Message: "unknown event type: " + string(t)}
	}
	if s.StepID < 0 {
		return AgentEvent{}, &ValidationError{Field: "step_id", Message: "step_id must be >= 0"}
	}
	if content != nil && payload != nil {
		return AgentEvent{}, &ValidationError{Field: "content", Message: "content and payload are mutually exclusive"}
	}
	return AgentEvent{
		ID:          NewID(),
		EventType:   t,
		ProjectName: s.ProjectName,
		ReactType:   s.ReactType,
		RunID:       s.RunID,
		StepID:      s.StepID,
		SenderID:    s.SenderID,
		SenderName:  s.SenderName,
		Content:     content,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// MustAgentEvent is a constructor for call sites whose inputs are known
// valid (internal emitters with a validated event type and step counter).
// It panics on a validation failure, which would indicate a programming bug.
func MustAgentEvent(t EventType, s Sender, content Content) AgentEvent {
	ev, err := NewAgentEvent(t, s, content)
	if err != nil {
		panic(err)
	}
	return ev
}

// IsTerminal reports whether the event ends a run (final or error).
func (e AgentEvent) IsTerminal() bool {
	return e.EventType == EventFinal || e.EventType == EventError
}

// Text extracts a best-effort textual representation of the event content,
// used when feeding observations back into a reasoning loop.
func (e AgentEvent) Text() string {
	if e.Content != nil {
		return ContentText(e.Content)
	}
	if e.Payload != nil {
		if s, ok := e.Payload["text"].(string); ok {
			return s
		}
	}
	return ""
}

// NewID generates a unique identifier for events and content blocks.
func NewID() string { return uuid.NewString() }
