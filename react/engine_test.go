package react

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/llm"
	"github.com/filmeto/crewflow/tool"
)

func collectEvents(ch <-chan core.AgentEvent) []core.AgentEvent {
	var events []core.AgentEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []core.AgentEvent, t core.EventType) []core.AgentEvent {
	var out []core.AgentEvent
	for _, ev := range events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

func echoRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"echo", "Echo the input back",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		func(ctx context.Context, args map[string]any, inv tool.Invocation) (any, error) {
			return args["text"], nil
		},
	)))
	return reg
}

func TestEngine_DirectFinal(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(`{"type": "final", "thought": "simple", "final": "hello there"}`)

	e := New(mock, nil, WithIdentity("demo", "crew_member", "director", "Director"))
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "hi"))

	finals := eventsOfType(events, core.EventFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "hello there", finals[0].Text())

	require.Len(t, eventsOfType(events, core.EventUserMessage), 1)
	require.Len(t, eventsOfType(events, core.EventLLMThinking), 1)
	require.Len(t, eventsOfType(events, core.EventLLMOutput), 1)

	assert.Equal(t, StatusFinal, e.Status())
}

func TestEngine_ToolStepFeedsObservation(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "thought": "echo it", "tool": "echo", "params": {"text": "ping"}}`,
		`{"type": "final", "final": "done"}`,
	)

	e := New(mock, echoRegistry(t), WithIdentity("demo", "crew_member", "director", "Director"))
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "please echo ping"))

	require.Len(t, eventsOfType(events, core.EventToolStart), 1)
	require.Len(t, eventsOfType(events, core.EventToolEnd), 1)
	require.Len(t, eventsOfType(events, core.EventFinal), 1)

	// The second model call must see the tool result as an observation.
	calls := mock.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "Observation: ping", last.Content)
}

func TestEngine_MaxStepsYieldsExactlyOneFinal(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.SetFallback(`{"type": "tool", "tool": "echo", "params": {"text": "again"}}`)

	e := New(mock, echoRegistry(t),
		WithIdentity("demo", "crew_member", "director", "Director"),
		WithMaxSteps(3),
	)
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "loop forever"))

	finals := eventsOfType(events, core.EventFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "max_steps_reached", finals[0].Payload["stop_reason"])
	assert.Contains(t, finals[0].Text(), "Maximum reasoning steps")

	require.Len(t, mock.Calls(), 3)
	assert.Equal(t, StatusFinal, e.Status())
}

func TestEngine_LLMFailureBecomesSyntheticFinal(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.FailWith(errors.New("connection refused"))

	e := New(mock, nil)
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "hi"))

	finals := eventsOfType(events, core.EventFinal)
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0].Text(), "LLM call failed")
	assert.Equal(t, "llm_error", finals[0].Payload["stop_reason"])
}

func TestEngine_EmptyToolNameContinuesLoop(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "", "params": {}}`,
		`{"type": "final", "final": "recovered"}`,
	)

	e := New(mock, nil)
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "hi"))

	require.Len(t, eventsOfType(events, core.EventError), 1)
	finals := eventsOfType(events, core.EventFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "recovered", finals[0].Text())

	// The validation failure was fed back as an observation.
	calls := mock.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, last.Content, "Observation: Error:")
}

func TestEngine_UnknownToolContinuesLoop(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "does_not_exist", "params": {}}`,
		`{"type": "final", "final": "ok"}`,
	)

	e := New(mock, tool.NewRegistry())
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "hi"))

	require.Len(t, eventsOfType(events, core.EventError), 1)
	require.Len(t, eventsOfType(events, core.EventFinal), 1)
}

func TestEngine_EnqueueWhileRunning(t *testing.T) {
	release := make(chan struct{})
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"block", "Block until released", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any, inv tool.Invocation) (any, error) {
			<-release
			return "released", nil
		},
	)))

	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "block", "params": {}}`,
		`{"type": "final", "final": "combined answer"}`,
	)

	e := New(mock, reg)
	defer e.Close()

	stream := e.ChatStream(context.Background(), "first")

	// Wait until the run is actually inside the blocking tool call.
	require.Eventually(t, func() bool { return len(mock.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	// A concurrent call must not start a second loop: it enqueues and
	// returns an already-closed stream.
	second := e.ChatStream(context.Background(), "second")
	_, open := <-second
	assert.False(t, open)

	close(release)
	events := collectEvents(stream)

	// The queued message is absorbed into the active conversation at the
	// next step boundary, so the run still ends with exactly one final.
	finals := eventsOfType(events, core.EventFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "combined answer", finals[0].Text())

	// The queued message surfaced on the original stream and reached the
	// model as part of the same run's history.
	var sawQueued bool
	for _, ev := range eventsOfType(events, core.EventUserMessage) {
		if ev.Text() == "second" {
			sawQueued = true
		}
	}
	assert.True(t, sawQueued)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "second", last.Content)
}

func TestEngine_NestedSkillObservation(t *testing.T) {
	childMock := llm.NewMockCompleter()
	childMock.Queue(`{"type": "final", "final": "storyboard complete"}`)
	child := New(childMock, nil, WithIdentity("demo", "skill", "storyboard", "Storyboard"))
	defer child.Close()

	parentMock := llm.NewMockCompleter()
	parentMock.Queue(
		`{"type": "tool", "tool": "execute_skill", "params": {"skill": "storyboard", "message": "draw scene 1"}}`,
		`{"type": "final", "final": "all done"}`,
	)

	parent := New(parentMock, nil,
		WithIdentity("demo", "crew_member", "director", "Director"),
		WithSkillResolver(SkillResolverFunc(func(name string) (*Engine, error) {
			require.Equal(t, "storyboard", name)
			return child, nil
		})),
	)
	defer parent.Close()

	events := collectEvents(parent.ChatStream(context.Background(), "make a storyboard"))

	starts := eventsOfType(events, core.EventSkillStart)
	ends := eventsOfType(events, core.EventSkillEnd)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)

	// The child's events are forwarded verbatim between the markers,
	// including its final.
	finals := eventsOfType(events, core.EventFinal)
	require.Len(t, finals, 2)
	assert.Equal(t, "storyboard complete", finals[0].Text())
	assert.Equal(t, "all done", finals[1].Text())

	// The nested final text becomes the parent's next observation.
	calls := parentMock.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "Observation: storyboard complete", last.Content)
}

func TestEngine_UnknownSkill(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "execute_skill", "params": {"skill": "nonexistent"}}`,
		`{"type": "final", "final": "ok"}`,
	)

	e := New(mock, nil, WithSkillResolver(SkillResolverFunc(func(name string) (*Engine, error) {
		return nil, &core.SkillNotFoundError{Skill: name}
	})))
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "hi"))

	require.Len(t, eventsOfType(events, core.EventSkillError), 1)
	require.Len(t, eventsOfType(events, core.EventFinal), 1)
}

func TestEngine_TodoWrite(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "todo_write", "params": {"items": [{"id": "1", "title": "cut trailer", "status": "pending"}]}}`,
		`{"type": "final", "final": "ok"}`,
	)

	store := NewMemoryCheckpointStore()
	e := New(mock, nil, WithCheckpointStore(store))
	defer e.Close()

	events := collectEvents(e.ChatStream(context.Background(), "track my work"))

	updates := eventsOfType(events, core.EventTodoUpdate)
	require.Len(t, updates, 1)
	list, ok := updates[0].Content.(core.TaskListContent)
	require.True(t, ok)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "cut trailer", list.Items[0].Title)

	// The todo state survives into the checkpoint.
	cp, err := store.Latest()
	require.NoError(t, err)
	require.Len(t, cp.TodoState, 1)
	assert.Equal(t, "cut trailer", cp.TodoState[0].Title)
}

func TestEngine_CheckpointsTerminalState(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(`{"type": "final", "final": "bye"}`)

	store := NewMemoryCheckpointStore()
	e := New(mock, nil, WithCheckpointStore(store))
	defer e.Close()

	collectEvents(e.ChatStream(context.Background(), "hi"))

	cp, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, e.RunID(), cp.RunID)
	assert.Equal(t, StatusFinal, cp.Status)
	assert.NotEmpty(t, cp.Messages)
}

func TestEngine_ResumeFromCheckpoint(t *testing.T) {
	store := NewMemoryCheckpointStore()
	require.NoError(t, store.Save(Checkpoint{
		RunID:  "run-old",
		StepID: 2,
		Status: StatusRunning,
		Messages: []core.Message{
			{Role: "system", Content: "You are the editor."},
			{Role: "user", Content: "finish the cut"},
		},
		PendingUserMessages: []string{"and add titles"},
	}))

	mock := llm.NewMockCompleter()
	mock.Queue(`{"type": "final", "final": "cut finished"}`)

	e := New(mock, nil, WithCheckpointStore(store))
	defer e.Close()

	stream, err := e.Resume(context.Background())
	require.NoError(t, err)
	events := collectEvents(stream)

	finals := eventsOfType(events, core.EventFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "cut finished", finals[0].Text())
	assert.Equal(t, "run-old", finals[0].RunID)

	// The queued message from the snapshot went into the conversation.
	calls := mock.Calls()
	require.Len(t, calls, 1)
	var sawPending bool
	for _, msg := range calls[0].Messages {
		if msg.Role == "user" && msg.Content == "and add titles" {
			sawPending = true
		}
	}
	assert.True(t, sawPending)
}

func TestEngine_ResumeWithoutCheckpoint(t *testing.T) {
	e := New(llm.NewMockCompleter(), nil)
	defer e.Close()

	_, err := e.Resume(context.Background())
	require.Error(t, err)
	var cpErr *core.CheckpointError
	assert.ErrorAs(t, err, &cpErr)
}

func TestEngine_PauseAndUnpause(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "echo", "params": {"text": "one"}}`,
		`{"type": "final", "final": "done"}`,
	)

	e := New(mock, echoRegistry(t))
	defer e.Close()

	e.Pause()
	stream := e.ChatStream(context.Background(), "hi")

	// Give the loop a moment to reach the pause gate, then release it.
	require.Eventually(t, func() bool { return e.Status() == StatusPaused }, time.Second, 5*time.Millisecond)
	e.Unpause()

	events := collectEvents(stream)
	require.Len(t, eventsOfType(events, core.EventPause), 1)
	require.Len(t, eventsOfType(events, core.EventResume), 1)
	require.Len(t, eventsOfType(events, core.EventFinal), 1)
}
