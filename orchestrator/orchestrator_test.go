package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/llm"
	"github.com/filmeto/crewflow/plan"
	"github.com/filmeto/crewflow/react"
	"github.com/filmeto/crewflow/tool"
)

func finalEngine(t *testing.T, answer string) *react.Engine {
	t.Helper()
	mock := llm.NewMockCompleter()
	mock.SetFallback(`{"type": "final", "final": "` + answer + `"}`)
	e := react.New(mock, nil)
	t.Cleanup(e.Close)
	return e
}

func member(t *testing.T, name, role string, keywords ...string) *CrewMember {
	t.Helper()
	return &CrewMember{
		ID:       name,
		Name:     name,
		Role:     role,
		Keywords: keywords,
		Engine:   finalEngine(t, name+" done"),
	}
}

func collectEvents(ch <-chan core.AgentEvent) []core.AgentEvent {
	var events []core.AgentEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func finalsOf(events []core.AgentEvent) []string {
	var finals []string
	for _, ev := range events {
		if ev.EventType == core.EventFinal {
			finals = append(finals, ev.Text())
		}
	}
	return finals
}

func TestRoute_MentionWins(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))
	require.NoError(t, o.Register(member(t, "Producer", ProducerRole)))
	require.NoError(t, o.Register(member(t, "Editor", "editor")))

	m := o.route("hey @editor please trim the intro")
	require.NotNil(t, m)
	assert.Equal(t, "Editor", m.Name)
}

func TestRoute_ProducerDefault(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))
	require.NoError(t, o.Register(member(t, "Editor", "editor")))
	require.NoError(t, o.Register(member(t, "Producer", ProducerRole)))

	m := o.route("what should we do next?")
	require.NotNil(t, m)
	assert.Equal(t, "Producer", m.Name)
}

func TestRoute_KeywordMatch(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))
	require.NoError(t, o.Register(member(t, "Editor", "editor")))
	require.NoError(t, o.Register(member(t, "Composer", "composer", "music", "score")))

	m := o.route("we need some music for the opening")
	require.NotNil(t, m)
	assert.Equal(t, "Composer", m.Name)
}

func TestRoute_FallbackFirstRegistered(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))
	require.NoError(t, o.Register(member(t, "Editor", "editor")))
	require.NoError(t, o.Register(member(t, "Composer", "composer")))

	m := o.route("hello")
	require.NotNil(t, m)
	assert.Equal(t, "Editor", m.Name)
}

func TestHandleMessage_NoMembers(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))

	events := collectEvents(o.HandleMessage(context.Background(), "anyone there?"))
	require.Len(t, events, 1)
	assert.Equal(t, core.EventError, events[0].EventType)
}

func TestRegister_DuplicateName(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))
	require.NoError(t, o.Register(member(t, "Editor", "editor")))
	assert.Error(t, o.Register(member(t, "editor", "editor")))
}

func TestHandleMessage_SimpleDispatch(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))
	require.NoError(t, o.Register(member(t, "Editor", "editor")))

	events := collectEvents(o.HandleMessage(context.Background(), "@editor trim it"))
	finals := finalsOf(events)
	require.Len(t, finals, 1)
	assert.Equal(t, "Editor done", finals[0])
}

// planningProducer returns a producer whose single tool call creates a
// two level plan through the scheduler, mimicking a plan-building agent.
func planningProducer(t *testing.T, s *plan.Scheduler) *CrewMember {
	t.Helper()

	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"create_plan", "Create a production plan", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any, inv tool.Invocation) (any, error) {
			_, err := s.CreatePlan("film", "trailer", "cut a trailer", []plan.Task{
				{ID: "A", Name: "storyboard", Title: "Storyboard Artist"},
				{ID: "B", Name: "rough cut", Title: "Editor", Needs: []string{"A"}},
			}, nil)
			if err != nil {
				return nil, err
			}
			return "plan created", nil
		},
	)))

	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "create_plan", "params": {}}`,
		`{"type": "final", "final": "plan is ready"}`,
	)
	e := react.New(mock, reg)
	t.Cleanup(e.Close)

	return &CrewMember{ID: "producer", Name: "Producer", Role: ProducerRole, Engine: e}
}

func TestHandleMessage_ProducerDrivesPlan(t *testing.T) {
	s := plan.NewScheduler(plan.NewMemoryStore())
	o := New("film", s)

	require.NoError(t, o.Register(planningProducer(t, s)))
	require.NoError(t, o.Register(member(t, "Storyboard Artist", "storyboard artist")))
	require.NoError(t, o.Register(member(t, "Editor", "editor")))

	events := collectEvents(o.HandleMessage(context.Background(), "make a trailer"))

	// Producer final first, then one final per executed task, in
	// dependency order.
	finals := finalsOf(events)
	require.Len(t, finals, 3)
	assert.Equal(t, "plan is ready", finals[0])
	assert.Equal(t, "Storyboard Artist done", finals[1])
	assert.Equal(t, "Editor done", finals[2])

	for _, ev := range events {
		assert.NotEqual(t, core.EventError, ev.EventType)
	}

	p, err := s.LastActivePlan("film")
	require.NoError(t, err)
	assert.Nil(t, p, "the plan should no longer be active")

	plans, err := s.ListPlans("film")
	require.NoError(t, err)
	require.Len(t, plans, 1)

	instances, err := s.ListInstances("film", plans[0].ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, plan.StatusCompleted, instances[0].Status)
	assert.Equal(t, plan.TaskCompleted, instances[0].Task("A").Status)
	assert.Equal(t, plan.TaskCompleted, instances[0].Task("B").Status)
}

func TestHandleMessage_UnresolvableTaskFailsPlan(t *testing.T) {
	s := plan.NewScheduler(plan.NewMemoryStore())
	o := New("film", s)

	producer := planningProducer(t, s)
	require.NoError(t, o.Register(producer))
	// No "Storyboard Artist" registered: the first task cannot be routed.
	require.NoError(t, o.Register(member(t, "Editor", "editor")))

	events := collectEvents(o.HandleMessage(context.Background(), "make a trailer"))

	var sawError bool
	for _, ev := range events {
		if ev.EventType == core.EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)

	plans, err := s.ListPlans("film")
	require.NoError(t, err)
	require.Len(t, plans, 1)

	instances, err := s.ListInstances("film", plans[0].ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, plan.StatusFailed, instances[0].Status)
}

func TestRenderTaskPrompt(t *testing.T) {
	o := New("film", plan.NewScheduler(plan.NewMemoryStore()))

	prompt := o.renderTaskPrompt(plan.Task{
		ID:          "B",
		Name:        "rough cut",
		Description: "use take 3",
		Needs:       []string{"A"},
	})

	assert.Contains(t, prompt, "Task ID: B")
	assert.Contains(t, prompt, "rough cut")
	assert.Contains(t, prompt, "use take 3")
	assert.Contains(t, prompt, "A")
}
