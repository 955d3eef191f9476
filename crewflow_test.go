package crewflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/llm"
	"github.com/filmeto/crewflow/manifest"
	"github.com/filmeto/crewflow/tool"
)

const crewManifest = `
project: short-film
language: en
crew:
  - name: Producer
    role: producer
    keywords: [plan, schedule]
    max_steps: 4
  - name: Editor
    role: editing
    keywords: [cut, edit]
    tools: [trim_clip]
tools:
  - name: trim_clip
    description: Trim a clip to length.
skills:
  - name: storyboard
    description: Draft a storyboard for a scene.
    max_steps: 2
`

func parseManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(crewManifest))
	require.NoError(t, err)
	return m
}

func trimClipTool() tool.Tool {
	return tool.NewFunctionTool("trim_clip", "Trim a clip to length.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"clip": map[string]any{"type": "string"},
			},
		},
		func(_ context.Context, args map[string]any, _ tool.Invocation) (any, error) {
			return "trimmed " + args["clip"].(string), nil
		})
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewBuildsCrewFromManifest(t *testing.T) {
	crew, err := New(parseManifest(t), func(o *Options) {
		reg := tool.NewRegistry()
		require.NoError(t, reg.Register(trimClipTool()))
		o.Registry = reg
	})
	require.NoError(t, err)
	defer crew.Close()

	members := crew.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "Producer", members[0].Name)
	assert.Equal(t, "Editor", members[1].Name)

	_, ok := crew.Registry().Get("trim_clip")
	assert.True(t, ok)
}

func TestNewRejectsUnknownMemberTool(t *testing.T) {
	// Editor references trim_clip but nothing registers it.
	_, err := New(parseManifest(t))
	require.Error(t, err)

	var notFound *core.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "trim_clip", notFound.Tool)
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

func TestHandleMessageSyncRoutesToMention(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.SetFallback(`{"type": "final", "text": "cut delivered"}`)

	crew, err := New(parseManifest(t), func(o *Options) {
		o.Completer = mock
		reg := tool.NewRegistry()
		require.NoError(t, reg.Register(trimClipTool()))
		o.Registry = reg
	})
	require.NoError(t, err)
	defer crew.Close()

	events, err := crew.HandleMessageSync(context.Background(), "@editor please cut scene 3")
	require.NoError(t, err)

	var finals []core.AgentEvent
	for _, ev := range events {
		if ev.EventType == core.EventFinal {
			finals = append(finals, ev)
		}
		assert.NotEqual(t, core.EventError, ev.EventType)
	}
	require.Len(t, finals, 1)
	assert.Equal(t, "cut delivered", finals[0].Text())
	assert.Equal(t, "Editor", finals[0].SenderName)
}

func TestMemberToolScoping(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "trim_clip", "params": {"clip": "scene3"}}`,
		`{"type": "final", "text": "done"}`,
	)

	crew, err := New(parseManifest(t), func(o *Options) {
		o.Completer = mock
		reg := tool.NewRegistry()
		require.NoError(t, reg.Register(trimClipTool()))
		o.Registry = reg
	})
	require.NoError(t, err)
	defer crew.Close()

	events, err := crew.HandleMessageSync(context.Background(), "@editor trim scene 3")
	require.NoError(t, err)

	var sawToolEnd bool
	for _, ev := range events {
		if ev.EventType == core.EventToolEnd {
			sawToolEnd = true
		}
	}
	assert.True(t, sawToolEnd, "expected the scoped registry to execute trim_clip")
}

// ---------------------------------------------------------------------------
// Skills
// ---------------------------------------------------------------------------

func TestSkillResolution(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		// Producer delegates to the storyboard skill.
		`{"type": "tool", "tool": "execute_skill", "params": {"skill": "storyboard", "message": "scene 1"}}`,
		// Nested skill engine answers.
		`{"type": "final", "text": "storyboard complete"}`,
		// Producer wraps up with the observation in hand.
		`{"type": "final", "text": "all set"}`,
	)

	crew, err := New(parseManifest(t), func(o *Options) {
		o.Completer = mock
		reg := tool.NewRegistry()
		require.NoError(t, reg.Register(trimClipTool()))
		o.Registry = reg
	})
	require.NoError(t, err)
	defer crew.Close()

	events, err := crew.HandleMessageSync(context.Background(), "@producer storyboard scene 1")
	require.NoError(t, err)

	var sawSkillStart, sawSkillEnd bool
	var finals []string
	for _, ev := range events {
		switch ev.EventType {
		case core.EventSkillStart:
			sawSkillStart = true
		case core.EventSkillEnd:
			sawSkillEnd = true
		case core.EventFinal:
			finals = append(finals, ev.Text())
		}
	}
	assert.True(t, sawSkillStart)
	assert.True(t, sawSkillEnd)
	// The nested skill's final is forwarded into the parent stream before
	// the producer's own answer.
	assert.Equal(t, []string{"storyboard complete", "all set"}, finals)
}

func TestSkillEngineReused(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "execute_skill", "params": {"skill": "storyboard", "message": "scene 1"}}`,
		`{"type": "final", "final": "sketch one"}`,
		`{"type": "final", "final": "first done"}`,
		`{"type": "tool", "tool": "execute_skill", "params": {"skill": "storyboard", "message": "scene 2"}}`,
		`{"type": "final", "final": "sketch two"}`,
		`{"type": "final", "final": "second done"}`,
	)

	crew, err := New(parseManifest(t), func(o *Options) {
		o.Completer = mock
		reg := tool.NewRegistry()
		require.NoError(t, reg.Register(trimClipTool()))
		o.Registry = reg
	})
	require.NoError(t, err)
	defer crew.Close()

	ctx := context.Background()
	_, err = crew.HandleMessageSync(ctx, "@producer storyboard scene 1")
	require.NoError(t, err)
	_, err = crew.HandleMessageSync(ctx, "@producer storyboard scene 2")
	require.NoError(t, err)

	// Two invocations of the same skill share one nested engine: two
	// member engines plus exactly one skill engine are tracked.
	first, err := crew.resolveSkill("storyboard")
	require.NoError(t, err)
	second, err := crew.resolveSkill("storyboard")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, crew.engines, 3)
}

func TestUnknownSkillSurfacesError(t *testing.T) {
	mock := llm.NewMockCompleter()
	mock.Queue(
		`{"type": "tool", "tool": "execute_skill", "params": {"skill": "color_grade"}}`,
		`{"type": "final", "text": "giving up"}`,
	)

	crew, err := New(parseManifest(t), func(o *Options) {
		o.Completer = mock
		reg := tool.NewRegistry()
		require.NoError(t, reg.Register(trimClipTool()))
		o.Registry = reg
	})
	require.NoError(t, err)
	defer crew.Close()

	events, err := crew.HandleMessageSync(context.Background(), "@producer grade it")
	require.NoError(t, err)

	var sawSkillError bool
	for _, ev := range events {
		if ev.EventType == core.EventSkillError {
			sawSkillError = true
		}
	}
	assert.True(t, sawSkillError)
}
