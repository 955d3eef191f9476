// Package crewflow provides a high-level façade over the reasoning engine,
// plan scheduler and tool dispatcher, enabling rapid construction of
// crew-based agent systems. Most applications interact with this package by:
//  1. Loading or building a manifest describing the crew
//  2. Creating a Crew via New() (optionally overriding default in-memory stores)
//  3. Sending messages with HandleMessage (streaming) or HandleMessageSync
//
// The façade delegates routing to orchestrator.Orchestrator while keeping
// setup ergonomics concise. All defaults are safe for local development and
// testing; production deployments supply a real LLM completer, file-backed
// stores and a structured logger.
package crewflow

import (
	"context"
	"sync"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/llm"
	"github.com/filmeto/crewflow/logging"
	"github.com/filmeto/crewflow/manifest"
	"github.com/filmeto/crewflow/orchestrator"
	"github.com/filmeto/crewflow/plan"
	"github.com/filmeto/crewflow/react"
	"github.com/filmeto/crewflow/tool"
)

// Options configures a Crew instance.
type Options struct {
	// Completer produces model responses for every crew member. Defaults
	// to a mock completer suitable for tests and wiring experiments.
	Completer llm.Completer

	// PlanStore persists plans and instances (defaults to in-memory).
	PlanStore plan.Store

	// CheckpointStore persists engine run snapshots (defaults to in-memory).
	CheckpointStore react.CheckpointStore

	// ScriptRunner executes manifest-declared script tools.
	ScriptRunner *tool.ScriptRunner

	// Registry holds code-registered tools, merged with the manifest's
	// script tools. A fresh registry is created when nil.
	Registry *tool.Registry

	// PlanNotifier receives plan_created / plan_updated events.
	PlanNotifier plan.Notifier

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Crew is the high-level façade aggregating the orchestrator, scheduler
// and per-member reasoning engines built from a manifest.
type Crew struct {
	opts         Options
	manifest     *manifest.Manifest
	scheduler    *plan.Scheduler
	orchestrator *orchestrator.Orchestrator
	registry     *tool.Registry

	mu           sync.Mutex
	engines      []*react.Engine
	skillEngines map[string]*react.Engine
}

// New builds a crew from a validated manifest. Any unset service is
// initialized with an in-memory implementation.
func New(m *manifest.Manifest, optFns ...func(o *Options)) (*Crew, error) {
	opts := Options{
		Completer:       llm.NewMockCompleter(),
		PlanStore:       plan.NewMemoryStore(),
		CheckpointStore: react.NewMemoryCheckpointStore(),
		ScriptRunner:    tool.NewScriptRunner(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry(tool.WithRegistryLogger(opts.Logger))
	}

	if err := m.RegisterTools(opts.Registry, opts.ScriptRunner); err != nil {
		return nil, err
	}

	schedOpts := []plan.SchedulerOption{plan.WithSchedulerLogger(opts.Logger)}
	if opts.PlanNotifier != nil {
		schedOpts = append(schedOpts, plan.WithNotifier(opts.PlanNotifier))
	}
	scheduler := plan.NewScheduler(opts.PlanStore, schedOpts...)

	c := &Crew{
		opts:         opts,
		manifest:     m,
		scheduler:    scheduler,
		registry:     opts.Registry,
		skillEngines: make(map[string]*react.Engine),
		orchestrator: orchestrator.New(m.Project, scheduler,
			orchestrator.WithLogger(opts.Logger)),
	}

	for i := range m.Crew {
		member, err := c.buildMember(&m.Crew[i])
		if err != nil {
			c.Close()
			return nil, err
		}
		if err := c.orchestrator.Register(member); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// buildMember wires one manifest crew entry into an engine-backed member.
func (c *Crew) buildMember(spec *manifest.CrewSpec) (*orchestrator.CrewMember, error) {
	registry, err := c.memberRegistry(spec)
	if err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = spec.Name
	}

	engineOpts := []react.Option{
		react.WithIdentity(c.manifest.Project, "crew_member", id, spec.Name),
		react.WithCheckpointStore(c.opts.CheckpointStore),
		react.WithSkillResolver(react.SkillResolverFunc(c.resolveSkill)),
		react.WithLogger(c.opts.Logger),
		react.WithLanguage(c.manifest.Language),
	}
	if spec.MaxSteps > 0 {
		engineOpts = append(engineOpts, react.WithMaxSteps(spec.MaxSteps))
	}
	if spec.Model != "" {
		engineOpts = append(engineOpts, react.WithModel(spec.Model, spec.Temperature))
	}
	if spec.SystemPrompt != "" {
		engineOpts = append(engineOpts, react.WithSystemPrompt(spec.SystemPrompt))
	}

	engine := react.New(c.opts.Completer, registry, engineOpts...)
	c.track(engine)

	return &orchestrator.CrewMember{
		ID:       id,
		Name:     spec.Name,
		Role:     spec.Role,
		Keywords: spec.Keywords,
		Engine:   engine,
	}, nil
}

// memberRegistry narrows the shared registry to the tools a crew member
// declares. Members without a tool list see every tool.
func (c *Crew) memberRegistry(spec *manifest.CrewSpec) (*tool.Registry, error) {
	if len(spec.Tools) == 0 {
		return c.registry, nil
	}

	sub := tool.NewRegistry(tool.WithRegistryLogger(c.opts.Logger))
	for _, name := range spec.Tools {
		t, ok := c.registry.Get(name)
		if !ok {
			return nil, &core.ToolNotFoundError{Tool: name}
		}
		if err := sub.Register(t); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// resolveSkill returns the nested engine for an execute_skill action.
// One engine is kept per skill name; repeated invocations reuse it, so a
// long-lived crew does not accumulate checkpoint writers per call.
func (c *Crew) resolveSkill(name string) (*react.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if engine, ok := c.skillEngines[name]; ok {
		return engine, nil
	}

	spec := c.manifest.Skill(name)
	if spec == nil {
		return nil, &core.SkillNotFoundError{Skill: name}
	}

	opts := []react.Option{
		react.WithIdentity(c.manifest.Project, "skill", spec.Name, spec.Name),
		react.WithLogger(c.opts.Logger),
		react.WithLanguage(c.manifest.Language),
	}
	if spec.MaxSteps > 0 {
		opts = append(opts, react.WithMaxSteps(spec.MaxSteps))
	}
	if spec.Model != "" {
		opts = append(opts, react.WithModel(spec.Model, 0))
	}
	if spec.SystemPrompt != "" {
		opts = append(opts, react.WithSystemPrompt(spec.SystemPrompt))
	}

	engine := react.New(c.opts.Completer, c.registry, opts...)
	c.skillEngines[name] = engine
	c.engines = append(c.engines, engine)
	return engine, nil
}

func (c *Crew) track(e *react.Engine) {
	c.mu.Lock()
	c.engines = append(c.engines, e)
	c.mu.Unlock()
}

// HandleMessage routes a message through the orchestrator and returns the
// resulting event stream.
func (c *Crew) HandleMessage(ctx context.Context, message string) <-chan core.AgentEvent {
	return c.orchestrator.HandleMessage(ctx, message)
}

// HandleMessageSync drains the stream and returns all events, which is
// convenient for request/response style callers and tests.
func (c *Crew) HandleMessageSync(ctx context.Context, message string) ([]core.AgentEvent, error) {
	var events []core.AgentEvent
	for ev := range c.HandleMessage(ctx, message) {
		events = append(events, ev)
	}
	if err := ctx.Err(); err != nil {
		return events, err
	}
	return events, nil
}

// Scheduler exposes the plan scheduler for direct plan management.
func (c *Crew) Scheduler() *plan.Scheduler { return c.scheduler }

// Registry exposes the shared tool registry for code-side registration.
func (c *Crew) Registry() *tool.Registry { return c.registry }

// Members returns the registered crew members in manifest order.
func (c *Crew) Members() []*orchestrator.CrewMember { return c.orchestrator.Members() }

// Close stops the checkpoint writers of every engine the crew created,
// including nested skill engines.
func (c *Crew) Close() {
	c.mu.Lock()
	engines := c.engines
	c.engines = nil
	c.skillEngines = nil
	c.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}
