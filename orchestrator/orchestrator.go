// Package orchestrator routes incoming messages to crew members and
// drives plan-approved tasks through their reasoning engines until a plan
// completes or blocks.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/internal/util"
	"github.com/filmeto/crewflow/logging"
	"github.com/filmeto/crewflow/plan"
	"github.com/filmeto/crewflow/react"
)

// ProducerRole marks the crew member that receives unaddressed messages
// and whose runs are watched for newly created plans.
const ProducerRole = "producer"

// defaultTaskPrompt is rendered for each plan task handed to a crew
// member. Overridable through WithTaskPrompt.
const defaultTaskPrompt = `You have been assigned a plan task.
Task ID: {{.task_id}}
Task: {{.task_name}}
Description: {{.description | default "none"}}
Dependencies already completed: {{.dependencies | default "none"}}
Parameters: {{.parameters | default "none"}}

Carry out this task and report the result.`

// CrewMember is one named agent persona with its own reasoning engine.
type CrewMember struct {
	ID       string
	Name     string
	Role     string
	Keywords []string
	Engine   *react.Engine
}

// Orchestrator is the glue between incoming messages, crew member
// engines and the plan scheduler.
type Orchestrator struct {
	projectName string
	scheduler   *plan.Scheduler
	logger      logging.Logger
	taskPrompt  string

	mu      sync.Mutex
	members []*CrewMember // registration order decides the fallback
	byName  map[string]*CrewMember
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTaskPrompt overrides the template rendered for plan task runs.
func WithTaskPrompt(tmpl string) Option {
	return func(o *Orchestrator) { o.taskPrompt = tmpl }
}

// New creates an orchestrator for one project.
func New(projectName string, scheduler *plan.Scheduler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		projectName: projectName,
		scheduler:   scheduler,
		logger:      logging.NoOpLogger{},
		taskPrompt:  defaultTaskPrompt,
		byName:      make(map[string]*CrewMember),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a crew member. Names must be unique, case-insensitively.
func (o *Orchestrator) Register(m *CrewMember) error {
	if m.Name == "" || m.Engine == nil {
		return &core.ValidationError{Field: "crew_member", Message: "name and engine are required"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	key := strings.ToLower(m.Name)
	if _, exists := o.byName[key]; exists {
		return fmt.Errorf("crew member %q already registered", m.Name)
	}
	o.members = append(o.members, m)
	o.byName[key] = m

	o.logger.Info("orchestrator.registered", "crew_member", m.Name, "role", m.Role)

	return nil
}

// Members returns the registered crew members in registration order.
func (o *Orchestrator) Members() []*CrewMember {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*CrewMember(nil), o.members...)
}

// HandleMessage routes a message to a crew member, runs their engine and
// streams the resulting events. When the producer's run creates a new
// plan, execution of the plan's tasks follows on the same stream.
func (o *Orchestrator) HandleMessage(ctx context.Context, message string) <-chan core.AgentEvent {
	out := make(chan core.AgentEvent, 16)

	go func() {
		defer close(out)

		member := o.route(message)
		if member == nil {
			o.emit(ctx, out, o.errorEvent("no suitable crew member for this message"))
			return
		}

		o.logger.Info("orchestrator.dispatch", "crew_member", member.Name, "role", member.Role)

		watchPlans := member.Role == ProducerRole
		var activeBefore string
		if watchPlans {
			if p, err := o.scheduler.LastActivePlan(o.projectName); err == nil && p != nil {
				activeBefore = p.ID
			}
		}

		for ev := range member.Engine.ChatStream(ctx, message) {
			o.emit(ctx, out, ev)
		}

		if !watchPlans {
			return
		}

		after, err := o.scheduler.LastActivePlan(o.projectName)
		if err != nil || after == nil || after.ID == activeBefore {
			return
		}

		o.logger.Info("orchestrator.plan_detected", "plan_id", after.ID)
		o.executePlanTasks(ctx, after, out)
	}()

	return out
}

// route applies the dispatch precedence: explicit @name mention, then the
// producer, then a keyword match, then the first registered member.
func (o *Orchestrator) route(message string) *CrewMember {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.members) == 0 {
		return nil
	}

	lowered := strings.ToLower(message)

	for _, m := range o.members {
		if strings.Contains(lowered, "@"+strings.ToLower(m.Name)) {
			return m
		}
	}

	for _, m := range o.members {
		if m.Role == ProducerRole {
			return m
		}
	}

	for _, m := range o.members {
		if strings.Contains(lowered, strings.ToLower(m.Name)) {
			return m
		}
		for _, kw := range m.Keywords {
			if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
				return m
			}
		}
	}

	return o.members[0]
}

// resolveByTitle finds the crew member a task targets, matching name or
// role case-insensitively.
func (o *Orchestrator) resolveByTitle(title string) *CrewMember {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m, ok := o.byName[strings.ToLower(title)]; ok {
		return m
	}
	for _, m := range o.members {
		if strings.EqualFold(m.Role, title) {
			return m
		}
	}
	return nil
}

// executePlanTasks materializes and runs a plan level by level: all
// currently ready tasks execute sequentially, then readiness is
// recomputed. The loop stops when every task is terminal, a task fails,
// or the remaining tasks are blocked by unmet dependencies.
func (o *Orchestrator) executePlanTasks(ctx context.Context, p *plan.Plan, out chan<- core.AgentEvent) {
	inst, err := o.scheduler.CreateInstance(p)
	if err != nil {
		o.emit(ctx, out, o.errorEvent("failed to create plan instance: "+err.Error()))
		return
	}
	if err := o.scheduler.StartExecution(inst); err != nil {
		o.emit(ctx, out, o.errorEvent("failed to start plan execution: "+err.Error()))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		ready := o.scheduler.NextReadyTasks(inst)
		if len(ready) == 0 {
			if inst.Status == plan.StatusRunning && !instDone(inst) {
				o.emit(ctx, out, o.errorEvent("plan blocked: remaining tasks have unmet dependencies"))
			}
			return
		}

		for _, task := range ready {
			member := o.resolveByTitle(task.Title)
			if member == nil {
				msg := fmt.Sprintf("no crew member for task %s (title %q)", task.ID, task.Title)
				o.emit(ctx, out, o.errorEvent(msg))
				if err := o.scheduler.MarkTaskFailed(inst, task.ID, msg); err != nil {
					o.logger.Error("orchestrator.mark_failed", "task_id", task.ID, "error", err.Error())
				}
				return
			}

			if err := o.scheduler.MarkTaskRunning(inst, task.ID); err != nil {
				o.emit(ctx, out, o.errorEvent("cannot start task "+task.ID+": "+err.Error()))
				return
			}

			o.logger.Info("orchestrator.task_dispatch", "task_id", task.ID, "crew_member", member.Name)

			finalText, failed := o.runTask(ctx, member, task, out)
			if failed {
				if err := o.scheduler.MarkTaskFailed(inst, task.ID, finalText); err != nil {
					o.logger.Error("orchestrator.mark_failed", "task_id", task.ID, "error", err.Error())
				}
				return
			}
			if err := o.scheduler.MarkTaskCompleted(inst, task.ID); err != nil {
				o.emit(ctx, out, o.errorEvent("cannot complete task "+task.ID+": "+err.Error()))
				return
			}

			// Pick up plan edits made during the task run.
			if fresh, err := o.scheduler.LoadPlan(o.projectName, p.ID); err == nil {
				if err := o.scheduler.SyncInstance(inst, fresh); err != nil {
					o.logger.Error("orchestrator.sync", "plan_id", p.ID, "error", err.Error())
				}
			}
		}
	}
}

// runTask drives one crew member engine through a task-specific prompt
// and reports the run's terminal outcome.
func (o *Orchestrator) runTask(ctx context.Context, member *CrewMember, task plan.Task, out chan<- core.AgentEvent) (finalText string, failed bool) {
	prompt := o.renderTaskPrompt(task)

	sawFinal := false
	for ev := range member.Engine.ChatStream(ctx, prompt) {
		switch ev.EventType {
		case core.EventFinal:
			sawFinal = true
			finalText = ev.Text()
		case core.EventError:
			finalText = core.ContentText(ev.Content)
		}
		o.emit(ctx, out, ev)
	}

	if !sawFinal {
		if finalText == "" {
			finalText = "task run ended without a final answer"
		}
		return finalText, true
	}
	return finalText, false
}

// renderTaskPrompt fills the task prompt template.
func (o *Orchestrator) renderTaskPrompt(task plan.Task) string {
	state := map[string]any{
		"task_id":      task.ID,
		"task_name":    task.Name,
		"description":  task.Description,
		"dependencies": strings.Join(task.Needs, ", "),
		"parameters":   "",
	}
	if len(task.Parameters) > 0 {
		state["parameters"] = fmt.Sprintf("%v", task.Parameters)
	}

	rendered, err := util.RenderTemplate(o.taskPrompt, state)
	if err != nil {
		o.logger.Error("orchestrator.render_prompt", "task_id", task.ID, "error", err.Error())
		return fmt.Sprintf("Carry out plan task %s: %s", task.ID, task.Description)
	}
	return rendered
}

func instDone(inst *plan.Instance) bool {
	for _, t := range inst.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) errorEvent(message string) core.AgentEvent {
	return core.MustAgentEvent(core.EventError, core.Sender{
		ProjectName: o.projectName,
		ReactType:   "orchestrator",
		RunID:       core.NewID(),
		SenderID:    "orchestrator",
		SenderName:  "Orchestrator",
	}, core.ErrorContent{
		ContentMeta: core.NewMeta(core.StatusFailed),
		Message:     message,
		ErrorType:   "orchestration",
	})
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- core.AgentEvent, ev core.AgentEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
