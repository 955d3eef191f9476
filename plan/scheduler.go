package plan

import (
	"fmt"
	"strings"
	"sync"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/logging"
)

// reservedTitles are role names a task may never target. Tasks carrying
// one are dropped at validation time.
var reservedTitles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"none":      true,
	"":          true,
}

// Notifier receives plan_created and plan_updated events. It must not
// block the scheduler.
type Notifier func(ev core.AgentEvent)

// Scheduler owns the task graphs of a project set: it creates plans and
// instances, computes which tasks are ready to run, applies status
// transitions and keeps everything persisted through its Store.
//
// Every mutation persists synchronously before the updated value is
// returned, so concurrent readers of the store never observe state the
// scheduler has not committed.
type Scheduler struct {
	mu     sync.Mutex
	store  Store
	logger logging.Logger
	notify Notifier
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the diagnostic logger.
func WithSchedulerLogger(logger logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithNotifier registers the event sink for plan lifecycle notifications.
func WithNotifier(notify Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notify = notify }
}

// NewScheduler creates a scheduler over the given store.
func NewScheduler(store Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:  store,
		logger: logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePlan validates the task set, assigns ids, persists the new plan
// and publishes a plan_created event. Tasks that fail validation are
// dropped from the plan, not rejected as a whole.
func (s *Scheduler) CreatePlan(project, name, description string, tasks []Task, metadata map[string]any) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if project == "" {
		return nil, &core.ValidationError{Field: "project", Message: "project name is required"}
	}

	p := &Plan{
		ID:          newID(),
		ProjectName: project,
		Name:        name,
		Description: description,
		Status:      StatusCreated,
		Metadata:    metadata,
		CreatedAt:   now(),
	}

	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = newID()
		}
		tasks[i].Status = TaskCreated
		tasks[i].CreatedAt = now()
	}
	p.Tasks = s.validateTasks(tasks)

	if err := s.store.SavePlan(p); err != nil {
		return nil, err
	}

	s.logger.Info("plan.created", "plan_id", p.ID, "project", project, "task_count", len(p.Tasks))
	s.publish(core.EventPlanCreated, p)

	return p, nil
}

// CreateInstance materializes an independently-mutable execution of a
// plan: tasks are deep-copied with fresh created status and cleared
// timestamps.
func (s *Scheduler) CreateInstance(p *Plan) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := &Instance{
		PlanID:      p.ID,
		InstanceID:  newID(),
		ProjectName: p.ProjectName,
		Status:      StatusCreated,
		CreatedAt:   now(),
	}
	inst.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		c := t.clone()
		c.Status = TaskCreated
		c.StartedAt = nil
		c.CompletedAt = nil
		c.ErrorMessage = ""
		inst.Tasks[i] = c
	}

	if err := s.store.SaveInstance(inst); err != nil {
		return nil, err
	}

	s.logger.Info("plan.instance_created", "plan_id", p.ID, "instance_id", inst.InstanceID)
	s.publish(core.EventPlanUpdated, p)

	return inst, nil
}

// StartExecution transitions a freshly created instance to running and
// promotes every task without dependencies to ready.
func (s *Scheduler) StartExecution(inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.Status != StatusCreated {
		return &core.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("cannot start instance in status %s", inst.Status),
		}
	}

	inst.Status = StatusRunning
	at := now()
	inst.StartedAt = &at

	for i := range inst.Tasks {
		if len(inst.Tasks[i].Needs) == 0 && inst.Tasks[i].Status == TaskCreated {
			inst.Tasks[i].Status = TaskReady
		}
	}

	return s.store.SaveInstance(inst)
}

// NextReadyTasks returns, in task-list order, every task whose own status
// is created or ready and whose dependencies have all completed.
func (s *Scheduler) NextReadyTasks(inst *Instance) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readyTasks(inst)
}

func readyTasks(inst *Instance) []Task {
	byID := taskByID(inst.Tasks)

	var ready []Task
	for _, t := range inst.Tasks {
		if t.Status != TaskCreated && t.Status != TaskReady {
			continue
		}
		satisfied := true
		for _, need := range t.Needs {
			dep, ok := byID[need]
			if !ok || dep.Status != TaskCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t.clone())
		}
	}
	return ready
}

// MarkTaskRunning records that a task has been handed to its crew member.
func (s *Scheduler) MarkTaskRunning(inst *Instance, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := inst.Task(taskID)
	if t == nil {
		return &core.ValidationError{Field: "task_id", Message: "unknown task: " + taskID}
	}
	if !t.Status.CanTransition(TaskRunning) {
		return &core.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("task %s cannot move from %s to running", taskID, t.Status),
		}
	}

	t.Status = TaskRunning
	at := now()
	t.StartedAt = &at

	return s.store.SaveInstance(inst)
}

// MarkTaskCompleted finishes a task, promotes newly satisfied tasks to
// ready and, when nothing non-terminal remains, completes the instance.
// Completing an already completed task is a no-op.
func (s *Scheduler) MarkTaskCompleted(inst *Instance, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := inst.Task(taskID)
	if t == nil {
		return &core.ValidationError{Field: "task_id", Message: "unknown task: " + taskID}
	}
	if t.Status == TaskCompleted {
		return nil
	}
	if !t.Status.CanTransition(TaskCompleted) {
		return &core.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("task %s cannot move from %s to completed", taskID, t.Status),
		}
	}

	t.Status = TaskCompleted
	at := now()
	t.CompletedAt = &at

	s.promoteReady(inst)

	if allTerminal(inst) {
		inst.Status = StatusCompleted
		inst.CompletedAt = &at
		s.logger.Info("plan.instance_completed", "plan_id", inst.PlanID, "instance_id", inst.InstanceID)
		s.mirrorPlanStatus(inst, StatusCompleted)
	}

	return s.store.SaveInstance(inst)
}

// MarkTaskFailed fails both the task and the whole instance. Sibling
// branches do not continue; a plan run has a single linear outcome.
func (s *Scheduler) MarkTaskFailed(inst *Instance, taskID, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := inst.Task(taskID)
	if t == nil {
		return &core.ValidationError{Field: "task_id", Message: "unknown task: " + taskID}
	}
	if t.Status == TaskFailed {
		return nil
	}
	if !t.Status.CanTransition(TaskFailed) {
		return &core.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("task %s cannot move from %s to failed", taskID, t.Status),
		}
	}

	t.Status = TaskFailed
	t.ErrorMessage = errMessage
	at := now()
	t.CompletedAt = &at

	inst.Status = StatusFailed
	inst.CompletedAt = &at

	s.logger.Warn("plan.task_failed", "plan_id", inst.PlanID, "instance_id", inst.InstanceID,
		"task_id", taskID, "error", errMessage)
	s.mirrorPlanStatus(inst, StatusFailed)

	return s.store.SaveInstance(inst)
}

// MarkTaskCancelled cancels a single non-terminal task.
func (s *Scheduler) MarkTaskCancelled(inst *Instance, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := inst.Task(taskID)
	if t == nil {
		return &core.ValidationError{Field: "task_id", Message: "unknown task: " + taskID}
	}
	if t.Status.Terminal() {
		return nil
	}

	t.Status = TaskCancelled
	at := now()
	t.CompletedAt = &at

	return s.store.SaveInstance(inst)
}

// CancelPlan cascades cancellation to every non-terminal task and marks
// the instance cancelled.
func (s *Scheduler) CancelPlan(inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := now()
	for i := range inst.Tasks {
		if !inst.Tasks[i].Status.Terminal() {
			inst.Tasks[i].Status = TaskCancelled
			inst.Tasks[i].CompletedAt = &at
		}
	}
	inst.Status = StatusCancelled
	inst.CompletedAt = &at

	s.logger.Info("plan.cancelled", "plan_id", inst.PlanID, "instance_id", inst.InstanceID)
	s.mirrorPlanStatus(inst, StatusCancelled)

	return s.store.SaveInstance(inst)
}

// UpdatePlan replaces the plan's task set after re-validation, persists
// and publishes a plan_updated event. Tasks dropped by validation are
// logged, not reported.
func (s *Scheduler) UpdatePlan(p *Plan, tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = newID()
		}
		if tasks[i].Status == "" {
			tasks[i].Status = TaskCreated
		}
		if tasks[i].CreatedAt.IsZero() {
			tasks[i].CreatedAt = now()
		}
	}
	p.Tasks = s.validateTasks(tasks)

	if err := s.store.SavePlan(p); err != nil {
		return err
	}

	s.logger.Info("plan.updated", "plan_id", p.ID, "task_count", len(p.Tasks))
	s.publish(core.EventPlanUpdated, p)

	return nil
}

// SyncInstance merges a (possibly edited) plan back into a live instance.
// The plan's task set is re-validated first, so reserved-title, dangling
// or cyclic tasks never reach a live instance regardless of how the plan
// was built. Tasks the instance already knows keep their execution state
// but pick up the plan's name, description, parameters and needs; tasks
// new to the plan are appended as created.
func (s *Scheduler) SyncInstance(inst *Instance, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := taskByID(inst.Tasks)
	for _, pt := range s.validateTasks(p.Tasks) {
		if existing, ok := byID[pt.ID]; ok {
			existing.Name = pt.Name
			existing.Description = pt.Description
			existing.Title = pt.Title
			existing.Parameters = pt.clone().Parameters
			existing.Needs = append([]string(nil), pt.Needs...)
			continue
		}
		c := pt.clone()
		c.Status = TaskCreated
		c.StartedAt = nil
		c.CompletedAt = nil
		c.ErrorMessage = ""
		inst.Tasks = append(inst.Tasks, c)
	}

	if inst.Status == StatusRunning {
		s.promoteReady(inst)
	}

	return s.store.SaveInstance(inst)
}

// ListPlans returns every plan of a project, newest first.
func (s *Scheduler) ListPlans(project string) ([]*Plan, error) {
	return s.store.ListPlans(project)
}

// ListInstances returns every instance of a plan, oldest first.
func (s *Scheduler) ListInstances(project, planID string) ([]*Instance, error) {
	return s.store.ListInstances(project, planID)
}

// LoadPlan reads a plan from storage.
func (s *Scheduler) LoadPlan(project, planID string) (*Plan, error) {
	return s.store.LoadPlan(project, planID)
}

// LastActivePlan returns the most recently created plan whose status is
// still created or running, or nil when the project has none.
func (s *Scheduler) LastActivePlan(project string) (*Plan, error) {
	plans, err := s.store.ListPlans(project)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		if p.Status.Active() {
			return p, nil
		}
	}
	return nil, nil
}

// promoteReady moves created tasks whose dependencies are all completed
// to ready. Caller holds s.mu.
func (s *Scheduler) promoteReady(inst *Instance) {
	byID := taskByID(inst.Tasks)
	for i := range inst.Tasks {
		t := &inst.Tasks[i]
		if t.Status != TaskCreated {
			continue
		}
		satisfied := true
		for _, need := range t.Needs {
			dep, ok := byID[need]
			if !ok || dep.Status != TaskCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			t.Status = TaskReady
		}
	}
}

// mirrorPlanStatus copies a terminal instance outcome onto the plan so
// that LastActivePlan stops returning it. Best effort: a missing plan
// file only logs. Caller holds s.mu.
func (s *Scheduler) mirrorPlanStatus(inst *Instance, status Status) {
	p, err := s.store.LoadPlan(inst.ProjectName, inst.PlanID)
	if err != nil {
		s.logger.Warn("plan.mirror_status", "plan_id", inst.PlanID, "error", err.Error())
		return
	}
	p.Status = status
	if err := s.store.SavePlan(p); err != nil {
		s.logger.Warn("plan.mirror_status", "plan_id", inst.PlanID, "error", err.Error())
	}
}

func allTerminal(inst *Instance) bool {
	for _, t := range inst.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// validateTasks drops tasks with reserved titles, dangling dependencies
// or cyclic dependency chains. Drops are logged at warn level and the
// surviving set is returned; the operation never fails as a whole.
func (s *Scheduler) validateTasks(tasks []Task) []Task {
	// Reserved titles first.
	kept := tasks[:0:0]
	for _, t := range tasks {
		if reservedTitles[strings.ToLower(strings.TrimSpace(t.Title))] {
			s.logger.Warn("plan.task_dropped", "task_id", t.ID, "reason", "reserved title", "title", t.Title)
			continue
		}
		kept = append(kept, t)
	}

	kept = s.dropDangling(kept)

	// Cycles: breadth-first walk from each task through its dependency
	// chain; reaching the task again means it is part of a cycle.
	// Removing a cycle can orphan tasks that depended on its members, so
	// the dangling filter runs again afterwards.
	needsOf := make(map[string][]string, len(kept))
	for _, t := range kept {
		needsOf[t.ID] = t.Needs
	}
	cyclic := make(map[string]bool)
	for _, t := range kept {
		if inCycle(t.ID, needsOf) {
			cyclic[t.ID] = true
			s.logger.Warn("plan.task_dropped", "task_id", t.ID, "reason", "dependency cycle")
		}
	}

	if len(cyclic) == 0 {
		return kept
	}
	final := kept[:0:0]
	for _, t := range kept {
		if !cyclic[t.ID] {
			final = append(final, t)
		}
	}
	return s.dropDangling(final)
}

// dropDangling removes tasks whose needs reference ids outside the task
// set, iterating until stable since a removal can orphan another task.
func (s *Scheduler) dropDangling(tasks []Task) []Task {
	for {
		ids := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			ids[t.ID] = true
		}
		next := tasks[:0:0]
		dropped := false
		for _, t := range tasks {
			dangling := ""
			for _, need := range t.Needs {
				if !ids[need] {
					dangling = need
					break
				}
			}
			if dangling != "" {
				s.logger.Warn("plan.task_dropped", "task_id", t.ID, "reason", "dangling dependency", "needs", dangling)
				dropped = true
				continue
			}
			next = append(next, t)
		}
		tasks = next
		if !dropped {
			return tasks
		}
	}
}

// inCycle walks breadth-first from start through the dependency graph and
// reports whether start is reachable from itself.
func inCycle(start string, needsOf map[string][]string) bool {
	queue := append([]string(nil), needsOf[start]...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == start {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, needsOf[id]...)
	}
	return false
}

// publish sends a plan lifecycle event to the notifier, if any.
func (s *Scheduler) publish(t core.EventType, p *Plan) {
	if s.notify == nil {
		return
	}

	content := core.PlanContent{
		ContentMeta: core.NewMeta(core.StatusCompleted),
		PlanID:      p.ID,
		Name:        p.Name,
		Description: p.Description,
		TaskIDs:     p.TaskIDs(),
	}
	sender := core.Sender{
		ProjectName: p.ProjectName,
		ReactType:   "scheduler",
		RunID:       p.ID,
		SenderID:    "plan_scheduler",
		SenderName:  "Plan Scheduler",
	}

	ev, err := core.NewAgentEvent(t, sender, content)
	if err != nil {
		s.logger.Error("plan.notify_failed", "plan_id", p.ID, "error", err.Error())
		return
	}
	s.notify(ev)
}
