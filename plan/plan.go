// Package plan maintains dependency-aware task graphs for crew execution:
// reusable plan templates, live plan instances, readiness computation and
// YAML persistence with atomic writes.
package plan

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of one task. Transitions only move
// forward; a task never re-enters created or ready after starting.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task has finished for good.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskTransitions encodes the allowed forward moves. A task may fail
// before it starts (no crew member resolves for it), but never after it
// reached a terminal state.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskCreated: {TaskReady: true, TaskRunning: true, TaskFailed: true, TaskCancelled: true},
	TaskReady:   {TaskRunning: true, TaskFailed: true, TaskCancelled: true},
	TaskRunning: {TaskCompleted: true, TaskFailed: true, TaskCancelled: true},
}

// CanTransition reports whether moving from s to next is a legal forward
// transition.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	return taskTransitions[s][next]
}

// Status is the lifecycle state of a Plan or Instance.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the plan may still produce work.
func (s Status) Active() bool { return s == StatusCreated || s == StatusRunning }

// Task is one dependency-aware unit of work. Title names the target crew
// role that should execute it.
type Task struct {
	ID           string         `yaml:"id" json:"id"`
	Name         string         `yaml:"name" json:"name"`
	Description  string         `yaml:"description" json:"description"`
	Title        string         `yaml:"title" json:"title"`
	Parameters   map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Needs        []string       `yaml:"needs,omitempty" json:"needs,omitempty"`
	Status       TaskStatus     `yaml:"status" json:"status"`
	CreatedAt    time.Time      `yaml:"created_at" json:"created_at"`
	StartedAt    *time.Time     `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt  *time.Time     `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	ErrorMessage string         `yaml:"error_message,omitempty" json:"error_message,omitempty"`
}

// clone deep-copies the task.
func (t Task) clone() Task {
	c := t
	c.Needs = append([]string(nil), t.Needs...)
	if t.Parameters != nil {
		c.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// Plan is the reusable task-template container. It is owned by a project
// and mutated only through explicit scheduler operations.
type Plan struct {
	ID          string         `yaml:"id" json:"id"`
	ProjectName string         `yaml:"project_name" json:"project_name"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Status      Status         `yaml:"status" json:"status"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Tasks       []Task         `yaml:"tasks" json:"tasks"`
	CreatedAt   time.Time      `yaml:"created_at" json:"created_at"`
}

// TaskIDs returns the ids of all tasks in template order.
func (p *Plan) TaskIDs() []string {
	ids := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Task returns a pointer to the task with the given id, or nil.
func (p *Plan) Task(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Instance is one materialized execution of a Plan with its own task
// status timeline. Several instances of one plan may coexist.
type Instance struct {
	PlanID      string     `yaml:"plan_id" json:"plan_id"`
	InstanceID  string     `yaml:"instance_id" json:"instance_id"`
	ProjectName string     `yaml:"project_name" json:"project_name"`
	Status      Status     `yaml:"status" json:"status"`
	Tasks       []Task     `yaml:"tasks" json:"tasks"`
	CreatedAt   time.Time  `yaml:"created_at" json:"created_at"`
	StartedAt   *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Task returns a pointer to the instance task with the given id, or nil.
func (i *Instance) Task(id string) *Task {
	for idx := range i.Tasks {
		if i.Tasks[idx].ID == id {
			return &i.Tasks[idx]
		}
	}
	return nil
}

// taskByID builds a lookup map over a task slice.
func taskByID(tasks []Task) map[string]*Task {
	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	return byID
}

func newID() string { return uuid.NewString() }

// now keeps full precision so plans created within the same second still
// order deterministically by CreatedAt.
func now() time.Time { return time.Now().UTC() }
