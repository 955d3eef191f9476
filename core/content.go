package core

import "fmt"

// ContentStatus tracks the lifecycle of a content block as a producer
// incrementally builds it up for consumers.
type ContentStatus string

const (
	StatusCreating  ContentStatus = "creating"
	StatusUpdating  ContentStatus = "updating"
	StatusCompleted ContentStatus = "completed"
	StatusFailed    ContentStatus = "failed"
)

// ContentKind discriminates the concrete variant of a Content value.
type ContentKind string

const (
	KindText         ContentKind = "text"
	KindThinking     ContentKind = "thinking"
	KindToolCall     ContentKind = "tool_call"
	KindToolResponse ContentKind = "tool_response"
	KindProgress     ContentKind = "progress"
	KindError        ContentKind = "error"
	KindPlan         ContentKind = "plan"
	KindStep         ContentKind = "step"
	KindTaskList     ContentKind = "task_list"
	KindSkill        ContentKind = "skill"
	KindTable        ContentKind = "table"
	KindChart        ContentKind = "chart"
	KindCode         ContentKind = "code"
	KindMarkdown     ContentKind = "markdown"
	KindImage        ContentKind = "image"
	KindFile         ContentKind = "file"
	KindChoice       ContentKind = "choice"
	KindStatus       ContentKind = "status"
	KindTodo         ContentKind = "todo"
	KindLink         ContentKind = "link"
)

// Content is the closed union of typed content variants carried by events.
// Concrete variants embed ContentMeta and implement Kind.
type Content interface {
	Kind() ContentKind
	Meta() ContentMeta
	isContent()
}

// ContentMeta carries the fields common to every content variant: an opaque
// unique id, a lifecycle status and an optional parent id used by consumers
// to group blocks hierarchically.
type ContentMeta struct {
	ContentID string
	Status    ContentStatus
	ParentID  string
}

// Meta implements the Content interface for any embedding variant.
func (m ContentMeta) Meta() ContentMeta { return m }

func (ContentMeta) isContent() {}

// NewMeta returns fresh metadata with a generated id and the given status.
func NewMeta(status ContentStatus) ContentMeta {
	return ContentMeta{ContentID: NewID(), Status: status}
}

// TextContent is a plain text block.
type TextContent struct {
	ContentMeta
	Text string
}

func (TextContent) Kind() ContentKind { return KindText }

// ThinkingContent is paraphrased model reasoning shown alongside a step.
type ThinkingContent struct {
	ContentMeta
	Text string
}

func (ThinkingContent) Kind() ContentKind { return KindThinking }

// ToolCallContent records a request to execute a named tool.
type ToolCallContent struct {
	ContentMeta
	Tool   string
	Params map[string]any
}

func (ToolCallContent) Kind() ContentKind { return KindToolCall }

// ToolResponseContent records the textual outcome of a tool execution.
type ToolResponseContent struct {
	ContentMeta
	Tool    string
	Result  string
	IsError bool
}

func (ToolResponseContent) Kind() ContentKind { return KindToolResponse }

// ProgressContent reports intermediate progress of a long operation.
type ProgressContent struct {
	ContentMeta
	Message string
	Percent float64
}

func (ProgressContent) Kind() ContentKind { return KindProgress }

// ErrorContent describes a failure: human message, error type name and a
// detail string (typically the error's verbose representation).
type ErrorContent struct {
	ContentMeta
	Message   string
	ErrorType string
	Details   string
}

func (ErrorContent) Kind() ContentKind { return KindError }

// PlanContent references a plan and summarizes its task ids.
type PlanContent struct {
	ContentMeta
	PlanID      string
	Name        string
	Description string
	TaskIDs     []string
}

func (PlanContent) Kind() ContentKind { return KindPlan }

// StepContent marks one reasoning step boundary.
type StepContent struct {
	ContentMeta
	Index       int
	Description string
}

func (StepContent) Kind() ContentKind { return KindStep }

// TaskItem is one entry of a task list / todo snapshot.
type TaskItem struct {
	ID     string `json:"id" yaml:"id"`
	Title  string `json:"title" yaml:"title"`
	Status string `json:"status" yaml:"status"`
}

// TaskListContent carries a full task-list snapshot.
type TaskListContent struct {
	ContentMeta
	Items []TaskItem
}

func (TaskListContent) Kind() ContentKind { return KindTaskList }

// SkillContent describes a nested skill invocation.
type SkillContent struct {
	ContentMeta
	Skill   string
	Message string
}

func (SkillContent) Kind() ContentKind { return KindSkill }

// TableContent is tabular data for presentation.
type TableContent struct {
	ContentMeta
	Columns []string
	Rows    [][]string
}

func (TableContent) Kind() ContentKind { return KindTable }

// ChartContent is a single-series chart for presentation.
type ChartContent struct {
	ContentMeta
	ChartType string
	Labels    []string
	Values    []float64
}

func (ChartContent) Kind() ContentKind { return KindChart }

// CodeContent is a source code block.
type CodeContent struct {
	ContentMeta
	Language string
	Source   string
}

func (CodeContent) Kind() ContentKind { return KindCode }

// MarkdownContent is pre-rendered markdown text.
type MarkdownContent struct {
	ContentMeta
	Markdown string
}

func (MarkdownContent) Kind() ContentKind { return KindMarkdown }

// ImageContent references an image by URI.
type ImageContent struct {
	ContentMeta
	URI     string
	AltText string
}

func (ImageContent) Kind() ContentKind { return KindImage }

// FileContent references a produced file.
type FileContent struct {
	ContentMeta
	Path     string
	MimeType string
}

func (FileContent) Kind() ContentKind { return KindFile }

// ChoiceContent asks the user to pick among options.
type ChoiceContent struct {
	ContentMeta
	Prompt  string
	Options []string
}

func (ChoiceContent) Kind() ContentKind { return KindChoice }

// StatusContent records a state transition (engine or plan).
type StatusContent struct {
	ContentMeta
	From string
	To   string
}

func (StatusContent) Kind() ContentKind { return KindStatus }

// TodoContent carries a single todo entry update.
type TodoContent struct {
	ContentMeta
	Item TaskItem
}

func (TodoContent) Kind() ContentKind { return KindTodo }

// LinkContent references an external resource.
type LinkContent struct {
	ContentMeta
	URI   string
	Title string
}

func (LinkContent) Kind() ContentKind { return KindLink }

// ContentText returns a best-effort textual rendering of a content variant,
// used for observations and logs. Structured variants collapse to a short
// summary rather than a full serialization.
func ContentText(c Content) string {
	switch v := c.(type) {
	case TextContent:
		return v.Text
	case ThinkingContent:
		return v.Text
	case ToolCallContent:
		return fmt.Sprintf("call %s", v.Tool)
	case ToolResponseContent:
		return v.Result
	case ProgressContent:
		return v.Message
	case ErrorContent:
		return v.Message
	case PlanContent:
		return fmt.Sprintf("plan %s (%d tasks)", v.Name, len(v.TaskIDs))
	case StepContent:
		return v.Description
	case TaskListContent:
		return fmt.Sprintf("%d task(s)", len(v.Items))
	case SkillContent:
		return v.Message
	case TableContent:
		return fmt.Sprintf("table %d x %d", len(v.Columns), len(v.Rows))
	case ChartContent:
		return fmt.Sprintf("%s chart (%d points)", v.ChartType, len(v.Values))
	case CodeContent:
		return v.Source
	case MarkdownContent:
		return v.Markdown
	case ImageContent:
		return v.URI
	case FileContent:
		return v.Path
	case ChoiceContent:
		return v.Prompt
	case StatusContent:
		return fmt.Sprintf("%s -> %s", v.From, v.To)
	case TodoContent:
		return v.Item.Title
	case LinkContent:
		return v.URI
	default:
		return ""
	}
}
