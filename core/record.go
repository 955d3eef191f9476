package core

// Record is the generic wire representation of a Content variant. Every
// variant round-trips losslessly through Encode / Decode: the discriminator
// lands in ContentType, variant fields in Data and the common metadata
// (content_id, parent_id) in Metadata.
type Record struct {
	ContentType string         `json:"content_type" yaml:"content_type"`
	Data        map[string]any `json:"data" yaml:"data"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Status      string         `json:"status" yaml:"status"`
}

// Encode converts a typed content variant into its generic record form.
func Encode(c Content) Record {
	meta := c.Meta()
	rec := Record{
		ContentType: string(c.Kind()),
		Data:        map[string]any{},
		Metadata:    map[string]any{"content_id": meta.ContentID},
		Status:      string(meta.Status),
	}
	if meta.ParentID != "" {
		rec.Metadata["parent_id"] = meta.ParentID
	}

	switch v := c.(type) {
	case TextContent:
		rec.Data["text"] = v.Text
	case ThinkingContent:
		rec.Data["text"] = v.Text
	case ToolCallContent:
		rec.Data["tool"] = v.Tool
		rec.Data["params"] = v.Params
	case ToolResponseContent:
		rec.Data["tool"] = v.Tool
		rec.Data["result"] = v.Result
		rec.Data["is_error"] = v.IsError
	case ProgressContent:
		rec.Data["message"] = v.Message
		rec.Data["percent"] = v.Percent
	case ErrorContent:
		rec.Data["message"] = v.Message
		rec.Data["error_type"] = v.ErrorType
		rec.Data["details"] = v.Details
	case PlanContent:
		rec.Data["plan_id"] = v.PlanID
		rec.Data["name"] = v.Name
		rec.Data["description"] = v.Description
		rec.Data["task_ids"] = toAnySlice(v.TaskIDs)
	case StepContent:
		rec.Data["index"] = v.Index
		rec.Data["description"] = v.Description
	case TaskListContent:
		items := make([]any, 0, len(v.Items))
		for _, it := range v.Items {
			items = append(items, map[string]any{"id": it.ID, "title": it.Title, "status": it.Status})
		}
		rec.Data["items"] = items
	case SkillContent:
		rec.Data["skill"] = v.Skill
		rec.Data["message"] = v.Message
	case TableContent:
		rec.Data["columns"] = toAnySlice(v.Columns)
		rows := make([]any, 0, len(v.Rows))
		for _, r := range v.Rows {
			rows = append(rows, toAnySlice(r))
		}
		rec.Data["rows"] = rows
	case ChartContent:
		rec.Data["chart_type"] = v.ChartType
		rec.Data["labels"] = toAnySlice(v.Labels)
		values := make([]any, 0, len(v.Values))
		for _, f := range v.Values {
			values = append(values, f)
		}
		rec.Data["values"] = values
	case CodeContent:
		rec.Data["language"] = v.Language
		rec.Data["source"] = v.Source
	case MarkdownContent:
		rec.Data["markdown"] = v.Markdown
	case ImageContent:
		rec.Data["uri"] = v.URI
		rec.Data["alt_text"] = v.AltText
	case FileContent:
		rec.Data["path"] = v.Path
		rec.Data["mime_type"] = v.MimeType
	case ChoiceContent:
		rec.Data["prompt"] = v.Prompt
		rec.Data["options"] = toAnySlice(v.Options)
	case StatusContent:
		rec.Data["from"] = v.From
		rec.Data["to"] = v.To
	case TodoContent:
		rec.Data["item"] = map[string]any{"id": v.Item.ID, "title": v.Item.Title, "status": v.Item.Status}
	case LinkContent:
		rec.Data["uri"] = v.URI
		rec.Data["title"] = v.Title
	}
	return rec
}

// Decode converts a generic record back into its typed content variant. An
// unknown content_type yields a ValidationError.
func Decode(rec Record) (Content, error) {
	meta := ContentMeta{
		ContentID: recString(rec.Metadata, "content_id"),
		Status:    ContentStatus(rec.Status),
		ParentID:  recString(rec.Metadata, "parent_id"),
	}
	d := rec.Data

	switch ContentKind(rec.ContentType) {
	case KindText:
		return TextContent{ContentMeta: meta, Text: recString(d, "text")}, nil
	case KindThinking:
		return ThinkingContent{ContentMeta: meta, Text: recString(d, "text")}, nil
	case KindToolCall:
		return ToolCallContent{ContentMeta: meta, Tool: recString(d, "tool"), Params: recMap(d, "params")}, nil
	case KindToolResponse:
		return ToolResponseContent{
			ContentMeta: meta,
			Tool:        recString(d, "tool"),
			Result:      recString(d, "result"),
			IsError:     recBool(d, "is_error"),
		}, nil
	case KindProgress:
		return ProgressContent{ContentMeta: meta, Message: recString(d, "message"), Percent: recFloat(d, "percent")}, nil
	case KindError:
		return ErrorContent{
			ContentMeta: meta,
			Message:     recString(d, "message"),
			ErrorType:   recString(d, "error_type"),
			Details:     recString(d, "details"),
		}, nil
	case KindPlan:
		return PlanContent{
			ContentMeta: meta,
			PlanID:      recString(d, "plan_id"),
			Name:        recString(d, "name"),
			Description: recString(d, "description"),
			TaskIDs:     recStrings(d, "task_ids"),
		}, nil
	case KindStep:
		return StepContent{ContentMeta: meta, Index: recInt(d, "index"), Description: recString(d, "description")}, nil
	case KindTaskList:
		var items []TaskItem
		if raw, ok := d["items"].([]any); ok {
			for _, e := range raw {
				if m, ok := e.(map[string]any); ok {
					items = append(items, TaskItem{
						ID:     recString(m, "id"),
						Title:  recString(m, "title"),
						Status: recString(m, "status"),
					})
				}
			}
		}
		return TaskListContent{ContentMeta: meta, Items: items}, nil
	case KindSkill:
		return SkillContent{ContentMeta: meta, Skill: recString(d, "skill"), Message: recString(d, "message")}, nil
	case KindTable:
		var rows [][]string
		if raw, ok := d["rows"].([]any); ok {
			for _, r := range raw {
				if cells, ok := r.([]any); ok {
					row := make([]string, 0, len(cells))
					for _, c := range cells {
						if s, ok := c.(string); ok {
							row = append(row, s)
						}
					}
					rows = append(rows, row)
				}
			}
		}
		return TableContent{ContentMeta: meta, Columns: recStrings(d, "columns"), Rows: rows}, nil
	case KindChart:
		var values []float64
		if raw, ok := d["values"].([]any); ok {
			for _, e := range raw {
				switch n := e.(type) {
				case float64:
					values = append(values, n)
				case int:
					values = append(values, float64(n))
				}
			}
		}
		return ChartContent{
			ContentMeta: meta,
			ChartType:   recString(d, "chart_type"),
			Labels:      recStrings(d, "labels"),
			Values:      values,
		}, nil
	case KindCode:
		return CodeContent{ContentMeta: meta, Language: recString(d, "language"), Source: recString(d, "source")}, nil
	case KindMarkdown:
		return MarkdownContent{ContentMeta: meta, Markdown: recString(d, "markdown")}, nil
	case KindImage:
		return ImageContent{ContentMeta: meta, URI: recString(d, "uri"), AltText: recString(d, "alt_text")}, nil
	case KindFile:
		return FileContent{ContentMeta: meta, Path: recString(d, "path"), MimeType: recString(d, "mime_type")}, nil
	case KindChoice:
		return ChoiceContent{ContentMeta: meta, Prompt: recString(d, "prompt"), Options: recStrings(d, "options")}, nil
	case KindStatus:
		return StatusContent{ContentMeta: meta, From: recString(d, "from"), To: recString(d, "to")}, nil
	case KindTodo:
		var item TaskItem
		if m, ok := d["item"].(map[string]any); ok {
			item = TaskItem{ID: recString(m, "id"), Title: recString(m, "title"), Status: recString(m, "status")}
		}
		return TodoContent{ContentMeta: meta, Item: item}, nil
	case KindLink:
		return LinkContent{ContentMeta: meta, URI: recString(d, "uri"), Title: recString(d, "title")}, nil
	default:
		return nil, &ValidationError{Field: "content_type", Message: "unknown content type: " + rec.ContentType}
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

func recString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func recBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func recFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func recInt(m map[string]any, key string) int {
	return int(recFloat(m, key))
}

func recMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func recStrings(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
