package react

import (
	"encoding/json"
	"strings"
)

// Action is the parsed intent of one model response. Exactly one of the
// concrete types below is produced per reasoning step.
type Action interface{ isAction() }

// ToolAction asks the engine to dispatch a named tool with arguments.
type ToolAction struct {
	Thought string
	Tool    string
	Params  map[string]any
}

// FinalAction terminates the run with an answer for the user.
type FinalAction struct {
	Thought    string
	Text       string
	StopReason string
}

// ErrorAction reports that the model produced a structurally broken
// response. It is fed back as an observation so the model can correct
// itself on the next step.
type ErrorAction struct {
	Message string
}

func (ToolAction) isAction()  {}
func (FinalAction) isAction() {}
func (ErrorAction) isAction() {}

// rawAction accepts the superset of field names models actually produce:
// the canonical {"type","tool","params"} shape plus the common
// {"action","action_input"}, {"answer"} and {"type":"final","text"}
// variants.
type rawAction struct {
	Type        string         `json:"type"`
	Thought     string         `json:"thought"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Final       string         `json:"final"`
	Answer      string         `json:"answer"`
	Text        string         `json:"text"`
	Action      string         `json:"action"`
	ActionInput map[string]any `json:"action_input"`
	Error       string         `json:"error"`
}

// ParseAction extracts an action from a raw model response.
//
// Strategies are tried in order: the whole response as JSON, a fenced
// ```json code block, then the first balanced {...} object anywhere in the
// text. When none yields a recognizable action the whole response is
// treated as the final answer, so a model that simply writes prose still
// terminates the run cleanly.
func ParseAction(response string) Action {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return ErrorAction{Message: "empty model response"}
	}

	for _, candidate := range jsonCandidates(trimmed) {
		var raw rawAction
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		if action, ok := raw.toAction(); ok {
			return action
		}
	}

	return FinalAction{Text: trimmed}
}

func (r rawAction) toAction() (Action, bool) {
	switch {
	case r.Type == "tool" || (r.Type == "" && r.Tool != ""):
		return ToolAction{Thought: r.Thought, Tool: r.Tool, Params: r.Params}, true
	case r.Action != "":
		return ToolAction{Thought: r.Thought, Tool: r.Action, Params: r.ActionInput}, true
	case r.Type == "final" || r.Final != "" || r.Answer != "":
		text := r.Final
		if text == "" {
			text = r.Answer
		}
		if text == "" {
			text = r.Text
		}
		return FinalAction{Thought: r.Thought, Text: text}, true
	case r.Type == "error" || r.Error != "":
		return ErrorAction{Message: r.Error}, true
	}
	return nil, false
}

// jsonCandidates yields decode attempts in decreasing order of strictness.
func jsonCandidates(s string) []string {
	candidates := []string{s}
	if fenced := fencedBlock(s); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if obj := firstObject(s); obj != "" {
		candidates = append(candidates, obj)
	}
	return candidates
}

// fencedBlock returns the body of the first ```json (or bare ```) fence.
func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip the language tag line ("json", "JSON" or empty).
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || strings.EqualFold(tag, "json") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// firstObject scans for the first balanced top-level JSON object,
// respecting string literals and escapes.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
