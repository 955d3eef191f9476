// Package manifest loads the crew.yaml file that declares a project's
// crew members, their tools and their skills. The manifest is parsed once
// at startup; runtime dispatch stays a plain map lookup in the tool
// registry.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/tool"
)

// Manifest is the root of a crew.yaml file.
type Manifest struct {
	Project  string      `yaml:"project"`
	Language string      `yaml:"language,omitempty"`
	Crew     []CrewSpec  `yaml:"crew"`
	Tools    []ToolSpec  `yaml:"tools,omitempty"`
	Skills   []SkillSpec `yaml:"skills,omitempty"`
}

// CrewSpec declares one crew member persona.
type CrewSpec struct {
	ID           string   `yaml:"id,omitempty"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role,omitempty"`
	Keywords     []string `yaml:"keywords,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	Temperature  float64  `yaml:"temperature,omitempty"`
	MaxSteps     int      `yaml:"max_steps,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
	Skills       []string `yaml:"skills,omitempty"`
}

// ToolSpec declares one tool, either a script-backed capability or a
// placeholder resolved against code-registered tools by name.
type ToolSpec struct {
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description"`
	Descriptions map[string]string    `yaml:"descriptions,omitempty"` // language code -> override
	Script       string               `yaml:"script,omitempty"`
	Parameters   []tool.ParameterSpec `yaml:"parameters,omitempty"`
	Returns      string               `yaml:"returns,omitempty"`
}

// SkillSpec declares one skill executed through its own nested reasoning
// loop.
type SkillSpec struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	Model        string `yaml:"model,omitempty"`
	MaxSteps     int    `yaml:"max_steps,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.WorkspaceError{Path: path, Message: err.Error()}
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks internal consistency: required fields, unique names,
// and that crew tool/skill references resolve within the manifest.
func (m *Manifest) Validate() error {
	if m.Project == "" {
		return &core.ValidationError{Field: "project", Message: "project name is required"}
	}
	if len(m.Crew) == 0 {
		return &core.ValidationError{Field: "crew", Message: "at least one crew member is required"}
	}

	crewNames := make(map[string]bool, len(m.Crew))
	for _, c := range m.Crew {
		if c.Name == "" {
			return &core.ValidationError{Field: "crew.name", Message: "crew member name is required"}
		}
		key := strings.ToLower(c.Name)
		if crewNames[key] {
			return &core.ValidationError{Field: "crew.name", Message: "duplicate crew member: " + c.Name}
		}
		crewNames[key] = true
	}

	toolNames := make(map[string]bool, len(m.Tools))
	for _, t := range m.Tools {
		if t.Name == "" {
			return &core.ValidationError{Field: "tools.name", Message: "tool name is required"}
		}
		if toolNames[t.Name] {
			return &core.ValidationError{Field: "tools.name", Message: "duplicate tool: " + t.Name}
		}
		toolNames[t.Name] = true
	}

	skillNames := make(map[string]bool, len(m.Skills))
	for _, s := range m.Skills {
		if s.Name == "" {
			return &core.ValidationError{Field: "skills.name", Message: "skill name is required"}
		}
		if skillNames[s.Name] {
			return &core.ValidationError{Field: "skills.name", Message: "duplicate skill: " + s.Name}
		}
		skillNames[s.Name] = true
	}

	for _, c := range m.Crew {
		for _, ref := range c.Tools {
			if !toolNames[ref] {
				return &core.ValidationError{
					Field:   "crew.tools",
					Message: fmt.Sprintf("crew member %s references unknown tool %s", c.Name, ref),
				}
			}
		}
		for _, ref := range c.Skills {
			if !skillNames[ref] {
				return &core.ValidationError{
					Field:   "crew.skills",
					Message: fmt.Sprintf("crew member %s references unknown skill %s", c.Name, ref),
				}
			}
		}
	}

	return nil
}

// Tool returns the spec with the given name, or nil.
func (m *Manifest) Tool(name string) *ToolSpec {
	for i := range m.Tools {
		if m.Tools[i].Name == name {
			return &m.Tools[i]
		}
	}
	return nil
}

// Skill returns the spec with the given name, or nil.
func (m *Manifest) Skill(name string) *SkillSpec {
	for i := range m.Skills {
		if m.Skills[i].Name == name {
			return &m.Skills[i]
		}
	}
	return nil
}

// Build turns a script-backed spec into a registrable tool. Specs without
// a script have no runnable body in the manifest and must be supplied in
// code; Build rejects them.
func (t *ToolSpec) Build(runner *tool.ScriptRunner) (tool.Tool, error) {
	if t.Script == "" {
		return nil, &core.ValidationError{
			Field:   "script",
			Message: fmt.Sprintf("tool %s declares no script; register it in code instead", t.Name),
		}
	}

	st := tool.NewScriptTool(t.Name, t.Description, t.Script, t.Parameters, runner)
	for lang, desc := range t.Descriptions {
		st.Localize(lang, desc)
	}
	return st, nil
}

// RegisterTools builds every script-backed tool in the manifest and
// registers it. Tools without scripts are skipped so the caller can bind
// them in code under the same names.
func (m *Manifest) RegisterTools(reg *tool.Registry, runner *tool.ScriptRunner) error {
	for i := range m.Tools {
		spec := &m.Tools[i]
		if spec.Script == "" {
			continue
		}
		built, err := spec.Build(runner)
		if err != nil {
			return err
		}
		if err := reg.Register(built); err != nil {
			return err
		}
	}
	return nil
}
