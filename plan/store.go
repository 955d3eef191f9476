package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/filmeto/crewflow/core"
)

// Store persists plans and instances. Implementations must make each save
// atomic: a reader never observes a half-written record.
type Store interface {
	SavePlan(p *Plan) error
	LoadPlan(project, planID string) (*Plan, error)
	ListPlans(project string) ([]*Plan, error)

	SaveInstance(inst *Instance) error
	LoadInstance(project, planID, instanceID string) (*Instance, error)
	ListInstances(project, planID string) ([]*Instance, error)
}

const (
	planFile           = "plan.yaml"
	instanceFilePrefix = "plan_instance_"
)

// FileStore lays plans out as one directory per plan id under a
// project-scoped root:
//
//	<root>/<project>/plans/<plan_id>/plan.yaml
//	<root>/<project>/plans/<plan_id>/plan_instance_<instance_id>.yaml
//
// Every write goes to a temp file in the target directory and is renamed
// into place.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &core.WorkspaceError{Path: root, Message: err.Error()}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) planDir(project, planID string) string {
	return filepath.Join(s.root, project, "plans", planID)
}

func (s *FileStore) writeYAML(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &core.WorkspaceError{Path: dir, Message: err.Error()}
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return &core.WorkspaceError{Path: dir, Message: err.Error()}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &core.WorkspaceError{Path: tmpPath, Message: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &core.WorkspaceError{Path: tmpPath, Message: err.Error()}
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return &core.WorkspaceError{Path: dir, Message: err.Error()}
	}
	return nil
}

// SavePlan writes the plan file atomically.
func (s *FileStore) SavePlan(p *Plan) error {
	if p.ID == "" || p.ProjectName == "" {
		return &core.ValidationError{Field: "plan", Message: "plan id and project name are required"}
	}
	return s.writeYAML(s.planDir(p.ProjectName, p.ID), planFile, p)
}

// LoadPlan reads one plan back.
func (s *FileStore) LoadPlan(project, planID string) (*Plan, error) {
	data, err := os.ReadFile(filepath.Join(s.planDir(project, planID), planFile))
	if err != nil {
		return nil, &core.WorkspaceError{Path: planID, Message: "plan not found"}
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", planID, err)
	}
	return &p, nil
}

// ListPlans returns every plan of a project, newest first.
func (s *FileStore) ListPlans(project string) ([]*Plan, error) {
	plansDir := filepath.Join(s.root, project, "plans")
	entries, err := os.ReadDir(plansDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &core.WorkspaceError{Path: plansDir, Message: err.Error()}
	}

	var plans []*Plan
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := s.LoadPlan(project, entry.Name())
		if err != nil {
			continue
		}
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	return plans, nil
}

// SaveInstance writes the instance file atomically.
func (s *FileStore) SaveInstance(inst *Instance) error {
	if inst.PlanID == "" || inst.InstanceID == "" || inst.ProjectName == "" {
		return &core.ValidationError{Field: "instance", Message: "plan id, instance id and project name are required"}
	}
	name := instanceFilePrefix + inst.InstanceID + ".yaml"
	return s.writeYAML(s.planDir(inst.ProjectName, inst.PlanID), name, inst)
}

// LoadInstance reads one instance back.
func (s *FileStore) LoadInstance(project, planID, instanceID string) (*Instance, error) {
	path := filepath.Join(s.planDir(project, planID), instanceFilePrefix+instanceID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.WorkspaceError{Path: instanceID, Message: "plan instance not found"}
	}
	var inst Instance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", instanceID, err)
	}
	return &inst, nil
}

// ListInstances returns every instance of a plan, oldest first.
func (s *FileStore) ListInstances(project, planID string) ([]*Instance, error) {
	dir := s.planDir(project, planID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &core.WorkspaceError{Path: dir, Message: err.Error()}
	}

	var instances []*Instance
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, instanceFilePrefix) || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, instanceFilePrefix), ".yaml")
		inst, err := s.LoadInstance(project, planID, id)
		if err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].CreatedAt.Before(instances[j].CreatedAt) })
	return instances, nil
}

// MemoryStore keeps plans and instances in maps. Used in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	plans     map[string]map[string]*Plan     // project -> plan id
	instances map[string]map[string]*Instance // plan id -> instance id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:     make(map[string]map[string]*Plan),
		instances: make(map[string]map[string]*Instance),
	}
}

// SavePlan stores a deep copy.
func (s *MemoryStore) SavePlan(p *Plan) error {
	if p.ID == "" || p.ProjectName == "" {
		return &core.ValidationError{Field: "plan", Message: "plan id and project name are required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plans[p.ProjectName] == nil {
		s.plans[p.ProjectName] = make(map[string]*Plan)
	}
	s.plans[p.ProjectName][p.ID] = copyPlan(p)
	return nil
}

// LoadPlan returns a deep copy of the stored plan.
func (s *MemoryStore) LoadPlan(project, planID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[project][planID]
	if !ok {
		return nil, &core.WorkspaceError{Path: planID, Message: "plan not found"}
	}
	return copyPlan(p), nil
}

// ListPlans returns all plans of a project, newest first.
func (s *MemoryStore) ListPlans(project string) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var plans []*Plan
	for _, p := range s.plans[project] {
		plans = append(plans, copyPlan(p))
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	return plans, nil
}

// SaveInstance stores a deep copy.
func (s *MemoryStore) SaveInstance(inst *Instance) error {
	if inst.PlanID == "" || inst.InstanceID == "" {
		return &core.ValidationError{Field: "instance", Message: "plan id and instance id are required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances[inst.PlanID] == nil {
		s.instances[inst.PlanID] = make(map[string]*Instance)
	}
	s.instances[inst.PlanID][inst.InstanceID] = copyInstance(inst)
	return nil
}

// LoadInstance returns a deep copy of the stored instance.
func (s *MemoryStore) LoadInstance(_, planID, instanceID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[planID][instanceID]
	if !ok {
		return nil, &core.WorkspaceError{Path: instanceID, Message: "plan instance not found"}
	}
	return copyInstance(inst), nil
}

// ListInstances returns all instances of a plan, oldest first.
func (s *MemoryStore) ListInstances(_, planID string) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var instances []*Instance
	for _, inst := range s.instances[planID] {
		instances = append(instances, copyInstance(inst))
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].CreatedAt.Before(instances[j].CreatedAt) })
	return instances, nil
}

func copyPlan(p *Plan) *Plan {
	c := *p
	c.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		c.Tasks[i] = t.clone()
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyInstance(inst *Instance) *Instance {
	c := *inst
	c.Tasks = make([]Task, len(inst.Tasks))
	for i, t := range inst.Tasks {
		c.Tasks[i] = t.clone()
	}
	return &c
}
