package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gammazero/toposort"
	"gopkg.in/yaml.v3"

	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

// Plan is a file of tasks to load into the graph. JSON plans parse too,
// since JSON is a subset of YAML.
type Plan struct {
	Tasks []PlanTask `yaml:"tasks"`
}

// PlanTask is one task in a plan file.
type PlanTask struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	Name       string            `yaml:"name"`
	Priority   string            `yaml:"priority"`
	Requires   []string          `yaml:"requires"` // Shorthand for REQUIRES edges
	DependsOn  []PlanDependency  `yaml:"depends_on"`
	Resources  []string          `yaml:"resources"`
	Payload    map[string]any    `yaml:"payload"`
	MaxRetries int               `yaml:"max_retries"`
	Timeout    time.Duration     `yaml:"timeout"`
	Estimate   time.Duration     `yaml:"estimate"`
	Labels     map[string]string `yaml:"labels"`
}

// PlanDependency is an explicitly typed edge.
type PlanDependency struct {
	Task    string        `yaml:"task"`
	Type    string        `yaml:"type"`
	Timeout time.Duration `yaml:"timeout"`
}

var dependencyTypes = []scheduler.DependencyType{
	scheduler.DependencyRequires,
	scheduler.DependencyOptional,
	scheduler.DependencyBlocks,
	scheduler.DependencyTriggers,
}

// LoadPlan reads and checks a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a plan and checks that ids are unique.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(p.Tasks) == 0 {
		return nil, errors.New("plan has no tasks")
	}
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d: id is required", i)
		}
		if t.Type == "" {
			return nil, fmt.Errorf("task %s: type is required", t.ID)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("task %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
	}
	return &p, nil
}

// Specs converts the plan into graph specs ordered so every prerequisite
// named in the plan comes before its dependents. Prerequisites outside the
// plan must already be in the graph.
func (p *Plan) Specs() ([]scheduler.Spec, error) {
	byID := make(map[string]scheduler.Spec, len(p.Tasks))
	var edges []toposort.Edge
	for _, t := range p.Tasks {
		spec, err := t.spec()
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		byID[t.ID] = spec
	}
	for _, t := range p.Tasks {
		rooted := true
		for _, d := range byID[t.ID].Dependencies {
			if _, inPlan := byID[d.TaskID]; inPlan {
				edges = append(edges, toposort.Edge{d.TaskID, t.ID})
				rooted = false
			}
		}
		if rooted {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("ordering plan: %w", err)
	}
	specs := make([]scheduler.Spec, 0, len(p.Tasks))
	for _, id := range sorted {
		if id != nil {
			specs = append(specs, byID[id.(string)])
		}
	}
	return specs, nil
}

func (t PlanTask) spec() (scheduler.Spec, error) {
	spec := scheduler.Spec{
		ID:                t.ID,
		Type:              t.Type,
		Name:              t.Name,
		Priority:          scheduler.PriorityNormal,
		Resources:         t.Resources,
		Payload:           t.Payload,
		EstimatedDuration: t.Estimate,
		MaxRetries:        t.MaxRetries,
		Timeout:           t.Timeout,
		Labels:            t.Labels,
	}
	if spec.Name == "" {
		spec.Name = t.ID
	}
	if t.Priority != "" {
		p, err := scheduler.ParsePriority(t.Priority)
		if err != nil {
			return spec, err
		}
		spec.Priority = p
	}
	for _, id := range t.Requires {
		spec.Dependencies = append(spec.Dependencies, scheduler.Dependency{TaskID: id, Type: scheduler.DependencyRequires})
	}
	for _, d := range t.DependsOn {
		typ, err := parseDependencyType(d.Type)
		if err != nil {
			return spec, err
		}
		spec.Dependencies = append(spec.Dependencies, scheduler.Dependency{TaskID: d.Task, Type: typ, Timeout: d.Timeout})
	}
	return spec, nil
}

func parseDependencyType(s string) (scheduler.DependencyType, error) {
	if s == "" {
		return scheduler.DependencyRequires, nil
	}
	for _, typ := range dependencyTypes {
		if strings.EqualFold(s, string(typ)) {
			return typ, nil
		}
	}
	return "", fmt.Errorf("unknown dependency type %q", s)
}
