package main

import (
	"strings"
	"testing"
	"time"

	"github.com/star64ccs/CardStrategy-sub006/internal/scheduler"
)

const samplePlan = `
tasks:
  - id: deploy
    type: shell
    priority: high
    requires: [test]
    depends_on:
      - task: lint
        type: optional
    payload:
      command: ./deploy.sh
      env:
        STAGE: prod
  - id: test
    type: shell
    timeout: 90s
    max_retries: 2
    requires: [build]
    payload:
      command: go test ./...
  - id: lint
    type: noop
  - id: build
    type: sleep
    name: Build it
    estimate: 2s
    resources: [cpu]
    payload:
      duration: 1s
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	specs, err := plan.Specs()
	if err != nil {
		t.Fatalf("Specs: %v", err)
	}
	if len(specs) != 4 {
		t.Fatalf("got %d specs, want 4", len(specs))
	}

	pos := make(map[string]int)
	byID := make(map[string]scheduler.Spec)
	for i, s := range specs {
		pos[s.ID] = i
		byID[s.ID] = s
	}
	for _, edge := range [][2]string{{"build", "test"}, {"test", "deploy"}, {"lint", "deploy"}} {
		if pos[edge[0]] > pos[edge[1]] {
			t.Errorf("%s ordered after its dependent %s: %v", edge[0], edge[1], pos)
		}
	}

	deploy := byID["deploy"]
	if deploy.Priority != scheduler.PriorityHigh {
		t.Errorf("deploy priority = %s", deploy.Priority)
	}
	if deploy.Name != "deploy" {
		t.Errorf("deploy name = %q, want id as default", deploy.Name)
	}
	wantDeps := []scheduler.Dependency{
		{TaskID: "test", Type: scheduler.DependencyRequires},
		{TaskID: "lint", Type: scheduler.DependencyOptional},
	}
	if len(deploy.Dependencies) != len(wantDeps) {
		t.Fatalf("deploy deps = %+v", deploy.Dependencies)
	}
	for i, d := range wantDeps {
		if got := deploy.Dependencies[i]; got.TaskID != d.TaskID || got.Type != d.Type {
			t.Errorf("dep %d = %+v, want %+v", i, got, d)
		}
	}
	env, ok := deploy.Payload["env"].(map[string]any)
	if !ok || env["STAGE"] != "prod" {
		t.Errorf("deploy env = %#v", deploy.Payload["env"])
	}

	test := byID["test"]
	if test.Timeout != 90*time.Second || test.MaxRetries != 2 {
		t.Errorf("test timeout=%v retries=%d", test.Timeout, test.MaxRetries)
	}
	build := byID["build"]
	if build.Name != "Build it" || build.EstimatedDuration != 2*time.Second || len(build.Resources) != 1 {
		t.Errorf("build = %+v", build)
	}
}

func TestParsePlanJSON(t *testing.T) {
	plan, err := ParsePlan([]byte(`{"tasks": [{"id": "a", "type": "noop"}, {"id": "b", "type": "noop", "requires": ["a"]}]}`))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	specs, err := plan.Specs()
	if err != nil {
		t.Fatalf("Specs: %v", err)
	}
	if specs[0].ID != "a" || specs[1].ID != "b" {
		t.Errorf("order = %s, %s", specs[0].ID, specs[1].ID)
	}
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want string
	}{
		{"empty", `tasks: []`, "no tasks"},
		{"missing id", "tasks:\n  - type: noop", "id is required"},
		{"missing type", "tasks:\n  - id: a", "type is required"},
		{"duplicate", "tasks:\n  - {id: a, type: noop}\n  - {id: a, type: noop}", "duplicate id"},
		{"malformed", "tasks: [", "parsing plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.plan))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestPlanSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want string
	}{
		{"bad priority", "tasks:\n  - {id: a, type: noop, priority: urgent}", "unknown priority"},
		{"bad dependency type", "tasks:\n  - {id: a, type: noop}\n  - {id: b, type: noop, depends_on: [{task: a, type: after}]}", "unknown dependency type"},
		{"cycle", "tasks:\n  - {id: a, type: noop, requires: [b]}\n  - {id: b, type: noop, requires: [a]}", "ordering plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParsePlan([]byte(tt.plan))
			if err != nil {
				t.Fatalf("ParsePlan: %v", err)
			}
			_, err = plan.Specs()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDependencyOutsidePlanKeptAsIs(t *testing.T) {
	plan, err := ParsePlan([]byte("tasks:\n  - {id: b, type: noop, requires: [stored]}"))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	specs, err := plan.Specs()
	if err != nil {
		t.Fatalf("Specs: %v", err)
	}
	if len(specs) != 1 || specs[0].Dependencies[0].TaskID != "stored" {
		t.Errorf("specs = %+v", specs)
	}
}
