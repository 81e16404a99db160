package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/star64ccs/CardStrategy-sub006/internal/config"
)

// WorkflowManager spawns follow-up tasks based on workflow configuration.
// When a task completes, it checks whether the task's type is a step in any
// configured workflow, and if so, adds the next step's task to the graph.
type WorkflowManager struct {
	graph     *Graph
	workflows map[string]config.WorkflowConfig // workflow name -> config
}

// NewWorkflowManager creates a new WorkflowManager.
func NewWorkflowManager(graph *Graph, workflows map[string]config.WorkflowConfig) *WorkflowManager {
	return &WorkflowManager{
		graph:     graph,
		workflows: workflows,
	}
}

// OnTaskCompleted creates the follow-up tasks for a completed task and
// returns their IDs. Each follow-up REQUIRES the completed task, inherits
// its resources and payload, and receives its result as "previousResult".
// A follow-up that already exists is left alone.
func (wm *WorkflowManager) OnTaskCompleted(completed *Task) ([]string, error) {
	var created []string

	for _, name := range wm.names() {
		workflow := wm.workflows[name]
		stepIndex := findStepIndex(workflow, completed.Type)
		if stepIndex == -1 || stepIndex >= len(workflow.Steps)-1 {
			continue
		}

		next := workflow.Steps[stepIndex+1]
		payload := copyPayload(completed.Payload)
		if payload == nil {
			payload = make(map[string]any)
		}
		payload["previousResult"] = completed.Result
		payload["workflow"] = name

		priority := completed.Priority
		if next.Priority != "" {
			p, err := ParsePriority(next.Priority)
			if err != nil {
				return created, fmt.Errorf("workflow %q step %q: %w", name, next.Type, err)
			}
			priority = p
		}

		id, err := wm.graph.AddTask(Spec{
			ID:           fmt.Sprintf("%s-%s", completed.ID, next.Type),
			Type:         next.Type,
			Name:         fmt.Sprintf("Follow-up: %s after %s", next.Type, completed.ID),
			Priority:     priority,
			Dependencies: []Dependency{{TaskID: completed.ID, Type: DependencyRequires}},
			Resources:    completed.Resources,
			Payload:      payload,
			MaxRetries:   next.MaxRetries,
		})
		if errors.Is(err, ErrDuplicateTask) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to add follow-up task for workflow %q: %w", name, err)
		}
		created = append(created, id)
	}

	return created, nil
}

// FindWorkflow returns the workflow name, config, and step index for a task type.
// Returns an empty name if no workflow contains the type.
func (wm *WorkflowManager) FindWorkflow(taskType string) (string, *config.WorkflowConfig, int) {
	for _, name := range wm.names() {
		workflow := wm.workflows[name]
		if idx := findStepIndex(workflow, taskType); idx != -1 {
			return name, &workflow, idx
		}
	}
	return "", nil, -1
}

func (wm *WorkflowManager) names() []string {
	names := make([]string, 0, len(wm.workflows))
	for name := range wm.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func findStepIndex(workflow config.WorkflowConfig, taskType string) int {
	for i, step := range workflow.Steps {
		if step.Type == taskType {
			return i
		}
	}
	return -1
}
