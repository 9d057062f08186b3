// Package plan implements the Plan Service (spec §4.4): DAG task
// validation, approval, dependency-gated spawning, and completion
// detection. Grounded on the teacher's server/hitl.go cascade-resolution
// pattern and server/reviewloop.go's phase-constant state machine style,
// generalized from a human-in-the-loop workflow phase enum onto a
// task-DAG execution phase enum.
package plan

import (
	"encoding/json"
	"fmt"
)

// Status is one of the six plan lifecycle states from spec §3.
type Status string

const (
	StatusPlanning Status = "planning"
	StatusReady    Status = "ready"
	StatusApproved Status = "approved"
	StatusExecuting Status = "executing"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Scope is a Task's declared size, spec §3: "scope {small, medium}".
type Scope string

const (
	ScopeSmall  Scope = "small"
	ScopeMedium Scope = "medium"
)

// Task is one DAG node of a Plan (spec §3).
type Task struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Scope             Scope    `json:"scope"`
	Dependencies      []string `json:"dependencies,omitempty"`
	AffectedFiles     []string `json:"affectedFiles,omitempty"`
	Constraints       []string `json:"constraints,omitempty"`
	SharedContext     string   `json:"sharedContext,omitempty"`

	// Populated on approval (spec §3: "on approval: issue number/URL and
	// session id").
	IssueID   string `json:"issueId,omitempty"`
	IssueURL  string `json:"issueUrl,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// IssueError records a per-task tracker failure during approval so the
	// plan can continue past it (spec §4.4: "continues on per-task
	// failure, recording the error").
	IssueError string `json:"issueError,omitempty"`
}

// HasSession reports whether this task has already been spawned.
func (t *Task) HasSession() bool { return t.SessionID != "" }

// Plan is a feature broken into a DAG of Tasks (spec §3).
type Plan struct {
	ID               string `json:"id"`
	ProjectID        string `json:"projectId"`
	Status           Status `json:"status"`
	Tasks            []Task `json:"tasks"`
	PlanningSessionID string `json:"planningSessionId,omitempty"`
}

// TaskByID returns a pointer into p.Tasks for id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Marshal renders the plan as indented JSON for the plans/<id>.json record
// (spec §3 directory layout).
func (p *Plan) Marshal() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Unmarshal parses a plans/<id>.json record.
func Unmarshal(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plan: failed to parse plan record: %w", err)
	}
	return &p, nil
}

// Validate checks the acyclic-DAG invariant from spec §3/§4.4 via Kahn's
// algorithm, and that every dependency references a task that actually
// exists in the plan. Standalone and independently testable, used both at
// plan-write time and before approvePlan so a malformed plan is rejected
// before any tracker issue is created.
func Validate(p *Plan) error {
	byID := make(map[string]*Task, len(p.Tasks))
	for i := range p.Tasks {
		byID[p.Tasks[i].ID] = &p.Tasks[i]
	}

	inDegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("plan: task %q depends on unknown task %q", t.ID, dep)
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(p.Tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(p.Tasks) {
		return fmt.Errorf("plan: task dependency graph contains a cycle")
	}
	return nil
}
