package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/buildcache/pkg/cache"
	"github.com/openfroyo/buildcache/pkg/graph"
	"github.com/openfroyo/buildcache/pkg/problems"
)

// Task is one unit of work in the task graph.
type Task struct {
	// ID is the task path, for example ":app:compile".
	ID string `json:"id"`

	// Project owns the task.
	Project string `json:"project"`

	// DependsOn lists tasks that must succeed first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Uses lists the shared services the task holds while it runs.
	Uses []string `json:"uses,omitempty"`

	// Work is how long the task body takes.
	Work time.Duration `json:"work,omitempty"`

	// MaxRetries is the number of retries for retryable failures.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// TaskResult captures the outcome of executing one task.
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	Status      TaskStatus    `json:"status"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       *EngineError  `json:"error,omitempty"`
}

// TaskGraph is a validated set of tasks with their execution levels.
type TaskGraph struct {
	tasks map[string]*Task
	order []string
	graph *graph.Graph
}

// NewTaskGraph builds the graph. Every dependency must be part of tasks.
func NewTaskGraph(tasks []*Task) (*TaskGraph, error) {
	nodes := make([]graph.Node, 0, len(tasks))
	byID := make(map[string]*Task, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, graph.Node{ID: t.ID, Dependencies: t.DependsOn})
		byID[t.ID] = t
		order = append(order, t.ID)
	}

	g, err := graph.Build(nodes)
	if err != nil {
		return nil, NewPermanentError("invalid task graph", err).WithCode(ErrCodeValidation)
	}

	return &TaskGraph{tasks: byID, order: order, graph: g}, nil
}

// Task returns the task with the given ID.
func (g *TaskGraph) Task(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int {
	return len(g.order)
}

// Depth returns the number of execution levels.
func (g *TaskGraph) Depth() int {
	return g.graph.Depth()
}

// Level returns the tasks of one execution level in configuration order.
func (g *TaskGraph) Level(level int) []*Task {
	if level < 0 || level >= len(g.graph.Levels) {
		return nil
	}
	ids := append([]string(nil), g.graph.Levels[level]...)
	pos := make(map[string]int, len(g.order))
	for i, id := range g.order {
		pos[id] = i
	}
	sort.Slice(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, g.tasks[id])
	}
	return tasks
}

// DOT renders the graph in Graphviz format, one cluster per level.
func (g *TaskGraph) DOT(name string) string {
	return g.graph.ToDOT(name)
}

// LevelOf returns the execution level of a task.
func (g *TaskGraph) LevelOf(id string) int {
	return g.graph.Level[id]
}

// RunSummary counts task outcomes.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunResult is the outcome of executing a task graph.
type RunResult struct {
	Results  map[string]*TaskResult `json:"results"`
	Summary  RunSummary             `json:"summary"`
	Duration time.Duration          `json:"duration"`
}

// Failed returns the IDs of failed tasks, sorted.
func (r *RunResult) Failed() []string {
	var ids []string
	for id, res := range r.Results {
		if res.Status == TaskStatusFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SessionResult is what a finished session reports.
type SessionResult struct {
	ID         string           `json:"id"`
	EntryKey   string           `json:"entry_key"`
	Action     cache.Action     `json:"-"`
	Decision   string           `json:"decision"`
	Status     SessionStatus    `json:"status"`
	StatusLine string           `json:"status_line"`
	Problems   problems.Summary `json:"-"`
	Run        *RunResult       `json:"run,omitempty"`
	Configured []string         `json:"configured,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

func (r *SessionResult) String() string {
	return fmt.Sprintf("session %s: %s (%s)", r.ID, r.Status, r.StatusLine)
}
