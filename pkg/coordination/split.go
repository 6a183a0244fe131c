// Package coordination implements C7 (split/sync/join) and C8
// (SynthesisService). Split's dispatch bookkeeping is a direct
// generalization of the teacher's SubAgentRunner
// (pkg/agent/orchestrator/runner.go): a concurrency-capped dispatch table
// keyed by child task id, a buffered results channel sized to the
// concurrency cap, and a reservation counter that closes the
// check-then-register TOCTOU race between concurrent Split calls.
package coordination

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/pkg/queue"
)

// ErrAtConcurrencyLimit is returned by Split when the project's
// concurrency ceiling would be exceeded by admitting another child task.
var ErrAtConcurrencyLimit = fmt.Errorf("coordination: at concurrency limit")

// ChildResult is delivered on SplitGroup.Results() as each child task
// reaches a terminal state.
type ChildResult struct {
	TaskID string
	Status string // "completed" or "failed"
	Result map[string]any
	Err    error
}

// childHandle tracks one dispatched child task's lifecycle.
type childHandle struct {
	taskID string
	done   chan struct{}
	status atomic.Value // string
}

// SplitGroup is the fan-out handle returned by Split: a set of sibling
// child tasks spawned from one parent, whose completions are delivered on
// a single results channel for SyncPoint/RegisterJoin to consume.
type SplitGroup struct {
	mu        sync.Mutex
	children  map[string]*childHandle
	resultsCh chan ChildResult
	pending   int32
	reserved  int32
	limit     int32
}

// Split creates len(specs) child tasks under parentTicketID, subject to
// limit concurrently-pending children (mirrors SubAgentRunner's
// MaxConcurrentAgents reservation pattern). Each spec becomes one Enqueue
// call against q; Split does not itself claim or run the tasks — that is
// pkg/orchestrator's job once they reach pending/ready state.
type ChildSpec struct {
	Description        string
	TaskType           string
	Priority           string
	EstimatedFilePaths []string
}

// NewSplitGroup constructs an empty group sized for limit concurrent
// children.
func NewSplitGroup(limit int) *SplitGroup {
	if limit <= 0 {
		limit = 1
	}
	return &SplitGroup{
		children:  make(map[string]*childHandle),
		resultsCh: make(chan ChildResult, limit),
		limit:     int32(limit),
	}
}

// Split enqueues specs as child tasks of parentTicketID via q, honoring
// the group's concurrency reservation the same way SubAgentRunner.Dispatch
// reserves a slot before the create call that might race another Split.
func (g *SplitGroup) Split(ctx context.Context, q *queue.Queue, parentTicketID, projectID, phaseID string, specs []ChildSpec) ([]*ent.Task, error) {
	out := make([]*ent.Task, 0, len(specs))
	for _, spec := range specs {
		if err := g.reserve(); err != nil {
			return out, err
		}

		t, err := q.Enqueue(ctx, queue.EnqueueRequest{
			TicketID:           parentTicketID,
			ProjectID:          projectID,
			Description:        spec.Description,
			TaskType:           spec.TaskType,
			PhaseID:            phaseID,
			EstimatedFilePaths: spec.EstimatedFilePaths,
			ReadyToRun:         true,
		})
		if err != nil {
			g.release()
			return out, fmt.Errorf("split: enqueue child: %w", err)
		}

		g.register(t.ID)
		out = append(out, t)
	}
	return out, nil
}

func (g *SplitGroup) reserve() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int32(len(g.children))+g.reserved >= g.limit {
		return ErrAtConcurrencyLimit
	}
	g.reserved++
	return nil
}

func (g *SplitGroup) release() {
	g.mu.Lock()
	g.reserved--
	g.mu.Unlock()
}

func (g *SplitGroup) register(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserved--
	g.children[taskID] = &childHandle{taskID: taskID, done: make(chan struct{})}
	atomic.AddInt32(&g.pending, 1)
}

// Notify records a child task's terminal result and delivers it on
// Results(). Called by pkg/orchestrator's completion subscriber.
func (g *SplitGroup) Notify(result ChildResult) {
	g.mu.Lock()
	h, ok := g.children[result.TaskID]
	g.mu.Unlock()
	if !ok {
		return
	}
	h.status.Store(result.Status)
	close(h.done)
	atomic.AddInt32(&g.pending, -1)
	g.resultsCh <- result
}

// Results returns the channel of terminal child results.
func (g *SplitGroup) Results() <-chan ChildResult { return g.resultsCh }

// Pending reports how many children have not yet reached a terminal state.
func (g *SplitGroup) Pending() int { return int(atomic.LoadInt32(&g.pending)) }

// ChildIDs returns every child task id dispatched by this group.
func (g *SplitGroup) ChildIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.children))
	for id := range g.children {
		ids = append(ids, id)
	}
	return ids
}
