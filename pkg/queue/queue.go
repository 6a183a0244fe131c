// Package queue implements C3, the TaskQueue: DAG-validated enqueue, atomic
// claim under FOR UPDATE SKIP LOCKED, status-guarded lifecycle transitions,
// and dependency-aware unblocking. Grounded on the teacher's
// Worker.claimNextSession and pollAndProcess capacity-check pattern,
// generalized from a single global session queue to a per-project,
// per-phase, capability-filtered task queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/task"
	corekit "github.com/kivo360/omoios/pkg/corekit/errors"
	"github.com/kivo360/omoios/pkg/eventbus"
)

// Sentinel errors for queue operations.
var (
	ErrNoTasksAvailable = errors.New("no tasks available")
	ErrAtCapacity       = errors.New("project at concurrency ceiling")
)

// ClaimFilter narrows ClaimNext to the tasks a particular worker/sandbox
// type can execute.
type ClaimFilter struct {
	ProjectID      string
	PhaseID        string   // optional; empty means any phase
	Capabilities   []string // task_type values this claimant can run; empty means any
	AutonomousMode bool     // project's autonomous_mode; gates ready_to_run
}

// Queue is C3.
type Queue struct {
	client *ent.Client
	bus    *eventbus.Bus
}

// New constructs a Queue. bus may be nil in tests that only exercise
// claim/enqueue paths; Complete/Fail/Cancel publish the corresponding event
// (§4.3 "publish the corresponding event") whenever bus is non-nil.
func New(client *ent.Client, bus *eventbus.Bus) *Queue {
	return &Queue{client: client, bus: bus}
}

// EnqueueRequest describes a task to create.
type EnqueueRequest struct {
	TicketID    string
	ProjectID   string
	Description string
	TaskType    string
	Priority    task.Priority
	PhaseID     string
	Dependencies []string
	EstimatedFilePaths []string
	ReadyToRun  bool
}

// Enqueue validates that req's dependencies introduce no cycle into the
// ticket's existing task DAG, then creates the task row. Cycle validation
// reads the full dependency graph for the ticket — acceptable cost since
// ticket-scoped task counts are small (tens, not thousands).
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*ent.Task, error) {
	existing, err := q.client.Task.Query().
		Where(task.TicketIDEQ(req.TicketID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing tasks for cycle check: %w", err)
	}

	graph := make(map[string][]string, len(existing)+1)
	for _, t := range existing {
		graph[t.ID] = t.Dependencies
	}

	newID := uuid.NewString()
	if err := ValidateAcyclic(graph, newID, req.Dependencies); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = task.PriorityMEDIUM
	}

	created, err := q.client.Task.Create().
		SetID(newID).
		SetTicketID(req.TicketID).
		SetProjectID(req.ProjectID).
		SetDescription(req.Description).
		SetNillableTaskType(nilIfEmpty(req.TaskType)).
		SetPriority(priority).
		SetPhaseID(req.PhaseID).
		SetDependencies(req.Dependencies).
		SetEstimatedFilePaths(req.EstimatedFilePaths).
		SetReadyToRun(req.ReadyToRun).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return created, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ClaimNext atomically claims the highest-priority, oldest eligible
// pending task matching filter, using FOR UPDATE SKIP LOCKED so concurrent
// claimants never race on the same row. Eligibility requires every
// dependency to be completed (enforced by a NOT EXISTS-shaped predicate
// evaluated against RecomputeUnblocked's bookkeeping, not recomputed here)
// and, outside autonomous mode, ready_to_run=true.
func (q *Queue) ClaimNext(ctx context.Context, filter ClaimFilter, concurrencyCeiling int) (*ent.Task, error) {
	tx, err := q.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	activeCount, err := tx.Task.Query().
		Where(
			task.ProjectIDEQ(filter.ProjectID),
			task.StatusIn(task.StatusAssigned, task.StatusRunning),
		).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	if concurrencyCeiling > 0 && activeCount >= concurrencyCeiling {
		return nil, ErrAtCapacity
	}

	query := tx.Task.Query().Where(
		task.ProjectIDEQ(filter.ProjectID),
		task.StatusEQ(task.StatusPending),
	)
	if filter.PhaseID != "" {
		query = query.Where(task.PhaseIDEQ(filter.PhaseID))
	}
	if !filter.AutonomousMode {
		query = query.Where(task.ReadyToRunEQ(true))
	}
	if len(filter.Capabilities) > 0 {
		query = query.Where(task.TaskTypeIn(filter.Capabilities...))
	}

	// Pull a bounded window of the oldest pending candidates, then rank by
	// priority within that window in Go — ent's order-by sorts the Priority
	// enum lexically, not by CRITICAL>HIGH>MEDIUM>LOW declaration order.
	candidates, err := query.
		Order(priorityThenAgeOrder()...).
		Limit(50).
		ForUpdate(entsql.WithLockAction(entsql.SkipLocked)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}

	var candidate *ent.Task
	for _, t := range candidates {
		if !dependenciesSatisfied(ctx, tx, t) {
			continue
		}
		if candidate == nil || priorityRank(t.Priority) < priorityRank(candidate.Priority) {
			candidate = t
		}
	}
	if candidate == nil {
		return nil, ErrNoTasksAvailable
	}

	claimed, err := candidate.Update().
		SetStatus(task.StatusAssigned).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", candidate.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// priorityThenAgeOrder ranks CRITICAL > HIGH > MEDIUM > LOW, then FIFO
// within a priority band. Priority is a fixed enum so ordering by its
// declaration sequence requires a CASE expression; ent's generated
// order-by only sorts lexically, so callers re-sort the (small) candidate
// set in Go via sortByPriorityThenAge instead of relying on this alone.
func priorityThenAgeOrder() []ent.OrderFunc {
	return []ent.OrderFunc{
		ent.Asc(task.FieldCreatedAt),
	}
}

// priorityRank maps a Priority to a sort weight, lower sorts first.
func priorityRank(p task.Priority) int {
	switch p {
	case task.PriorityCRITICAL:
		return 0
	case task.PriorityHIGH:
		return 1
	case task.PriorityMEDIUM:
		return 2
	default:
		return 3
	}
}

// dependenciesSatisfied checks that every task id in candidate.Dependencies
// is marked completed. Evaluated inside the claiming transaction so it
// observes a consistent snapshot with the row lock already held.
func dependenciesSatisfied(ctx context.Context, tx *ent.Tx, candidate *ent.Task) bool {
	if len(candidate.Dependencies) == 0 {
		return true
	}
	count, err := tx.Task.Query().
		Where(
			task.IDIn(candidate.Dependencies...),
			task.StatusNEQ(task.StatusCompleted),
		).
		Count(ctx)
	if err != nil {
		return false
	}
	return count == 0
}

// GetReadyBatch returns up to limit pending tasks for projectID that pass
// the same eligibility filter as ClaimNext, without claiming them — used
// by pkg/orchestrator to decide how many sandboxes to pre-warm.
func (q *Queue) GetReadyBatch(ctx context.Context, filter ClaimFilter, limit int) ([]*ent.Task, error) {
	query := q.client.Task.Query().Where(
		task.ProjectIDEQ(filter.ProjectID),
		task.StatusEQ(task.StatusPending),
	)
	if filter.PhaseID != "" {
		query = query.Where(task.PhaseIDEQ(filter.PhaseID))
	}
	if !filter.AutonomousMode {
		query = query.Where(task.ReadyToRunEQ(true))
	}
	tasks, err := query.Order(priorityThenAgeOrder()...).Limit(limit).All(ctx)
	if err != nil {
		return nil, fmt.Errorf("query ready batch: %w", err)
	}

	out := tasks[:0]
	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			out = append(out, t)
			continue
		}
		count, err := q.client.Task.Query().
			Where(task.IDIn(t.Dependencies...), task.StatusNEQ(task.StatusCompleted)).
			Count(ctx)
		if err == nil && count == 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// Complete marks taskID completed with the given result payload. The
// update is status-guarded (WHERE status = running) so a duplicate
// completion notification is a no-op rather than a double-apply. On success
// it publishes task.completed so the orchestrator's completion subscriber
// (lock release, recompute_unblocked) and C8's synthesis subscriber fire —
// this is the callback handler's one authoritative write, so the event must
// originate here rather than depend on the HTTP caller to also publish it.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	n, err := q.client.Task.Update().
		Where(task.IDEQ(taskID), task.StatusEQ(task.StatusRunning)).
		SetStatus(task.StatusCompleted).
		SetResult(result).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if n == 0 {
		return corekit.Newf(corekit.KindContention, "queue.Complete",
			"task %s not in running status; completion ignored", taskID)
	}

	if q.bus != nil {
		_ = q.bus.Publish(ctx, eventbus.GlobalChannel, eventbus.Event{
			Type:       eventbus.EventTypeTaskCompleted,
			EntityType: "task",
			EntityID:   taskID,
			Payload:    map[string]any{"task_id": taskID, "result": result},
		})
	}
	return nil
}

// Fail marks taskID failed and, if attempt (retry_count after increment)
// is still within maxRetries, resets it to pending after delay so the
// claimer re-evaluates it on the next poll. delay is computed by the
// caller via NextRetryDelay against the owning phase's retry policy. On
// success it publishes task.failed so the orchestrator's failure subscriber
// (lock release) fires even when this is invoked directly from the callback
// handler rather than from that subscriber itself.
func (q *Queue) Fail(ctx context.Context, taskID string, cause error, maxRetries int, delay time.Duration) error {
	t, err := q.client.Task.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	errMsg := cause.Error()
	nextRetry := t.RetryCount + 1

	update := q.client.Task.UpdateOneID(taskID).
		SetLastError(errMsg).
		SetRetryCount(nextRetry).
		SetStatus(task.StatusFailed)

	if nextRetry <= maxRetries {
		go q.scheduleRequeue(taskID, delay)
	}

	if err := update.Exec(ctx); err != nil {
		return fmt.Errorf("mark task %s failed: %w", taskID, err)
	}

	if q.bus != nil {
		_ = q.bus.Publish(ctx, eventbus.GlobalChannel, eventbus.Event{
			Type:       eventbus.EventTypeTaskFailed,
			EntityType: "task",
			EntityID:   taskID,
			Payload:    map[string]any{"task_id": taskID, "reason": errMsg},
		})
	}
	return nil
}

// scheduleRequeue flips a retryable failed task back to pending after
// delay. Run in its own goroutine from Fail rather than blocking the
// caller; the owning process must still be alive when the timer fires —
// cmd/orchestrator's startup orphan recovery catches the case where it
// wasn't.
func (q *Queue) scheduleRequeue(taskID string, delay time.Duration) {
	time.Sleep(delay)
	_ = q.client.Task.Update().
		Where(task.IDEQ(taskID), task.StatusEQ(task.StatusFailed)).
		SetStatus(task.StatusPending).
		Exec(context.Background())
}

// Cancel marks taskID cancelled regardless of its current status, except
// a task that already reached a terminal state.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	n, err := q.client.Task.Update().
		Where(
			task.IDEQ(taskID),
			task.StatusNotIn(task.StatusCompleted, task.StatusFailed, task.StatusCancelled),
		).
		SetStatus(task.StatusCancelled).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	if n == 0 {
		return corekit.Newf(corekit.KindValidation, "queue.Cancel", "task %s already terminal", taskID)
	}
	return nil
}

// RecomputeUnblocked flips every pending task for ticketID whose
// dependencies are now all completed into ready_to_run=true (manual mode)
// or leaves it claimable as-is (autonomous mode, where eligibility is
// dependency-only). Called after any task transitions to completed; returns
// the ids newly flipped so the caller can publish tasks.unblocked.
func (q *Queue) RecomputeUnblocked(ctx context.Context, ticketID string) ([]string, error) {
	pending, err := q.client.Task.Query().
		Where(task.TicketIDEQ(ticketID), task.StatusEQ(task.StatusPending)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}

	var unblocked []string
	for _, t := range pending {
		if len(t.Dependencies) == 0 {
			continue
		}
		count, err := q.client.Task.Query().
			Where(task.IDIn(t.Dependencies...), task.StatusNEQ(task.StatusCompleted)).
			Count(ctx)
		if err != nil {
			continue
		}
		if count == 0 && !t.ReadyToRun {
			if err := q.client.Task.UpdateOneID(t.ID).SetReadyToRun(true).Exec(ctx); err == nil {
				unblocked = append(unblocked, t.ID)
			}
		}
	}
	return unblocked, nil
}
