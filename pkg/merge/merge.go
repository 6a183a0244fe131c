// Package merge implements C9, the ConvergenceMerger. It subscribes to
// coordination.synthesis.completed and is itself responsible for preparing
// the workspace the merge runs in — historically the weak spot this
// component exists to close, per the teacher-style requirement that a
// handler never assume its environment already exists.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/joinregistration"
	"github.com/kivo360/omoios/ent/mergeattempt"
	"github.com/kivo360/omoios/ent/sandbox"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/pkg/eventbus"
	"github.com/kivo360/omoios/pkg/redact"
	sandboxpkg "github.com/kivo360/omoios/pkg/sandbox"
)

// ConflictResolver reconciles one source task's branch into the
// continuation branch inside the given workspace. Implementations wrap
// whatever external merge tool performs the actual git-level work; this
// package only sequences calls to it and logs the outcome.
type ConflictResolver interface {
	Resolve(ctx context.Context, workspacePath, targetBranch, sourceBranch string) (resolved bool, detail string, err error)
}

// Merger is C9.
type Merger struct {
	client      *ent.Client
	sandboxes   *sandboxpkg.Spawner
	resolver    ConflictResolver
	bus         *eventbus.Bus
	maxAttempts int
	log         *slog.Logger
}

// Config controls Merger behavior.
type Config struct {
	MaxAttemptsPerSource int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{MaxAttemptsPerSource: 3}
}

// New constructs a Merger.
func New(client *ent.Client, sandboxes *sandboxpkg.Spawner, resolver ConflictResolver, bus *eventbus.Bus, cfg Config, log *slog.Logger) *Merger {
	if cfg.MaxAttemptsPerSource <= 0 {
		cfg.MaxAttemptsPerSource = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Merger{client: client, sandboxes: sandboxes, resolver: resolver, bus: bus, maxAttempts: cfg.MaxAttemptsPerSource, log: log}
}

// Start subscribes to coordination.synthesis.completed.
func (m *Merger) Start() error {
	return m.bus.Subscribe(eventbus.EventTypeSynthesisDone, m.onSynthesisCompleted)
}

func (m *Merger) onSynthesisCompleted(ctx context.Context, evt eventbus.Event) error {
	continuationTaskID, _ := evt.Payload["continuation_task_id"].(string)
	if continuationTaskID == "" {
		return nil
	}
	return m.MergeContinuation(ctx, continuationTaskID)
}

// MergeContinuation reconciles every source task branch belonging to
// continuationTaskID's join into the continuation branch, one source at a
// time in deterministic (priority, id) order.
func (m *Merger) MergeContinuation(ctx context.Context, continuationTaskID string) error {
	jr, err := m.client.JoinRegistration.Query().
		Where(joinregistration.ContinuationTaskIDEQ(continuationTaskID)).
		Order(ent.Desc(joinregistration.FieldCreatedAt)).
		First(ctx)
	if err != nil {
		return fmt.Errorf("merge: load join for continuation %s: %w", continuationTaskID, err)
	}

	continuation, err := m.client.Task.Get(ctx, continuationTaskID)
	if err != nil {
		return fmt.Errorf("merge: load continuation task: %w", err)
	}

	sources, err := m.loadSourcesOrdered(ctx, jr.SourceTaskIDs)
	if err != nil {
		return err
	}

	mergeSandbox, err := m.sandboxes.CreateMergeSandbox(ctx, continuationTaskID, continuation.TicketID, sandbox.TypeLocal)
	if err != nil {
		return fmt.Errorf("merge: create merge sandbox: %w", err)
	}

	for _, src := range sources {
		ok, err := m.mergeOneSource(ctx, mergeSandbox, continuation, src)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = m.client.Task.UpdateOneID(continuationTaskID).
				SetStatus(task.StatusBlocked).
				SetLastError("merge-conflict").
				Save(ctx)
			_ = m.publish(ctx, eventbus.EventTypeMergeFailed, continuationTaskID, map[string]any{
				"source_task_id": src.ID,
				"reason":         "merge-conflict",
			})
			_ = m.sandboxes.Terminate(ctx, mergeSandbox.ID)
			return nil
		}
	}

	_ = m.publish(ctx, eventbus.EventTypeMergeSucceeded, continuationTaskID, map[string]any{
		"source_task_ids": jr.SourceTaskIDs,
	})
	return m.sandboxes.Terminate(ctx, mergeSandbox.ID)
}

// mergeOneSource merges a single source task's branch into the
// continuation branch, retrying the conflict resolver up to maxAttempts
// and logging every attempt to the append-only merge_attempts log.
func (m *Merger) mergeOneSource(ctx context.Context, ws *ent.Sandbox, continuation, source *ent.Task) (bool, error) {
	var lastDetail string
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		resolved, detail, err := m.resolver.Resolve(ctx, ws.WorkspacePath, ws.BranchName, fmt.Sprintf("task/%s", source.ID))
		status := mergeattempt.StatusConflict
		if err != nil {
			status = mergeattempt.StatusError
			detail = err.Error()
		} else if resolved {
			status = mergeattempt.StatusSucceeded
		}

		if logErr := m.logAttempt(ctx, continuation.ID, source.ID, attempt, status, redact.Text(detail), ws.ID); logErr != nil {
			m.log.Error("merge: failed to log attempt", "error", logErr)
		}

		if status == mergeattempt.StatusSucceeded {
			return true, nil
		}
		lastDetail = detail
	}
	m.log.Warn("merge: source could not be reconciled", "source_task_id", source.ID, "continuation_task_id", continuation.ID, "detail", lastDetail)
	return false, nil
}

func (m *Merger) logAttempt(ctx context.Context, continuationTaskID, sourceTaskID string, attempt int, status mergeattempt.Status, detail, sandboxID string) error {
	_, err := m.client.MergeAttempt.Create().
		SetID(uuid.NewString()).
		SetContinuationTaskID(continuationTaskID).
		SetSourceTaskID(sourceTaskID).
		SetAttemptNumber(attempt).
		SetStatus(status).
		SetNillableDetail(nilIfEmpty(detail)).
		SetSandboxID(sandboxID).
		Save(ctx)
	return err
}

// loadSourcesOrdered fetches source tasks and sorts them by (priority
// severity, id) so merge order is identical regardless of completion order.
func (m *Merger) loadSourcesOrdered(ctx context.Context, ids []string) ([]*ent.Task, error) {
	tasks := make([]*ent.Task, 0, len(ids))
	for _, id := range ids {
		t, err := m.client.Task.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("merge: load source task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		pi, pj := priorityRank(tasks[i].Priority), priorityRank(tasks[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

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

func (m *Merger) publish(ctx context.Context, evtType, continuationTaskID string, payload map[string]any) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Publish(ctx, eventbus.GlobalChannel, eventbus.Event{
		Type:       evtType,
		EntityType: "task",
		EntityID:   continuationTaskID,
		Payload:    payload,
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
