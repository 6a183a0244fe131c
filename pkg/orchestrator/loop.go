// Package orchestrator implements C11, the OrchestratorLoop: a worker pool
// that claims ready tasks and drives them through join registration,
// merge-before-spawn, lock acquisition, and sandbox spawning, grounded
// directly on the teacher's queue.Worker.run/pollAndProcess. A second
// goroutine subscribes to task completion/failure events and drives
// unblocking, lock release, and retry — mirroring the teacher's split
// between the poll loop and runHeartbeat.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/joinregistration"
	"github.com/kivo360/omoios/ent/resourcelock"
	"github.com/kivo360/omoios/ent/sandbox"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/pkg/coordination"
	corekit "github.com/kivo360/omoios/pkg/corekit/errors"
	"github.com/kivo360/omoios/pkg/eventbus"
	"github.com/kivo360/omoios/pkg/lockmanager"
	"github.com/kivo360/omoios/pkg/merge"
	"github.com/kivo360/omoios/pkg/queue"
	"github.com/kivo360/omoios/pkg/redact"
	sandboxpkg "github.com/kivo360/omoios/pkg/sandbox"
)

// Config controls Loop behavior.
type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

// DefaultConfig returns sane defaults, mirroring the teacher's
// Default*Config constructors.
func DefaultConfig() Config {
	return Config{WorkerCount: 4, PollInterval: 500 * time.Millisecond, ErrorBackoff: time.Second}
}

// Loop is C11.
type Loop struct {
	client    *ent.Client
	q         *queue.Queue
	locks     *lockmanager.Manager
	sandboxes *sandboxpkg.Spawner
	joins     *coordination.JoinService
	merger    *merge.Merger
	bus       *eventbus.Bus
	cfg       Config
	log       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Loop. merger may be nil only in tests that never claim a
// multi-dependency continuation task; every production wiring must supply
// it so step 3 of the main loop (merge-before-spawn) can run inline.
func New(client *ent.Client, q *queue.Queue, locks *lockmanager.Manager, sandboxes *sandboxpkg.Spawner, joins *coordination.JoinService, merger *merge.Merger, bus *eventbus.Bus, cfg Config) *Loop {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Loop{
		client:    client,
		q:         q,
		locks:     locks,
		sandboxes: sandboxes,
		joins:     joins,
		merger:    merger,
		bus:       bus,
		cfg:       cfg,
		log:       slog.With("component", "orchestrator"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches cfg.WorkerCount poll goroutines plus the completion
// subscriber, all deriving from ctx.
func (l *Loop) Start(ctx context.Context, projectID string) error {
	if err := l.bus.Subscribe(eventbus.EventTypeTaskCompleted, l.onTaskCompleted(ctx)); err != nil {
		return err
	}
	if err := l.bus.Subscribe(eventbus.EventTypeTaskFailed, l.onTaskFailed(ctx)); err != nil {
		return err
	}
	if err := l.bus.Subscribe(eventbus.EventTypeAgentStuck, l.onAgentStuck(ctx)); err != nil {
		return err
	}
	for i := 0; i < l.cfg.WorkerCount; i++ {
		l.wg.Add(1)
		go l.run(ctx, projectID, i)
	}
	return nil
}

// Stop signals every worker goroutine to exit and waits for them.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context, projectID string, workerIdx int) {
	defer l.wg.Done()
	log := l.log.With("worker", workerIdx)
	log.Info("worker started")

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := l.pollAndProcess(ctx, projectID); err != nil {
				if errors.Is(err, queue.ErrNoTasksAvailable) || errors.Is(err, queue.ErrAtCapacity) {
					l.sleep(l.cfg.PollInterval)
					continue
				}
				log.Error("poll cycle failed", "error", err)
				l.sleep(l.cfg.ErrorBackoff)
			}
		}
	}
}

func (l *Loop) sleep(d time.Duration) {
	select {
	case <-l.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next eligible task for projectID and drives it
// through join auto-registration, merge-before-spawn, lock acquisition, and
// sandbox spawn.
func (l *Loop) pollAndProcess(ctx context.Context, projectID string) error {
	proj, err := l.client.Project.Get(ctx, projectID)
	if err != nil {
		return err
	}

	t, err := l.q.ClaimNext(ctx, queue.ClaimFilter{
		ProjectID:      projectID,
		AutonomousMode: proj.AutonomousMode,
	}, proj.ConcurrencyCeiling)
	if err != nil {
		return err
	}

	log := l.log.With("task_id", t.ID)
	log.Info("task claimed")

	if len(t.Dependencies) >= 2 {
		if err := l.ensureJoinRegistered(ctx, t); err != nil {
			log.Error("join auto-registration failed", "error", err)
		}
	}

	if t.Result != nil && len(t.Dependencies) >= 2 && l.merger != nil {
		// merge-before-spawn: a populated Result means SynthesisService has
		// already merged source payloads into this task's context, so the
		// workspace itself must be reconciled before a sandbox is spawned on
		// it — run C9 inline rather than relying on the asynchronous
		// coordination.synthesis.completed subscriber, whose merge.failed
		// event would otherwise land after this task is already running on
		// an unmerged branch.
		if err := l.merger.MergeContinuation(ctx, t.ID); err != nil {
			return fmt.Errorf("merge-before-spawn for task %s: %w", t.ID, err)
		}
		reloaded, err := l.client.Task.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		if reloaded.Status == task.StatusBlocked {
			log.Info("merge-before-spawn left task blocked; skipping spawn", "last_error", strPtrOrEmpty(reloaded.LastError))
			return nil
		}
		t = reloaded
	}

	if err := l.acquireLocks(ctx, t); err != nil {
		if corekit.Is(err, corekit.KindContention) {
			_ = l.client.Task.UpdateOneID(t.ID).SetStatus(task.StatusPending).Exec(ctx)
			return nil
		}
		return err
	}

	ph, err := l.client.Phase.Get(ctx, t.PhaseID)
	if err != nil {
		return err
	}

	kind := sandbox.TypeLocal
	sb, err := l.sandboxes.SpawnForTask(ctx, t.ID, t.TicketID, "main", kind)
	if err != nil {
		return err
	}

	if _, err := l.client.Task.UpdateOneID(t.ID).SetStatus(task.StatusRunning).SetSandboxID(sb.ID).Save(ctx); err != nil {
		return err
	}

	_ = l.bus.Publish(ctx, eventbus.ProjectChannel(projectID), eventbus.Event{
		Type:       eventbus.EventTypeTaskStarted,
		EntityType: "task",
		EntityID:   t.ID,
		Payload:    map[string]any{"sandbox_id": sb.ID, "phase_id": ph.ID},
	})
	return nil
}

func strPtrOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ensureJoinRegistered auto-registers a join for t if no JoinRegistration
// already names it as continuation_task_id, per the invariant that every
// multi-dependency task must have one.
func (l *Loop) ensureJoinRegistered(ctx context.Context, t *ent.Task) error {
	existing, err := l.client.JoinRegistration.Query().
		Where(joinregistration.ContinuationTaskIDEQ(t.ID)).
		Exist(ctx)
	if err != nil {
		return err
	}
	if existing {
		return nil
	}
	_, err = l.joins.RegisterJoin(ctx, coordination.RegisterJoinRequest{
		SourceTaskIDs:      t.Dependencies,
		ContinuationTaskID: t.ID,
		MergeStrategy:      joinregistration.MergeStrategyCombine,
	})
	return err
}

// acquireLocks claims an exclusive lock on every file path t declared in
// EstimatedFilePaths. On any conflict it releases everything it already
// acquired this call before returning, so a partially-blocked task never
// holds a lock it can't use.
func (l *Loop) acquireLocks(ctx context.Context, t *ent.Task) error {
	acquired := make([]string, 0, len(t.EstimatedFilePaths))
	for _, path := range t.EstimatedFilePaths {
		lock, err := l.locks.Acquire(ctx, lockmanager.AcquireRequest{
			ResourceType: resourcelock.ResourceTypeFile,
			ResourceID:   path,
			OwnerTaskID:  t.ID,
			OwnerAgentID: "orchestrator",
			Mode:         lockmanager.ModeExclusive,
		})
		if err != nil {
			for _, id := range acquired {
				_ = l.locks.Release(ctx, id)
			}
			return err
		}
		acquired = append(acquired, lock.ID)
	}
	return nil
}

// onTaskCompleted drives recompute-unblocked and lock release after a task
// finishes, mirroring the teacher's separation of the poll loop from its
// completion side-effects.
func (l *Loop) onTaskCompleted(ctx context.Context) eventbus.Handler {
	return func(_ context.Context, evt eventbus.Event) error {
		taskID := evt.EntityID
		t, err := l.client.Task.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := l.locks.ReleaseByTask(ctx, taskID); err != nil {
			l.log.Error("lock release failed", "task_id", taskID, "error", err)
		}
		unblocked, err := l.q.RecomputeUnblocked(ctx, t.TicketID)
		if err != nil {
			l.log.Error("recompute unblocked failed", "ticket_id", t.TicketID, "error", err)
			return nil
		}
		if len(unblocked) > 0 {
			_ = l.bus.Publish(ctx, eventbus.ProjectChannel(t.ProjectID), eventbus.Event{
				Type:       eventbus.EventTypeTasksUnblocked,
				EntityType: "ticket",
				EntityID:   t.TicketID,
				Payload:    map[string]any{"completed_task_id": taskID, "unblocked_ids": unblocked},
			})
		}
		return nil
	}
}

// onTaskFailed releases locks after a task fails, mirroring
// onTaskCompleted's split between the poll loop and its side effects. The
// status transition and retry scheduling already happened in Queue.Fail
// before this event was published (the callback handler and any internal
// caller both call Fail directly, which is what arms the retry timer) —
// calling Fail again here would double-increment retry_count and republish
// task.failed, so this handler only owns the lock-release side effect.
func (l *Loop) onTaskFailed(ctx context.Context) eventbus.Handler {
	return func(_ context.Context, evt eventbus.Event) error {
		taskID := evt.EntityID
		if _, err := l.locks.ReleaseByTask(ctx, taskID); err != nil {
			l.log.Error("lock release on failure failed", "task_id", taskID, "error", err)
		}
		return nil
	}
}

// onAgentStuck implements S6: cancel the stuck task, release its locks,
// re-enqueue it with retry_count incremented, and spawn a replacement
// sandbox, hydrating the prior session transcript when one was saved.
func (l *Loop) onAgentStuck(ctx context.Context) eventbus.Handler {
	return func(_ context.Context, evt eventbus.Event) error {
		taskID := evt.EntityID
		t, err := l.client.Task.Get(ctx, taskID)
		if err != nil {
			return err
		}

		var priorTranscript *string
		if t.SandboxID != nil {
			if sb, err := l.client.Sandbox.Get(ctx, *t.SandboxID); err == nil {
				priorTranscript = sb.SessionTranscript
			}
			_ = l.sandboxes.Terminate(ctx, *t.SandboxID)
		}

		if err := l.q.Cancel(ctx, taskID); err != nil {
			l.log.Error("cancel stuck task failed", "task_id", taskID, "error", err)
		}
		if _, err := l.locks.ReleaseByTask(ctx, taskID); err != nil {
			l.log.Error("lock release on stuck task failed", "task_id", taskID, "error", err)
		}

		update := l.client.Task.UpdateOneID(taskID).
			SetStatus(task.StatusPending).
			AddRetryCount(1)
		if err := update.Exec(ctx); err != nil {
			l.log.Error("re-enqueue stuck task failed", "task_id", taskID, "error", err)
			return err
		}

		sb, err := l.sandboxes.SpawnForTask(ctx, taskID, t.TicketID, "main", sandbox.TypeLocal)
		if err != nil {
			l.log.Error("respawn sandbox for recovered task failed", "task_id", taskID, "error", err)
			return err
		}
		if priorTranscript != nil {
			scrubbed := redact.Text(*priorTranscript)
			_, _ = l.client.Sandbox.UpdateOneID(sb.ID).SetSessionTranscript(scrubbed).Save(ctx)
		}

		_ = l.bus.Publish(ctx, eventbus.ProjectChannel(t.ProjectID), eventbus.Event{
			Type:       eventbus.EventTypeTaskCancelled,
			EntityType: "task",
			EntityID:   taskID,
			Payload:    map[string]any{"reason": "stuck", "replacement_sandbox_id": sb.ID},
		})
		return nil
	}
}
