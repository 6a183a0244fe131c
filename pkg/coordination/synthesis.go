package coordination

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/joinregistration"
	"github.com/kivo360/omoios/pkg/eventbus"
)

// mergeFuncs maps a JoinRegistration's merge_strategy to its pure function.
var mergeFuncs = map[joinregistration.MergeStrategy]MergeStrategyFunc{
	joinregistration.MergeStrategyCombine:      Combine,
	joinregistration.MergeStrategyUnion:        Union,
	joinregistration.MergeStrategyIntersection: Intersection,
	joinregistration.MergeStrategyMajority:     Majority,
}

// SynthesisService is C8: it subscribes to task.completed exactly as the
// teacher's queue worker wires its eventPublisher, and on every completion
// checks whether that task was awaited by a JoinRegistration. Once every
// source task for a join has arrived, it merges their results per the
// join's strategy and marks the continuation task runnable.
type SynthesisService struct {
	client *ent.Client
	joins  *JoinService
	bus    *eventbus.Bus
	log    *slog.Logger
}

// NewSynthesisService constructs a SynthesisService.
func NewSynthesisService(client *ent.Client, joins *JoinService, bus *eventbus.Bus, log *slog.Logger) *SynthesisService {
	if log == nil {
		log = slog.Default()
	}
	return &SynthesisService{client: client, joins: joins, bus: bus, log: log}
}

// Start subscribes the service to task.completed on the global channel.
func (s *SynthesisService) Start() error {
	return s.bus.Subscribe(eventbus.EventTypeTaskCompleted, s.onTaskCompleted)
}

func (s *SynthesisService) onTaskCompleted(ctx context.Context, evt eventbus.Event) error {
	if evt.EntityType != "task" {
		return nil
	}
	taskID := evt.EntityID

	waiting, err := s.client.JoinRegistration.Query().
		Where(joinregistration.StatusEQ(joinregistration.StatusWaiting)).
		All(ctx)
	if err != nil {
		return fmt.Errorf("synthesis: query waiting joins: %w", err)
	}

	for _, jr := range waiting {
		if !contains(jr.SourceTaskIDs, taskID) {
			continue
		}
		updated, ready, err := s.joins.MarkArrived(ctx, jr.ID, taskID)
		if err != nil {
			s.log.Error("synthesis: mark arrived failed", "join_id", jr.ID, "task_id", taskID, "error", err)
			continue
		}
		if !ready {
			continue
		}
		if err := s.synthesize(ctx, updated); err != nil {
			s.log.Error("synthesis: merge failed", "join_id", jr.ID, "error", err)
		}
	}
	return nil
}

// synthesize merges every source task's result per the join's strategy and
// writes it onto the continuation task, marking it ready to run.
func (s *SynthesisService) synthesize(ctx context.Context, jr *ent.JoinRegistration) error {
	fn, ok := mergeFuncs[jr.MergeStrategy]
	if !ok {
		return fmt.Errorf("synthesis: unknown merge strategy %q", jr.MergeStrategy)
	}

	results := make([]map[string]any, 0, len(jr.SourceTaskIDs))
	for _, id := range jr.SourceTaskIDs {
		t, err := s.client.Task.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load source task %s: %w", id, err)
		}
		if t.Result != nil {
			results = append(results, t.Result)
		}
	}

	merged := fn(results)

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Task.UpdateOneID(jr.ContinuationTaskID).
		SetResult(merged).
		SetReadyToRun(true).
		Save(ctx); err != nil {
		return fmt.Errorf("update continuation task %s: %w", jr.ContinuationTaskID, err)
	}

	if _, err := tx.JoinRegistration.UpdateOneID(jr.ID).
		SetStatus(joinregistration.StatusMerged).
		Save(ctx); err != nil {
		return fmt.Errorf("mark join %s merged: %w", jr.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.GlobalChannel, eventbus.Event{
			Type:       eventbus.EventTypeSynthesisDone,
			EntityType: "join_registration",
			EntityID:   jr.ID,
			Payload:    map[string]any{"continuation_task_id": jr.ContinuationTaskID},
		})
	}

	return nil
}
