package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/joinregistration"
	corekit "github.com/kivo360/omoios/pkg/corekit/errors"
)

// JoinService is C7's join half: registering a fan-in point and tracking
// arrivals against it until every source task has landed, the merge
// strategy can proceed with a partial set, or the deadline lapses.
type JoinService struct {
	client *ent.Client
}

// NewJoinService constructs a JoinService.
func NewJoinService(client *ent.Client) *JoinService {
	return &JoinService{client: client}
}

// RegisterJoinRequest describes a pending fan-in.
type RegisterJoinRequest struct {
	SourceTaskIDs      []string
	ContinuationTaskID string
	MergeStrategy      joinregistration.MergeStrategy
	Deadline           *time.Time
}

// RegisterJoin persists a JoinRegistration row in the waiting state.
func (j *JoinService) RegisterJoin(ctx context.Context, req RegisterJoinRequest) (*ent.JoinRegistration, error) {
	if len(req.SourceTaskIDs) == 0 {
		return nil, corekit.Newf(corekit.KindValidation, "coordination.RegisterJoin", "at least one source task is required")
	}

	create := j.client.JoinRegistration.Create().
		SetID(uuid.NewString()).
		SetSourceTaskIDs(req.SourceTaskIDs).
		SetContinuationTaskID(req.ContinuationTaskID).
		SetMergeStrategy(req.MergeStrategy).
		SetStatus(joinregistration.StatusWaiting).
		SetArrivedTaskIDs(nil).
		SetCreatedAt(time.Now())
	if req.Deadline != nil {
		create = create.SetDeadline(*req.Deadline)
	}
	return create.Save(ctx)
}

// MarkArrived records taskID as arrived at joinID. If every source task
// has now arrived, the join transitions to ready and the continuation
// task's dependency gate is satisfied (pkg/queue.RecomputeUnblocked picks
// this up on its own schedule; MarkArrived only flips status here).
func (j *JoinService) MarkArrived(ctx context.Context, joinID, taskID string) (*ent.JoinRegistration, bool, error) {
	tx, err := j.client.Tx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	jr, err := tx.JoinRegistration.Get(ctx, joinID)
	if err != nil {
		return nil, false, fmt.Errorf("load join %s: %w", joinID, err)
	}

	arrived := append(append([]string{}, jr.ArrivedTaskIDs...))
	if !contains(arrived, taskID) {
		arrived = append(arrived, taskID)
	}

	ready := len(arrived) >= len(jr.SourceTaskIDs)
	status := jr.Status
	if ready {
		status = joinregistration.StatusReady
	}

	updated, err := tx.JoinRegistration.UpdateOneID(joinID).
		SetArrivedTaskIDs(arrived).
		SetStatus(status).
		Save(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("update join %s: %w", joinID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return updated, ready, nil
}

// SweepExpired flips any waiting join past its deadline to failed, so a
// stuck sibling doesn't block its continuation task forever.
func (j *JoinService) SweepExpired(ctx context.Context) (int, error) {
	n, err := j.client.JoinRegistration.Update().
		Where(
			joinregistration.StatusEQ(joinregistration.StatusWaiting),
			joinregistration.DeadlineNotNil(),
			joinregistration.DeadlineLT(time.Now()),
		).
		SetStatus(joinregistration.StatusFailed).
		Save(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep expired joins: %w", err)
	}
	return n, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
