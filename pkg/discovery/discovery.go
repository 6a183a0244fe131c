// Package discovery implements C6: recording an agent-reported finding and
// atomically branching a follow-up task (and, for findings that warrant a
// new ticket, a Ticket row) from it. Grounded on the teacher's
// SessionService.CreateSession multi-entity transaction pattern: validate,
// open a single tx, create every row the operation implies, commit once.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/discovery"
	"github.com/kivo360/omoios/ent/task"
	corekit "github.com/kivo360/omoios/pkg/corekit/errors"
)

// dedupWindow bounds how far back RecordAndBranch looks for a matching
// (source_task_id, kind, description_hash) Discovery before treating a new
// report as a duplicate, per spec §8.
const dedupWindow = 24 * time.Hour

// Service is C6.
type Service struct {
	client *ent.Client
}

// New constructs a Service.
func New(client *ent.Client) *Service {
	return &Service{client: client}
}

// RecordAndBranchRequest describes a reported finding.
type RecordAndBranchRequest struct {
	SourceTaskID    string
	ProjectID       string
	TicketID        string
	Kind            discovery.Kind
	Description     string
	TargetPhase     string
	PriorityBoost   bool
	FollowUpType    string
}

// priorityLadder is the saturating boost order LOW->MEDIUM->HIGH->CRITICAL.
var priorityLadder = []task.Priority{
	task.PriorityLOW, task.PriorityMEDIUM, task.PriorityHIGH, task.PriorityCRITICAL,
}

// Boost returns the next priority up the ladder from current, saturating
// at CRITICAL.
func Boost(current task.Priority) task.Priority {
	for i, p := range priorityLadder {
		if p == current {
			if i == len(priorityLadder)-1 {
				return p
			}
			return priorityLadder[i+1]
		}
	}
	return current
}

// RecordAndBranch persists a Discovery row and a spawned follow-up Task,
// depends_on={source task}, in one transaction — the follow-up only becomes
// eligible once the source completes, autonomous mode included. If an
// equivalent Discovery (same source task, kind, and description hash) was
// recorded within dedupWindow, the existing Discovery/spawned-task pair is
// returned instead of creating a duplicate.
func (s *Service) RecordAndBranch(ctx context.Context, req RecordAndBranchRequest) (*ent.Discovery, *ent.Task, error) {
	if req.Description == "" {
		return nil, nil, corekit.Newf(corekit.KindValidation, "discovery.RecordAndBranch", "description is required")
	}

	hash := descriptionHash(req.Description)

	existing, err := s.findRecent(ctx, req.SourceTaskID, req.Kind, hash)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		spawned, err := s.client.Task.Get(ctx, existing.SpawnedTaskID)
		if err != nil {
			return nil, nil, fmt.Errorf("load spawned task for deduped discovery: %w", err)
		}
		return existing, spawned, nil
	}

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	source, err := tx.Task.Get(ctx, req.SourceTaskID)
	if err != nil {
		return nil, nil, fmt.Errorf("load source task %s: %w", req.SourceTaskID, err)
	}

	priority := source.Priority
	if req.PriorityBoost {
		priority = Boost(priority)
	}

	spawnedID := uuid.NewString()
	spawned, err := tx.Task.Create().
		SetID(spawnedID).
		SetTicketID(req.TicketID).
		SetProjectID(req.ProjectID).
		SetDescription(req.Description).
		SetNillableTaskType(nilIfEmpty(req.FollowUpType)).
		SetPriority(priority).
		SetPhaseID(req.TargetPhase).
		SetDependencies([]string{req.SourceTaskID}).
		SetReadyToRun(false).
		Save(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create follow-up task: %w", err)
	}

	disc, err := tx.Discovery.Create().
		SetID(uuid.NewString()).
		SetSourceTaskID(req.SourceTaskID).
		SetKind(req.Kind).
		SetDescription(req.Description).
		SetDescriptionHash(hash).
		SetTargetPhase(req.TargetPhase).
		SetPriorityBoost(req.PriorityBoost).
		SetSpawnedTaskID(spawnedID).
		SetCreatedAt(time.Now()).
		Save(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create discovery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	return disc, spawned, nil
}

func (s *Service) findRecent(ctx context.Context, sourceTaskID string, kind discovery.Kind, hash string) (*ent.Discovery, error) {
	since := time.Now().Add(-dedupWindow)
	found, err := s.client.Discovery.Query().
		Where(
			discovery.SourceTaskIDEQ(sourceTaskID),
			discovery.KindEQ(kind),
			discovery.DescriptionHashEQ(hash),
			discovery.CreatedAtGT(since),
		).
		Order(ent.Desc(discovery.FieldCreatedAt)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query recent discoveries: %w", err)
	}
	return found, nil
}

func descriptionHash(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
