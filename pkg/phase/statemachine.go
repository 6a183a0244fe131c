package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/ent/phasehistoryentry"
	"github.com/kivo360/omoios/ent/ticket"
	corekit "github.com/kivo360/omoios/pkg/corekit/errors"
)

// TransitionReason mirrors ent/schema/phasehistoryentry.go's reason enum.
type TransitionReason string

const (
	ReasonNormal    TransitionReason = "normal"
	ReasonDiscovery TransitionReason = "discovery"
	ReasonManual    TransitionReason = "manual"
	ReasonRejection TransitionReason = "rejection"
)

// StateMachine is C5: the sole authority for moving a ticket between
// phases. Per the single-writer invariant, a StateMachine must only ever
// be constructed inside cmd/orchestrator; every other process that wants a
// transition publishes an intent event
// (phase.approval.granted/denied, task.complete.requested) that the
// orchestrator's subscriber converts into a Transition call here.
type StateMachine struct {
	client   *ent.Client
	registry *Registry
}

// NewStateMachine constructs a StateMachine. Callers outside
// cmd/orchestrator must not call this — see the package doc.
func NewStateMachine(client *ent.Client, registry *Registry) *StateMachine {
	return &StateMachine{client: client, registry: registry}
}

// GateResult is the outcome of EvaluateGate.
type GateResult struct {
	Satisfied       bool
	MissingOutputs  []string
	UnmetDefinition []string
}

// EvaluateGate checks a ticket's declared done_definitions and expected
// required outputs for its current phase against the provided evidence
// (artifact paths actually produced). done_definitions are opaque strings
// the engine cannot itself verify — satisfaction is asserted by the caller
// (the agent runtime reporting task completion) and only required
// expected_outputs are checked structurally here.
func (sm *StateMachine) EvaluateGate(ctx context.Context, ticketID string, producedArtifacts []string) (*GateResult, error) {
	t, err := sm.client.Ticket.Get(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}

	ph, err := sm.registry.Get(t.CurrentPhaseID)
	if err != nil {
		return nil, err
	}

	produced := make(map[string]bool, len(producedArtifacts))
	for _, a := range producedArtifacts {
		produced[a] = true
	}

	result := &GateResult{Satisfied: true}
	for _, out := range ph.ExpectedOutputs {
		if !out.Required {
			continue
		}
		if !matchesAny(produced, out.Pattern) {
			result.Satisfied = false
			result.MissingOutputs = append(result.MissingOutputs, out.Pattern)
		}
	}
	return result, nil
}

// matchesAny reports whether any produced artifact path equals or is
// prefixed by pattern. Full glob matching is left to the caller (the
// sandbox layer already knows how to expand its own workspace globs);
// this is a conservative fallback check.
func matchesAny(produced map[string]bool, pattern string) bool {
	if produced[pattern] {
		return true
	}
	for p := range produced {
		if len(p) >= len(pattern) && p[:len(pattern)] == pattern {
			return true
		}
	}
	return false
}

// TransitionRequest describes a proposed phase change.
type TransitionRequest struct {
	TicketID  string
	ToPhaseID string
	Reason    TransitionReason
	ActorID   string
	Artifacts []string
}

// Transition moves ticketID to req.ToPhaseID, appends a PhaseHistoryEntry,
// and bumps the ticket's version column — all in one transaction guarded
// by `WHERE id=? AND version=?` per spec's "Shared ticket/phase mutation"
// concurrency requirement; the version compared is read inside this same
// transaction, so the compare-and-swap is self-contained and needs no
// version hint from the caller. A manual-reason transition skips
// allowed_next validation (an operator override); all other reasons must
// name a phase reachable from the ticket's current phase.
func (sm *StateMachine) Transition(ctx context.Context, req TransitionRequest) (*ent.Ticket, error) {
	if req.Reason != ReasonManual {
		t, err := sm.client.Ticket.Get(ctx, req.TicketID)
		if err != nil {
			return nil, fmt.Errorf("load ticket %s: %w", req.TicketID, err)
		}
		allowed, err := sm.registry.IsAllowedNext(t.CurrentPhaseID, req.ToPhaseID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, corekit.Newf(corekit.KindGateRejection, "phase.Transition",
				"phase %s does not allow transition to %s", t.CurrentPhaseID, req.ToPhaseID)
		}
	}

	tx, err := sm.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := tx.Ticket.Get(ctx, req.TicketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", req.TicketID, err)
	}

	n, err := tx.Ticket.Update().
		Where(ticket.IDEQ(req.TicketID), ticket.VersionEQ(current.Version)).
		SetCurrentPhaseID(req.ToPhaseID).
		AddVersion(1).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("update ticket phase: %w", err)
	}
	if n == 0 {
		return nil, corekit.Concurrent("phase.Transition", req.TicketID)
	}

	if _, err := tx.PhaseHistoryEntry.Create().
		SetID(uuid.NewString()).
		SetTicketID(req.TicketID).
		SetFromPhase(current.CurrentPhaseID).
		SetToPhase(req.ToPhaseID).
		SetReason(phasehistoryentryReason(req.Reason)).
		SetActorID(req.ActorID).
		SetArtifacts(req.Artifacts).
		SetCreatedAt(time.Now()).
		Save(ctx); err != nil {
		return nil, fmt.Errorf("append phase history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	return sm.client.Ticket.Get(ctx, req.TicketID)
}

// RejectTransition appends a rejection history entry without moving the
// ticket, used when EvaluateGate fails and the caller wants a durable
// record of the rejected attempt.
func (sm *StateMachine) RejectTransition(ctx context.Context, ticketID, attemptedPhaseID, actorID string, reason string) error {
	t, err := sm.client.Ticket.Get(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	_, err = sm.client.PhaseHistoryEntry.Create().
		SetID(uuid.NewString()).
		SetTicketID(ticketID).
		SetFromPhase(t.CurrentPhaseID).
		SetToPhase(attemptedPhaseID).
		SetReason(phasehistoryentryReason(ReasonRejection)).
		SetActorID(actorID).
		SetArtifacts([]string{reason}).
		Save(ctx)
	return err
}

func phasehistoryentryReason(r TransitionReason) phasehistoryentry.Reason {
	return phasehistoryentry.Reason(r)
}
