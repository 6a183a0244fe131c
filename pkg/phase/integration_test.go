package phase_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/internal/database"
	"github.com/kivo360/omoios/pkg/phase"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

func seedTicketWithPhases(t *testing.T, ctx context.Context, db *database.Client) (ticketID, fromPhase, toPhase string, fromP, toP *ent.Phase) {
	t.Helper()
	projectID := "proj_" + uuid.NewString()
	fromPhase = projectID + ":requirements"
	toPhase = projectID + ":implementation"
	ticketID = "tkt_" + uuid.NewString()

	_, err := db.Project.Create().
		SetID(projectID).
		SetName("test project").
		SetRepositoryRef("git@example.com:test/repo.git").
		SetDefaultPhaseID(fromPhase).
		Save(ctx)
	require.NoError(t, err)

	fromP, err = db.Phase.Create().
		SetID(fromPhase).
		SetProjectID(projectID).
		SetName("requirements").
		SetSequence(0).
		SetAllowedNext([]string{toPhase}).
		Save(ctx)
	require.NoError(t, err)

	toP, err = db.Phase.Create().
		SetID(toPhase).
		SetProjectID(projectID).
		SetName("implementation").
		SetSequence(1).
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Ticket.Create().
		SetID(ticketID).
		SetProjectID(projectID).
		SetTitle("a ticket moving through phases").
		SetCurrentPhaseID(fromPhase).
		Save(ctx)
	require.NoError(t, err)

	return ticketID, fromPhase, toPhase, fromP, toP
}

func TestTransitionMovesTicketAndAppendsHistory(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	ticketID, fromPhase, toPhase, fromP, toP := seedTicketWithPhases(t, ctx, client)

	registry := phase.NewRegistry([]*ent.Phase{fromP, toP})
	sm := phase.NewStateMachine(client.Client, registry)

	updated, err := sm.Transition(ctx, phase.TransitionRequest{
		TicketID:  ticketID,
		ToPhaseID: toPhase,
		Reason:    phase.ReasonNormal,
		ActorID:   "agent-1",
	})
	require.NoError(t, err)
	require.Equal(t, toPhase, updated.CurrentPhaseID)
	require.Equal(t, 1, updated.Version)

	history, err := client.PhaseHistoryEntry.Query().All(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, fromPhase, history[0].FromPhase)
	require.Equal(t, toPhase, history[0].ToPhase)
}

func TestTransitionRejectsDisallowedNextPhase(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	ticketID, _, _, fromP, _ := seedTicketWithPhases(t, ctx, client)

	registry := phase.NewRegistry([]*ent.Phase{fromP})
	sm := phase.NewStateMachine(client.Client, registry)

	_, err := sm.Transition(ctx, phase.TransitionRequest{
		TicketID:  ticketID,
		ToPhaseID: "nonexistent-phase",
		Reason:    phase.ReasonNormal,
		ActorID:   "agent-1",
	})
	require.Error(t, err)
}

func TestTransitionCannotRepeatAfterMoving(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	ticketID, _, toPhase, fromP, toP := seedTicketWithPhases(t, ctx, client)

	registry := phase.NewRegistry([]*ent.Phase{fromP, toP})
	sm := phase.NewStateMachine(client.Client, registry)

	_, err := sm.Transition(ctx, phase.TransitionRequest{
		TicketID:  ticketID,
		ToPhaseID: toPhase,
		Reason:    phase.ReasonNormal,
		ActorID:   "agent-1",
	})
	require.NoError(t, err)

	// The ticket is now in toPhase, which has no allowed_next of its own,
	// so attempting the same move again must be rejected rather than
	// silently re-applied.
	_, err = sm.Transition(ctx, phase.TransitionRequest{
		TicketID:  ticketID,
		ToPhaseID: toPhase,
		Reason:    phase.ReasonNormal,
		ActorID:   "agent-1",
	})
	require.Error(t, err)
}

func TestManualTransitionSkipsAllowedNextValidation(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	ticketID, _, _, fromP, _ := seedTicketWithPhases(t, ctx, client)

	registry := phase.NewRegistry([]*ent.Phase{fromP})
	sm := phase.NewStateMachine(client.Client, registry)

	updated, err := sm.Transition(ctx, phase.TransitionRequest{
		TicketID:  ticketID,
		ToPhaseID: "some-operator-chosen-phase",
		Reason:    phase.ReasonManual,
		ActorID:   "operator-1",
	})
	require.NoError(t, err, "a manual transition is an operator override and must not be blocked by allowed_next")
	require.Equal(t, "some-operator-chosen-phase", updated.CurrentPhaseID)
}
