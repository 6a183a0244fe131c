package orchestrator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/internal/database"
	"github.com/kivo360/omoios/pkg/coordination"
	"github.com/kivo360/omoios/pkg/eventbus"
	"github.com/kivo360/omoios/pkg/lockmanager"
	"github.com/kivo360/omoios/pkg/queue"
	"github.com/kivo360/omoios/pkg/sandbox"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

func seedClaimableTask(t *testing.T, ctx context.Context, db *database.Client) (projectID, ticketID, taskID string) {
	t.Helper()
	projectID = "proj_" + uuid.NewString()
	ticketID = "tkt_" + uuid.NewString()
	phaseID := projectID + ":impl"

	_, err := db.Project.Create().
		SetID(projectID).
		SetName("test project").
		SetRepositoryRef("git@example.com:test/repo.git").
		SetDefaultPhaseID(phaseID).
		SetAutonomousMode(true).
		SetConcurrencyCeiling(5).
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Phase.Create().
		SetID(phaseID).
		SetProjectID(projectID).
		SetName("implementation").
		SetSequence(0).
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Ticket.Create().
		SetID(ticketID).
		SetProjectID(projectID).
		SetTitle("a ticket with one claimable task").
		SetCurrentPhaseID(phaseID).
		Save(ctx)
	require.NoError(t, err)

	created, err := db.Task.Create().
		SetID("tsk_" + uuid.NewString()).
		SetTicketID(ticketID).
		SetProjectID(projectID).
		SetDescription("implement the feature").
		SetPhaseID(phaseID).
		SetReadyToRun(true).
		Save(ctx)
	require.NoError(t, err)

	return projectID, ticketID, created.ID
}

func TestPollAndProcessClaimsSpawnsAndPublishes(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	projectID, _, taskID := seedClaimableTask(t, ctx, client)

	bus := eventbus.New(client.DB(), client.Client, "")
	q := queue.New(client.Client, bus)
	locks := lockmanager.New(client.Client, 0, 0)
	sandboxes := sandbox.New(ctx, client.Client, nil, sandbox.DefaultConfig())
	joins := coordination.NewJoinService(client.Client)

	loop := New(client.Client, q, locks, sandboxes, joins, nil, bus, DefaultConfig())

	require.NoError(t, loop.pollAndProcess(ctx, projectID))

	got, err := client.Task.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status)
	require.NotNil(t, got.SandboxID)

	// Listen was never started in this test, so assert delivery against the
	// durable events table (the channel of record) rather than Subscribe,
	// which refuses to register a handler before Listen has run.
	var entityID, evtType string
	require.NoError(t, client.DB().QueryRowContext(ctx,
		`SELECT entity_id, type FROM events WHERE entity_id = $1 AND type = $2`,
		taskID, eventbus.EventTypeTaskStarted,
	).Scan(&entityID, &evtType))
	require.Equal(t, taskID, entityID)
	require.Equal(t, eventbus.EventTypeTaskStarted, evtType)
}

func TestPollAndProcessReturnsNoTasksAvailableWhenQueueIsEmpty(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)

	projectID := "proj_" + uuid.NewString()
	_, err := client.Project.Create().
		SetID(projectID).
		SetName("empty project").
		SetRepositoryRef("git@example.com:test/repo.git").
		SetDefaultPhaseID(projectID + ":impl").
		SetAutonomousMode(true).
		Save(ctx)
	require.NoError(t, err)

	bus := eventbus.New(client.DB(), client.Client, "")
	q := queue.New(client.Client, bus)
	locks := lockmanager.New(client.Client, 0, 0)
	sandboxes := sandbox.New(ctx, client.Client, nil, sandbox.DefaultConfig())
	joins := coordination.NewJoinService(client.Client)

	loop := New(client.Client, q, locks, sandboxes, joins, nil, bus, DefaultConfig())
	require.ErrorIs(t, loop.pollAndProcess(ctx, projectID), queue.ErrNoTasksAvailable)
}
