package guardian

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/internal/database"
	"github.com/kivo360/omoios/pkg/eventbus"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

func seedRunningTask(t *testing.T, ctx context.Context, db *database.Client, updatedAt time.Time) string {
	t.Helper()
	projectID := "proj_" + uuid.NewString()
	ticketID := "tkt_" + uuid.NewString()
	taskID := "tsk_" + uuid.NewString()
	phaseID := projectID + ":impl"

	_, err := db.Project.Create().
		SetID(projectID).
		SetName("test project").
		SetRepositoryRef("git@example.com:test/repo.git").
		SetDefaultPhaseID(phaseID).
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Ticket.Create().
		SetID(ticketID).
		SetProjectID(projectID).
		SetTitle("a ticket with a running task").
		SetCurrentPhaseID(phaseID).
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Task.Create().
		SetID(taskID).
		SetTicketID(ticketID).
		SetProjectID(projectID).
		SetDescription("a long running task").
		SetPhaseID(phaseID).
		SetStatus(task.StatusRunning).
		Save(ctx)
	require.NoError(t, err)

	// Backdate updated_at directly — ent's UpdateDefault would otherwise
	// stamp it to now on any further write.
	_, err = db.Task.UpdateOneID(taskID).SetUpdatedAt(updatedAt).Save(ctx)
	require.NoError(t, err)

	return taskID
}

func TestScanMarksStuckPastStuckMultiple(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	bus := eventbus.New(client.DB(), client.Client, "")

	cfg := Config{ScanInterval: time.Hour, HeartbeatMaxAge: 90 * time.Second, AlignmentMinScore: 0.4, StuckMultiple: 3.0}
	m := New(client.Client, bus, cfg)

	taskID := seedRunningTask(t, ctx, client, time.Now().Add(-10*time.Minute))

	require.NoError(t, m.scan(ctx))
	require.Equal(t, 1, m.state.stuckMarked)

	got, err := client.Task.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status, "scan only publishes agent.stuck; it does not itself mutate task status")
}

func TestScanIssuesSteeringWithinStuckWindowButPastHeartbeatMax(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	bus := eventbus.New(client.DB(), client.Client, "")

	cfg := Config{ScanInterval: time.Hour, HeartbeatMaxAge: 90 * time.Second, AlignmentMinScore: 0.4, StuckMultiple: 3.0}
	m := New(client.Client, bus, cfg)

	seedRunningTask(t, ctx, client, time.Now().Add(-120*time.Second))

	require.NoError(t, m.scan(ctx))
	require.Equal(t, 0, m.state.stuckMarked)
	require.Equal(t, 1, m.state.steeringSent)
}

func TestScanLeavesFreshTasksAlone(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	bus := eventbus.New(client.DB(), client.Client, "")

	cfg := DefaultConfig()
	m := New(client.Client, bus, cfg)

	seedRunningTask(t, ctx, client, time.Now())

	require.NoError(t, m.scan(ctx))
	require.Equal(t, 0, m.state.stuckMarked)
	require.Equal(t, 0, m.state.steeringSent)
}
