package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/internal/database"
	"github.com/kivo360/omoios/pkg/queue"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

func seedProjectAndTicket(t *testing.T, ctx context.Context, db *database.Client) (projectID, ticketID string) {
	t.Helper()
	projectID = "proj_" + uuid.NewString()
	ticketID = "tkt_" + uuid.NewString()

	_, err := db.Project.Create().
		SetID(projectID).
		SetName("test project").
		SetRepositoryRef("git@example.com:test/repo.git").
		SetDefaultPhaseID(projectID + ":requirements").
		SetAutonomousMode(true).
		SetConcurrencyCeiling(2).
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Ticket.Create().
		SetID(ticketID).
		SetProjectID(projectID).
		SetTitle("test ticket").
		SetCurrentPhaseID(projectID + ":requirements").
		Save(ctx)
	require.NoError(t, err)

	return projectID, ticketID
}

func TestClaimNextSkipsBlockedDependencies(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	q := queue.New(client.Client, nil)
	projectID, ticketID := seedProjectAndTicket(t, ctx, client)

	blocker, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID:    ticketID,
		ProjectID:   projectID,
		Description: "write the design doc",
		PhaseID:     projectID + ":requirements",
		ReadyToRun:  true,
	})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID:     ticketID,
		ProjectID:    projectID,
		Description:  "implement the design",
		PhaseID:      projectID + ":requirements",
		Dependencies: []string{blocker.ID},
		ReadyToRun:   true,
	})
	require.NoError(t, err)

	filter := queue.ClaimFilter{ProjectID: projectID, AutonomousMode: true}

	claimed, err := q.ClaimNext(ctx, filter, 5)
	require.NoError(t, err)
	require.Equal(t, blocker.ID, claimed.ID, "the blocked follow-up task must not be claimable before its dependency completes")

	_, err = q.ClaimNext(ctx, filter, 5)
	require.ErrorIs(t, err, queue.ErrNoTasksAvailable)
}

func TestClaimNextRespectsConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	q := queue.New(client.Client, nil)
	projectID, ticketID := seedProjectAndTicket(t, ctx, client)

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, queue.EnqueueRequest{
			TicketID:    ticketID,
			ProjectID:   projectID,
			Description: "independent task",
			PhaseID:     projectID + ":requirements",
			ReadyToRun:  true,
		})
		require.NoError(t, err)
	}

	filter := queue.ClaimFilter{ProjectID: projectID, AutonomousMode: true}

	_, err := q.ClaimNext(ctx, filter, 1)
	require.NoError(t, err)

	_, err = q.ClaimNext(ctx, filter, 1)
	require.ErrorIs(t, err, queue.ErrAtCapacity)
}

func TestCompleteIsStatusGuarded(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	q := queue.New(client.Client, nil)
	projectID, ticketID := seedProjectAndTicket(t, ctx, client)

	created, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID:    ticketID,
		ProjectID:   projectID,
		Description: "a pending task",
		PhaseID:     projectID + ":requirements",
		ReadyToRun:  true,
	})
	require.NoError(t, err)

	// Complete should be a no-op (error) while the task is still pending,
	// since it only applies to running tasks.
	err = q.Complete(ctx, created.ID, map[string]any{"ok": true})
	require.Error(t, err)

	_, err = client.Task.UpdateOneID(created.ID).SetStatus(task.StatusRunning).Save(ctx)
	require.NoError(t, err)

	err = q.Complete(ctx, created.ID, map[string]any{"ok": true})
	require.NoError(t, err)

	got, err := client.Task.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.Equal(t, true, got.Result["ok"])
}

func TestFailRequeuesWithinRetryBudget(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	q := queue.New(client.Client, nil)
	projectID, ticketID := seedProjectAndTicket(t, ctx, client)

	created, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID:    ticketID,
		ProjectID:   projectID,
		Description: "a task that will fail once",
		PhaseID:     projectID + ":requirements",
		ReadyToRun:  true,
	})
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, created.ID, assertErr("transient failure"), 3, 10*time.Millisecond))

	got, err := client.Task.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)

	require.Eventually(t, func() bool {
		got, err := client.Task.Get(ctx, created.ID)
		return err == nil && got.Status == task.StatusPending
	}, time.Second, 10*time.Millisecond, "task should be requeued to pending after its retry delay elapses")
}

func TestRecomputeUnblockedFlipsReadyToRun(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	q := queue.New(client.Client, nil)
	projectID, ticketID := seedProjectAndTicket(t, ctx, client)

	upstream, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID:    ticketID,
		ProjectID:   projectID,
		Description: "upstream task",
		PhaseID:     projectID + ":requirements",
		ReadyToRun:  true,
	})
	require.NoError(t, err)

	downstream, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID:     ticketID,
		ProjectID:    projectID,
		Description:  "downstream task, not yet ready",
		PhaseID:      projectID + ":requirements",
		Dependencies: []string{upstream.ID},
		ReadyToRun:   false,
	})
	require.NoError(t, err)

	_, err = client.Task.UpdateOneID(upstream.ID).SetStatus(task.StatusCompleted).Save(ctx)
	require.NoError(t, err)

	ids, err := q.RecomputeUnblocked(ctx, ticketID)
	require.NoError(t, err)
	require.Equal(t, []string{downstream.ID}, ids)

	got, err := client.Task.Get(ctx, downstream.ID)
	require.NoError(t, err)
	require.True(t, got.ReadyToRun)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertErr(msg string) error { return simpleError(msg) }
