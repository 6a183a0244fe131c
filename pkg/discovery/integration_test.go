package discovery_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	entdiscovery "github.com/kivo360/omoios/ent/discovery"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/internal/database"
	"github.com/kivo360/omoios/pkg/discovery"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

func seedSourceTask(t *testing.T, ctx context.Context, db *database.Client, priority task.Priority) (projectID, ticketID, taskID string) {
	t.Helper()
	projectID = "proj_" + uuid.NewString()
	ticketID = "tkt_" + uuid.NewString()
	taskID = "tsk_" + uuid.NewString()

	_, err := db.Project.Create().
		SetID(projectID).
		SetName("test project").
		SetRepositoryRef("git@example.com:test/repo.git").
		SetDefaultPhaseID(projectID + ":impl").
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Ticket.Create().
		SetID(ticketID).
		SetProjectID(projectID).
		SetTitle("test ticket").
		SetCurrentPhaseID(projectID + ":impl").
		Save(ctx)
	require.NoError(t, err)

	_, err = db.Task.Create().
		SetID(taskID).
		SetTicketID(ticketID).
		SetProjectID(projectID).
		SetDescription("the task that will report a discovery").
		SetPhaseID(projectID + ":impl").
		SetPriority(priority).
		Save(ctx)
	require.NoError(t, err)

	return projectID, ticketID, taskID
}

func TestRecordAndBranchCreatesSpawnedTask(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	svc := discovery.New(client.Client)

	projectID, ticketID, taskID := seedSourceTask(t, ctx, client, task.PriorityMEDIUM)

	disc, spawned, err := svc.RecordAndBranch(ctx, discovery.RecordAndBranchRequest{
		SourceTaskID:  taskID,
		ProjectID:     projectID,
		TicketID:      ticketID,
		Kind:          entdiscovery.KindBug,
		Description:   "found a null pointer in the handler",
		TargetPhase:   projectID + ":impl",
		PriorityBoost: true,
		FollowUpType:  "bug-fix",
	})
	require.NoError(t, err)
	require.Equal(t, spawned.ID, disc.SpawnedTaskID)
	require.Equal(t, task.PriorityHIGH, spawned.Priority, "priority boost should move MEDIUM up to HIGH")
	require.False(t, spawned.ReadyToRun)
	require.Equal(t, []string{taskID}, spawned.Dependencies, "the follow-up must depend on its source task so it cannot run before the source completes")
}

func TestRecordAndBranchDedupsWithinWindow(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	svc := discovery.New(client.Client)

	projectID, ticketID, taskID := seedSourceTask(t, ctx, client, task.PriorityMEDIUM)

	req := discovery.RecordAndBranchRequest{
		SourceTaskID: taskID,
		ProjectID:    projectID,
		TicketID:     ticketID,
		Kind:         entdiscovery.KindSecurity,
		Description:  "auth bypass in the login flow",
		TargetPhase:  projectID + ":impl",
	}

	first, firstTask, err := svc.RecordAndBranch(ctx, req)
	require.NoError(t, err)

	second, secondTask, err := svc.RecordAndBranch(ctx, req)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "an identical report within the dedup window must not create a second Discovery row")
	require.Equal(t, firstTask.ID, secondTask.ID)

	count, err := client.Task.Query().Where(task.TicketIDEQ(ticketID)).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count, "exactly one source task and one spawned task, no duplicate spawn")
}
