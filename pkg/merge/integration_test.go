package merge_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent/joinregistration"
	"github.com/kivo360/omoios/ent/mergeattempt"
	"github.com/kivo360/omoios/ent/task"
	"github.com/kivo360/omoios/internal/database"
	"github.com/kivo360/omoios/pkg/coordination"
	"github.com/kivo360/omoios/pkg/eventbus"
	"github.com/kivo360/omoios/pkg/merge"
	"github.com/kivo360/omoios/pkg/sandbox"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	resolved bool
	detail   string
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, workspacePath, targetBranch, sourceBranch string) (bool, string, error) {
	return f.resolved, f.detail, f.err
}

func seedMergeScenario(t *testing.T, ctx context.Context, db *database.Client) (continuationTaskID string) {
	t.Helper()
	projectID := "proj_" + uuid.NewString()
	ticketID := "tkt_" + uuid.NewString()
	phaseID := projectID + ":merge"

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
		SetTitle("a ticket with a converging fan-out").
		SetCurrentPhaseID(phaseID).
		Save(ctx)
	require.NoError(t, err)

	sourceA, err := db.Task.Create().
		SetID("src_" + uuid.NewString()).
		SetTicketID(ticketID).
		SetProjectID(projectID).
		SetDescription("source task A").
		SetPhaseID(phaseID).
		SetPriority(task.PriorityMEDIUM).
		Save(ctx)
	require.NoError(t, err)

	sourceB, err := db.Task.Create().
		SetID("src_" + uuid.NewString()).
		SetTicketID(ticketID).
		SetProjectID(projectID).
		SetDescription("source task B").
		SetPhaseID(phaseID).
		SetPriority(task.PriorityHIGH).
		Save(ctx)
	require.NoError(t, err)

	continuation, err := db.Task.Create().
		SetID("cont_" + uuid.NewString()).
		SetTicketID(ticketID).
		SetProjectID(projectID).
		SetDescription("continuation task").
		SetPhaseID(phaseID).
		SetPriority(task.PriorityMEDIUM).
		Save(ctx)
	require.NoError(t, err)

	joins := coordination.NewJoinService(db.Client)
	_, err = joins.RegisterJoin(ctx, coordination.RegisterJoinRequest{
		SourceTaskIDs:      []string{sourceA.ID, sourceB.ID},
		ContinuationTaskID: continuation.ID,
		MergeStrategy:      joinregistration.MergeStrategyUnion,
	})
	require.NoError(t, err)

	return continuation.ID
}

func TestMergeContinuationSucceedsWhenEverySourceResolves(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	continuationTaskID := seedMergeScenario(t, ctx, client)

	spawner := sandbox.New(ctx, client.Client, nil, sandbox.DefaultConfig())
	bus := eventbus.New(client.DB(), client.Client, "")
	merger := merge.New(client.Client, spawner, &fakeResolver{resolved: true, detail: "clean merge"}, bus, merge.DefaultConfig(), nil)

	require.NoError(t, merger.MergeContinuation(ctx, continuationTaskID))

	got, err := client.Task.Get(ctx, continuationTaskID)
	require.NoError(t, err)
	require.NotEqual(t, task.StatusBlocked, got.Status)

	attempts, err := client.MergeAttempt.Query().Where(mergeattempt.ContinuationTaskIDEQ(continuationTaskID)).All(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 2, "one logged attempt per source task")
}

func TestMergeContinuationBlocksTaskOnIrresolvableConflict(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	continuationTaskID := seedMergeScenario(t, ctx, client)

	spawner := sandbox.New(ctx, client.Client, nil, sandbox.DefaultConfig())
	bus := eventbus.New(client.DB(), client.Client, "")
	merger := merge.New(client.Client, spawner, &fakeResolver{resolved: false, detail: "conflicting hunks"}, bus,
		merge.Config{MaxAttemptsPerSource: 2}, nil)

	require.NoError(t, merger.MergeContinuation(ctx, continuationTaskID))

	got, err := client.Task.Get(ctx, continuationTaskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusBlocked, got.Status)
	require.Equal(t, "merge-conflict", *got.LastError)

	attempts, err := client.MergeAttempt.Query().Where(mergeattempt.ContinuationTaskIDEQ(continuationTaskID)).All(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 2, "retries exhausted for the first source, second source never attempted")
}
