package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent/joinregistration"
	"github.com/kivo360/omoios/pkg/coordination"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

func TestMarkArrivedFlipsReadyWhenEverySourceLands(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	j := coordination.NewJoinService(client.Client)

	sourceA, sourceB := uuid.NewString(), uuid.NewString()
	jr, err := j.RegisterJoin(ctx, coordination.RegisterJoinRequest{
		SourceTaskIDs:      []string{sourceA, sourceB},
		ContinuationTaskID: uuid.NewString(),
		MergeStrategy:      joinregistration.MergeStrategyUnion,
	})
	require.NoError(t, err)
	require.Equal(t, joinregistration.StatusWaiting, jr.Status)

	_, ready, err := j.MarkArrived(ctx, jr.ID, sourceA)
	require.NoError(t, err)
	require.False(t, ready, "join must stay waiting until every source has arrived")

	updated, ready, err := j.MarkArrived(ctx, jr.ID, sourceB)
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, joinregistration.StatusReady, updated.Status)
}

func TestMarkArrivedIsIdempotentForRepeatedArrivals(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	j := coordination.NewJoinService(client.Client)

	sourceA := uuid.NewString()
	jr, err := j.RegisterJoin(ctx, coordination.RegisterJoinRequest{
		SourceTaskIDs:      []string{sourceA},
		ContinuationTaskID: uuid.NewString(),
		MergeStrategy:      joinregistration.MergeStrategyUnion,
	})
	require.NoError(t, err)

	_, _, err = j.MarkArrived(ctx, jr.ID, sourceA)
	require.NoError(t, err)
	updated, ready, err := j.MarkArrived(ctx, jr.ID, sourceA)
	require.NoError(t, err)
	require.True(t, ready)
	require.Len(t, updated.ArrivedTaskIDs, 1, "arriving twice must not duplicate the arrival record")
}

func TestSweepExpiredFailsJoinsPastDeadline(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	j := coordination.NewJoinService(client.Client)

	past := time.Now().Add(-time.Minute)
	jr, err := j.RegisterJoin(ctx, coordination.RegisterJoinRequest{
		SourceTaskIDs:      []string{uuid.NewString(), uuid.NewString()},
		ContinuationTaskID: uuid.NewString(),
		MergeStrategy:      joinregistration.MergeStrategyUnion,
		Deadline:           &past,
	})
	require.NoError(t, err)

	n, err := j.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := client.JoinRegistration.Get(ctx, jr.ID)
	require.NoError(t, err)
	require.Equal(t, joinregistration.StatusFailed, got.Status)
}
