package lockmanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kivo360/omoios/ent/resourcelock"
	"github.com/kivo360/omoios/pkg/lockmanager"
	"github.com/kivo360/omoios/test/testdb"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusiveConflictsWithAnyMode(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	m := lockmanager.New(client.Client, time.Minute, time.Minute)

	resourceID := "src/main.go"
	first, err := m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeFile,
		ResourceID:   resourceID,
		OwnerTaskID:  uuid.NewString(),
		Mode:         lockmanager.ModeExclusive,
	})
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeFile,
		ResourceID:   resourceID,
		OwnerTaskID:  uuid.NewString(),
		Mode:         lockmanager.ModeShared,
	})
	require.Error(t, err, "a shared claim must still conflict with an active exclusive lock")
}

func TestAcquireSharedAllowsMultipleHolders(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	m := lockmanager.New(client.Client, time.Minute, time.Minute)

	resourceID := "logical:config-reload"
	_, err := m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeNamed,
		ResourceID:   resourceID,
		OwnerTaskID:  uuid.NewString(),
		Mode:         lockmanager.ModeShared,
	})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeNamed,
		ResourceID:   resourceID,
		OwnerTaskID:  uuid.NewString(),
		Mode:         lockmanager.ModeShared,
	})
	require.NoError(t, err, "two shared locks on the same resource must not conflict")
}

func TestReleaseByTaskFreesAllLocksForThatTask(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	m := lockmanager.New(client.Client, time.Minute, time.Minute)

	taskID := uuid.NewString()
	_, err := m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeFile,
		ResourceID:   "a.go",
		OwnerTaskID:  taskID,
	})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeFile,
		ResourceID:   "b.go",
		OwnerTaskID:  taskID,
	})
	require.NoError(t, err)

	n, err := m.ReleaseByTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Now a third party can claim a.go exclusively since it was released.
	_, err = m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeFile,
		ResourceID:   "a.go",
		OwnerTaskID:  uuid.NewString(),
	})
	require.NoError(t, err)
}

func TestSweepExpiredReleasesPastDeadlineLocks(t *testing.T) {
	ctx := context.Background()
	client := testdb.NewTestClient(t)
	m := lockmanager.New(client.Client, time.Minute, time.Minute)

	_, err := m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeFile,
		ResourceID:   "c.go",
		OwnerTaskID:  uuid.NewString(),
		TTL:          1 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The resource is now claimable again since the expired lock was reaped.
	_, err = m.Acquire(ctx, lockmanager.AcquireRequest{
		ResourceType: resourcelock.ResourceTypeFile,
		ResourceID:   "c.go",
		OwnerTaskID:  uuid.NewString(),
	})
	require.NoError(t, err)
}
