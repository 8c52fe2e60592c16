package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/testutil"
)

func TestNodeRepository_SaveAndFind(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNodeRepository_SaveAndFind")
	defer cleanup()

	repo := NewNodeRepository(db)
	ctx := context.Background()

	saved, err := repo.Save(ctx, domain.Node{Address: "10.0.0.1", Port: 8081})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", saved.Address)

	found, err := repo.FindByID(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 8081, found.Port)
	assert.Nil(t, found.Gauges)
	assert.Nil(t, found.StatusUpdatedAt)

	// Saving again updates the port
	_, err = repo.Save(ctx, domain.Node{Address: "10.0.0.1", Port: 9000})
	require.NoError(t, err)
	found, err = repo.FindByID(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 9000, found.Port)

	_, err = repo.FindByID(ctx, "10.0.0.99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeRepository_SaveValidation(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNodeRepository_SaveValidation")
	defer cleanup()

	repo := NewNodeRepository(db)
	ctx := context.Background()

	_, err := repo.Save(ctx, domain.Node{Port: 8081})
	assert.ErrorIs(t, err, ErrInvalidEntity)

	_, err = repo.Save(ctx, domain.Node{Address: "10.0.0.1", Port: 0})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestNodeRepository_UpdateGauges(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNodeRepository_UpdateGauges")
	defer cleanup()

	repo := NewNodeRepository(db)
	ctx := context.Background()

	_, err := repo.Save(ctx, domain.Node{Address: "10.0.0.1", Port: 8081})
	require.NoError(t, err)

	at := time.Now()
	err = repo.UpdateGauges(ctx, "10.0.0.1", domain.ResourceGauges{CPU: 12.5, Memory: 40, Disk: 70}, at)
	require.NoError(t, err)

	found, err := repo.FindByID(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, found.Gauges)
	assert.InDelta(t, 12.5, found.Gauges.CPU, 0.001)
	assert.InDelta(t, 40, found.Gauges.Memory, 0.001)
	assert.InDelta(t, 70, found.Gauges.Disk, 0.001)
	require.NotNil(t, found.StatusUpdatedAt)
	assert.WithinDuration(t, at, *found.StatusUpdatedAt, time.Second)

	err = repo.UpdateGauges(ctx, "10.0.0.99", domain.ResourceGauges{}, at)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeRepository_FindAllAndDelete(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestNodeRepository_FindAllAndDelete")
	defer cleanup()

	repo := NewNodeRepository(db)
	ctx := context.Background()

	for _, addr := range []string{"a", "b", "c"} {
		_, err := repo.Save(ctx, domain.Node{Address: addr, Port: 8081})
		require.NoError(t, err)
	}

	nodes, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	require.NoError(t, repo.DeleteByID(ctx, "b"))
	exists, err := repo.ExistsByID(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, repo.DeleteByID(ctx, "b"), ErrNotFound)

	nodes, err = repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}
