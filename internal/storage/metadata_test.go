package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

func testTopology() *models.Topology {
	topo := models.NewTopology("store")
	topo.Version = 3
	topo.Zones[1] = &models.Zone{ID: 1, Name: "Z1", ReplicationFactor: 1, Type: models.ZoneTypePrimary}
	topo.Zones[2] = &models.Zone{ID: 2, Name: "Z2", ReplicationFactor: 1, Type: models.ZoneTypeSecondary, Offline: true}
	topo.StorageNodes[1] = &models.StorageNode{ID: 1, Host: "h1", Port: 5000, ZoneID: 1, Capacity: 1}
	rg := &models.ReplicaGroup{ID: 1}
	rg.AddReplica(1, models.ReplicaRoleData)
	topo.ReplicaGroups[1] = rg
	topo.Admins[1] = &models.AdminMember{ID: 1, ZoneID: 1, StorageNodeID: 1, Address: "h1:5000"}
	return topo
}

func runStoreSuite(t *testing.T, store MetadataStore) {
	ctx := context.Background()

	t.Run("Topology Round Trip", func(t *testing.T) {
		err := store.View(ctx, func(r Reader) error {
			_, err := r.Topology()
			return err
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))

		topo := testTopology()
		require.NoError(t, store.Update(ctx, func(tx Tx) error {
			return tx.PutTopology(topo)
		}))

		var got *models.Topology
		require.NoError(t, store.View(ctx, func(r Reader) error {
			var err error
			got, err = r.Topology()
			return err
		}))
		assert.Equal(t, 3, got.Version)
		assert.True(t, got.Zones[2].Offline)
		assert.Equal(t, models.ZoneTypePrimary, got.Zones[1].Type)
		require.Len(t, got.ReplicaGroups[1].Replicas, 1)
		assert.Equal(t, "rg1-rn1", got.ReplicaGroups[1].Replicas[0].ID)
		assert.Equal(t, "h1:5000", got.Admins[1].Address)
	})

	t.Run("Plan Ids Are Monotonic", func(t *testing.T) {
		var ids []models.PlanID
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Update(ctx, func(tx Tx) error {
				id, err := tx.NextPlanID()
				if err != nil {
					return err
				}
				ids = append(ids, id)
				return tx.PutPlan(&models.Plan{ID: id, Name: "p", State: models.PlanStateNew, CreatedAt: time.Now()})
			}))
		}
		assert.Equal(t, []models.PlanID{1, 2, 3}, ids)

		var plans []*models.Plan
		require.NoError(t, store.View(ctx, func(r Reader) error {
			var err error
			plans, err = r.Plans()
			return err
		}))
		require.Len(t, plans, 3)
		assert.Equal(t, models.PlanID(3), plans[2].ID)
	})

	t.Run("Failed Update Is Rolled Back", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Update(ctx, func(tx Tx) error {
			if err := tx.PutCandidate(&models.Candidate{Name: "lost", Topology: testTopology()}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = store.View(ctx, func(r Reader) error {
			_, err := r.Candidate("lost")
			return err
		})
		assert.True(t, faults.Is(err, faults.ClassNotFound))
	})

	t.Run("Candidates", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, func(tx Tx) error {
			if err := tx.PutCandidate(&models.Candidate{Name: "b", Topology: testTopology()}); err != nil {
				return err
			}
			return tx.PutCandidate(&models.Candidate{Name: models.InternalCandidatePrefix + "a", Internal: true, PlanID: 2, Topology: testTopology()})
		}))

		require.NoError(t, store.Update(ctx, func(tx Tx) error {
			// reads see writes staged earlier in the same transaction
			if err := tx.PutCandidate(&models.Candidate{Name: "c", Topology: testTopology()}); err != nil {
				return err
			}
			if _, err := tx.Candidate("c"); err != nil {
				return err
			}
			return tx.DeleteCandidate("c")
		}))

		var candidates []*models.Candidate
		require.NoError(t, store.View(ctx, func(r Reader) error {
			var err error
			candidates, err = r.Candidates()
			return err
		}))
		require.Len(t, candidates, 2)
		assert.Equal(t, models.InternalCandidatePrefix+"a", candidates[0].Name)
		assert.Equal(t, models.PlanID(2), candidates[0].PlanID)
		assert.Equal(t, "b", candidates[1].Name)
	})

	t.Run("Parameters Default", func(t *testing.T) {
		var params *models.Parameters
		require.NoError(t, store.View(ctx, func(r Reader) error {
			var err error
			params, err = r.Parameters()
			return err
		}))
		assert.NotNil(t, params.Pools)
		assert.NotNil(t, params.ZonePositions)

		params.AdminMembership = []models.AdminID{1, 2}
		params.ZonePositions[2] = 42
		require.NoError(t, store.Update(ctx, func(tx Tx) error { return tx.PutParameters(params) }))

		require.NoError(t, store.View(ctx, func(r Reader) error {
			got, err := r.Parameters()
			if err != nil {
				return err
			}
			assert.Equal(t, []models.AdminID{1, 2}, got.AdminMembership)
			assert.Equal(t, uint64(42), got.ZonePositions[2])
			return nil
		}))
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	runStoreSuite(t, store)
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.View(ctx, func(r Reader) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := NewBBoltStore(BBoltConfig{Path: path})
	require.NoError(t, err)
	runStoreSuite(t, store)
	require.NoError(t, store.Close())

	// data survives reopening the file
	reopened, err := NewBBoltStore(BBoltConfig{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.View(context.Background(), func(r Reader) error {
		plans, err := r.Plans()
		require.Len(t, plans, 3)
		return err
	}))
}

func TestBBoltBackendRequiresPath(t *testing.T) {
	_, err := NewBBoltBackend(BBoltConfig{})
	assert.Error(t, err)
}

// TestYDBStore_Integration runs the suite against a real YDB instance.
// Set YDB_CONNECTION_STRING environment variable to run it.
func TestYDBStore_Integration(t *testing.T) {
	connectionString := os.Getenv("YDB_CONNECTION_STRING")
	if connectionString == "" {
		t.Skip("YDB_CONNECTION_STRING not set, skipping integration tests")
	}

	ctx := context.Background()
	table := "control_metadata_test_" + time.Now().Format("20060102150405")
	store, err := NewYDBStore(ctx, YDBConfig{ConnectionString: connectionString, Table: table})
	require.NoError(t, err)
	defer store.Close()

	runStoreSuite(t, store)
}

func TestYDBBackendRequiresConnectionString(t *testing.T) {
	_, err := NewYDBBackend(context.Background(), YDBConfig{})
	assert.Error(t, err)
}
