package topology

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/storage"
)

func twoZoneLayout() Layout {
	return Layout{
		Name:          "store",
		ReplicaGroups: 2,
		Zones: []ZoneSpec{
			{Name: "Z1", ReplicationFactor: 1, Type: models.ZoneTypePrimary, StorageNodes: 2, Admins: 1},
			{Name: "Z2", ReplicationFactor: 1, Type: models.ZoneTypeSecondary, StorageNodes: 2, Admins: 1},
		},
	}
}

func mustBuild(t *testing.T, layout Layout) *models.Topology {
	t.Helper()
	topo, err := Build(layout)
	require.NoError(t, err)
	return topo
}

func TestBuild(t *testing.T) {
	topo := mustBuild(t, twoZoneLayout())

	assert.Len(t, topo.Zones, 2)
	assert.Len(t, topo.StorageNodes, 4)
	assert.Len(t, topo.Admins, 2)
	assert.Equal(t, models.ZoneID(2), topo.Admins[2].ZoneID)
	assert.Equal(t, "localhost:5003", topo.Admins[2].Address)
	assert.Empty(t, ValidateStructure(topo))

	// least loaded placement spreads groups across the zone's nodes
	load := topo.NodeLoad()
	for _, sn := range topo.StorageNodes {
		assert.Equal(t, 1, load[sn.ID], "node %s", sn.ID)
	}

	params := InitialParameters(topo)
	assert.Equal(t, []models.AdminID{1}, params.AdminMembership)
	assert.Len(t, params.Pools[models.DefaultPool], 4)
}

func TestApplyZoneTypeChange(t *testing.T) {
	topo := mustBuild(t, twoZoneLayout())
	before := topo.Clone()

	c, err := ApplyZoneTypeChange(topo, 2, models.ZoneTypePrimary, "promote")
	require.NoError(t, err)

	if diff := cmp.Diff(before, topo); diff != "" {
		t.Fatalf("live topology was modified (-before +after):\n%s", diff)
	}
	assert.Equal(t, models.ZoneTypePrimary, c.Topology.Zones[2].Type)
	assert.Equal(t, "promote", c.Name)
	assert.False(t, c.Internal)

	delta := ComputeReplicationDelta(topo, c)
	assert.Equal(t, ReplicationDelta{PrimaryRFBefore: 1, PrimaryRFAfter: 2}, delta)
	assert.False(t, delta.Reduced())

	_, err = ApplyZoneTypeChange(topo, 9, models.ZoneTypePrimary, "x")
	assert.True(t, faults.HasCode(err, faults.CodeZonesNotFound))
}

func TestReplicationDelta(t *testing.T) {
	tests := []struct {
		name    string
		delta   ReplicationDelta
		reduced bool
		lost    bool
	}{
		{"constant", ReplicationDelta{3, 3}, false, false},
		{"reduction", ReplicationDelta{3, 2}, true, false},
		{"arbiters lost", ReplicationDelta{2, 3}, false, true},
		{"arbiters kept", ReplicationDelta{1, 2}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reduced, tt.delta.Reduced())
			assert.Equal(t, tt.lost, tt.delta.ArbitersLost())
		})
	}
}

func TestValidateStructure(t *testing.T) {
	t.Run("RF Mismatch After Raising RF", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.Zones[1].ReplicationFactor = 2

		vs := ValidateStructure(topo)
		require.Len(t, vs, 2)
		for _, v := range vs {
			assert.Equal(t, models.ViolationRFMismatch, v.Kind)
		}
	})

	t.Run("Data In Zero RF Zone", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.Zones[2].ReplicationFactor = 0
		assert.True(t, models.HasViolation(ValidateStructure(topo), models.ViolationDataInZeroRFZone))
	})

	t.Run("Arbiter Placement", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		rg := topo.ReplicaGroups[1]

		// zone 1 does not allow arbiters
		rg.AddReplica(2, models.ReplicaRoleArbiter)
		vs := ValidateStructure(topo)
		require.Len(t, vs, 1)
		assert.Equal(t, models.ViolationArbiterNotAllowed, vs[0].Kind)

		// arbiters in a secondary zone are the wrong node type
		topo.Zones[1].AllowArbiters = true
		rg.Replicas[len(rg.Replicas)-1].StorageNodeID = 4
		vs = ValidateStructure(topo)
		require.Len(t, vs, 1)
		assert.Equal(t, models.ViolationWrongNodeType, vs[0].Kind)
		assert.Equal(t, "rg1", vs[0].Resource)
	})

	t.Run("Offline Zone Pending Repair", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.Zones[1].Offline = true
		topo.Zones[1].Type = models.ZoneTypeSecondary
		topo.Zones[2].Type = models.ZoneTypePrimary

		vs := ValidateStructure(topo)
		require.Len(t, vs, 1)
		assert.Equal(t, models.ViolationOfflineZone, vs[0].Kind)
		assert.True(t, vs[0].PendingRepair())
	})

	t.Run("Capacity And Unknown Nodes", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.StorageNodes[1].Capacity = 1
		topo.ReplicaGroups[2].Replicas[0].StorageNodeID = 1
		topo.ReplicaGroups[1].AddReplica(99, models.ReplicaRoleData)
		topo.ReplicaGroups[3] = &models.ReplicaGroup{ID: 3}

		vs := ValidateStructure(topo)
		assert.True(t, models.HasViolation(vs, models.ViolationUnderCapacity))
		assert.True(t, models.HasViolation(vs, models.ViolationUnknownStorageNode))
		assert.True(t, models.HasViolation(vs, models.ViolationEmptyReplicaGroup))
	})
}

type downNodes map[models.StorageNodeID]bool

func (d downNodes) NodeReachable(sn models.StorageNodeID) bool { return !d[sn] }

func TestVerifyReportsUnreachableNodes(t *testing.T) {
	topo := mustBuild(t, twoZoneLayout())
	vs := Verify(topo, downNodes{3: true})
	require.Len(t, vs, 1)
	assert.Equal(t, models.ViolationRMIFailed, vs[0].Kind)
	assert.Equal(t, "sn3", vs[0].Resource)

	// nodes of offline zones are covered by the offline violation
	topo.Zones[2].Offline = true
	vs = Verify(topo, downNodes{3: true})
	require.Len(t, vs, 1)
	assert.Equal(t, models.ViolationOfflineZone, vs[0].Kind)
}

func TestRebalance(t *testing.T) {
	t.Run("Raises And Lowers RF", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.Zones[1].ReplicationFactor = 2
		require.Empty(t, Rebalance(topo, nil))
		assert.Empty(t, ValidateStructure(topo))

		topo.Zones[1].ReplicationFactor = 1
		require.Empty(t, Rebalance(topo, nil))
		assert.Empty(t, ValidateStructure(topo))
		for _, g := range topo.ReplicaGroups {
			assert.Len(t, g.Replicas, 2)
		}
	})

	t.Run("Never Colocates A Group", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.Zones[1].ReplicationFactor = 3

		vs := Rebalance(topo, nil)
		require.Len(t, vs, 2)
		assert.Equal(t, models.ViolationUnderCapacity, vs[0].Kind)
		for _, g := range topo.ReplicaGroups {
			seen := map[models.StorageNodeID]bool{}
			for _, r := range g.Replicas {
				assert.False(t, seen[r.StorageNodeID])
				seen[r.StorageNodeID] = true
			}
		}
	})

	t.Run("Places Arbiter At RF 2", func(t *testing.T) {
		layout := Layout{
			Name:          "arb",
			ReplicaGroups: 1,
			Zones: []ZoneSpec{
				{Name: "A", ReplicationFactor: 1, StorageNodes: 1, Admins: 1},
				{Name: "B", ReplicationFactor: 1, StorageNodes: 1, Admins: 1},
				{Name: "C", ReplicationFactor: 0, AllowArbiters: true, StorageNodes: 1, Admins: 1},
			},
		}
		topo := mustBuild(t, layout)
		rg := topo.ReplicaGroups[1]
		require.Len(t, rg.Replicas, 3)
		assert.Equal(t, models.ReplicaRoleArbiter, rg.Replicas[2].Role)
		assert.Equal(t, models.StorageNodeID(3), rg.Replicas[2].StorageNodeID)
		assert.Empty(t, ValidateStructure(topo))

		// raising the primary RF to 3 disallows arbiters
		topo.Zones[1].ReplicationFactor = 2
		topo.StorageNodes[4] = &models.StorageNode{ID: 4, ZoneID: 1}
		assert.True(t, models.HasViolation(ValidateStructure(topo), models.ViolationArbiterNotAllowed))
		require.Empty(t, Rebalance(topo, nil))
		assert.Empty(t, ValidateStructure(topo))
		for _, r := range rg.Replicas {
			assert.Equal(t, models.ReplicaRoleData, r.Role)
		}
	})

	t.Run("Moves Arbiter Out Of Offline Zone", func(t *testing.T) {
		layout := Layout{
			Name:          "arb",
			ReplicaGroups: 1,
			Zones: []ZoneSpec{
				{Name: "A", ReplicationFactor: 1, StorageNodes: 1, Admins: 1},
				{Name: "B", ReplicationFactor: 1, StorageNodes: 1, Admins: 1},
				{Name: "C", ReplicationFactor: 0, AllowArbiters: true, StorageNodes: 1, Admins: 1},
				{Name: "D", ReplicationFactor: 0, AllowArbiters: true, StorageNodes: 1, Admins: 1},
			},
		}
		topo := mustBuild(t, layout)
		rg := topo.ReplicaGroups[1]
		arbiters := func() []models.StorageNodeID {
			var out []models.StorageNodeID
			for _, r := range rg.Replicas {
				if r.Role == models.ReplicaRoleArbiter {
					out = append(out, r.StorageNodeID)
				}
			}
			return out
		}
		require.Equal(t, []models.StorageNodeID{3}, arbiters())

		topo.Zones[3].Offline = true
		require.Empty(t, Rebalance(topo, nil))
		assert.Equal(t, []models.StorageNodeID{4}, arbiters())
		assert.Equal(t, 0, topo.NodeLoad()[3])

		// with no online arbiter zone the offline arbiter stays
		topo = mustBuild(t, layout)
		rg = topo.ReplicaGroups[1]
		topo.Zones[3].Offline = true
		topo.Zones[4].AllowArbiters = false
		require.Empty(t, Rebalance(topo, nil))
		assert.Equal(t, []models.StorageNodeID{3}, arbiters())
	})

	t.Run("Respects Pool", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.Zones[2].ReplicationFactor = 2
		vs := Rebalance(topo, []models.StorageNodeID{1, 2, 3})
		require.Len(t, vs, 1)
		assert.Equal(t, "rg1", vs[0].Resource)
	})

	t.Run("Skips Offline Zones", func(t *testing.T) {
		topo := mustBuild(t, twoZoneLayout())
		topo.Zones[1].Offline = true
		topo.Zones[1].ReplicationFactor = 2
		before := topo.Clone()
		require.Empty(t, Rebalance(topo, nil))
		assert.Empty(t, cmp.Diff(before, topo))
	})
}

func TestStorageNodes(t *testing.T) {
	topo := mustBuild(t, twoZoneLayout())

	sn := &models.StorageNode{ZoneID: 2, Capacity: 3}
	require.NoError(t, AddStorageNode(topo, sn))
	assert.Equal(t, models.StorageNodeID(5), sn.ID)

	assert.Error(t, AddStorageNode(topo, &models.StorageNode{ZoneID: 7}))
	assert.Error(t, RemoveStorageNode(topo, 1))
	require.NoError(t, RemoveStorageNode(topo, 5))
	assert.True(t, faults.Is(RemoveStorageNode(topo, 5), faults.ClassNotFound))
}

func TestCandidateService(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	topo := mustBuild(t, twoZoneLayout())
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutParameters(&models.Parameters{Pools: map[string][]models.StorageNodeID{"small": {1, 3}}}); err != nil {
			return err
		}
		return tx.PutTopology(topo)
	}))
	svc := NewCandidateService(store)

	c, err := svc.CopyCurrent(ctx, "next")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(topo, c.Topology))

	_, err = svc.CopyCurrent(ctx, "next")
	assert.True(t, faults.HasCode(err, faults.CodeCandidateExists))

	_, err = svc.CopyCurrent(ctx, models.InternalCandidatePrefix+"fo")
	require.NoError(t, err)

	visible, err := svc.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "next", visible[0].Name)

	all, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	c, err = svc.ChangeZoneType(ctx, "next", 2, models.ZoneTypePrimary)
	require.NoError(t, err)
	assert.Equal(t, models.ZoneTypePrimary, c.Topology.Zones[2].Type)

	live, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ZoneTypeSecondary, live.Zones[2].Type)

	_, err = svc.ChangeZoneArbiters(ctx, "next", 1, true)
	require.NoError(t, err)

	_, err = svc.Mutate(ctx, "next", func(t *models.Topology) error {
		t.Zones[1].ReplicationFactor = 2
		return nil
	})
	require.NoError(t, err)
	_, vs, err := svc.Rebalance(ctx, "next", "small")
	require.NoError(t, err)
	require.Len(t, vs, 1, "pool only has one node in zone 1")
	assert.Equal(t, "rg1", vs[0].Resource)

	_, _, err = svc.Rebalance(ctx, "next", "missing")
	assert.True(t, faults.Is(err, faults.ClassNotFound))

	// an unfinished plan pins its candidate
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutPlan(&models.Plan{ID: 1, State: models.PlanStateApproved, Target: models.PlanTarget{Candidate: "next"}})
	}))
	err = svc.Delete(ctx, "next")
	assert.True(t, faults.HasCode(err, faults.CodeCandidateBusy))

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutPlan(&models.Plan{ID: 1, State: models.PlanStateCanceled, Target: models.PlanTarget{Candidate: "next"}})
	}))
	require.NoError(t, svc.Delete(ctx, "next"))
	_, err = svc.Get(ctx, "next")
	assert.True(t, faults.Is(err, faults.ClassNotFound))
}
