package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTopology() *Topology {
	topo := NewTopology("store")
	topo.Zones[1] = &Zone{ID: 1, Name: "Z1", ReplicationFactor: 1, Type: ZoneTypePrimary}
	topo.Zones[2] = &Zone{ID: 2, Name: "Z2", ReplicationFactor: 1, Type: ZoneTypeSecondary}
	topo.StorageNodes[1] = &StorageNode{ID: 1, ZoneID: 1, Capacity: 2}
	topo.StorageNodes[2] = &StorageNode{ID: 2, ZoneID: 2, Capacity: 2}
	rg := &ReplicaGroup{ID: 1}
	rg.AddReplica(1, ReplicaRoleData)
	rg.AddReplica(2, ReplicaRoleData)
	topo.ReplicaGroups[1] = rg
	topo.Admins[1] = &AdminMember{ID: 1, ZoneID: 1, StorageNodeID: 1}
	topo.Admins[2] = &AdminMember{ID: 2, ZoneID: 2, StorageNodeID: 2}
	return topo
}

func TestIdentifiers(t *testing.T) {
	assert.Equal(t, "zn1", ZoneID(1).String())
	assert.Equal(t, "sn12", StorageNodeID(12).String())
	assert.Equal(t, "rg3", ReplicaGroupID(3).String())
	assert.Equal(t, "admin2", AdminID(2).String())
	assert.Equal(t, "plan-7", PlanID(7).String())
}

func TestParseZoneType(t *testing.T) {
	zt, err := ParseZoneType(" primary ")
	require.NoError(t, err)
	assert.Equal(t, ZoneTypePrimary, zt)

	_, err = ParseZoneType("tertiary")
	assert.Error(t, err)
}

func TestTopology(t *testing.T) {
	t.Run("Clone Is Deep", func(t *testing.T) {
		topo := sampleTopology()
		clone := topo.Clone()

		clone.Zones[1].Type = ZoneTypeSecondary
		clone.ReplicaGroups[1].Replicas[0].Role = ReplicaRoleArbiter
		clone.ReplicaGroups[1].AddReplica(2, ReplicaRoleArbiter)

		assert.Equal(t, ZoneTypePrimary, topo.Zones[1].Type)
		assert.Equal(t, ReplicaRoleData, topo.ReplicaGroups[1].Replicas[0].Role)
		assert.Len(t, topo.ReplicaGroups[1].Replicas, 2)
	})

	t.Run("Primary Replication Factor", func(t *testing.T) {
		topo := sampleTopology()
		assert.Equal(t, 1, topo.PrimaryReplicationFactor())

		topo.Zones[2].Type = ZoneTypePrimary
		assert.Equal(t, 2, topo.PrimaryReplicationFactor())
	})

	t.Run("Sorted Accessors", func(t *testing.T) {
		topo := sampleTopology()
		zones := topo.SortedZones()
		require.Len(t, zones, 2)
		assert.Equal(t, ZoneID(1), zones[0].ID)
		assert.Equal(t, ZoneID(2), zones[1].ID)

		z, ok := topo.ZoneByName("Z2")
		require.True(t, ok)
		assert.Equal(t, ZoneID(2), z.ID)

		assert.Len(t, topo.AdminsInZone(2), 1)
		assert.Len(t, topo.StorageNodesInZone(1), 1)
		assert.Equal(t, StorageNodeID(3), topo.NextStorageNodeID())
	})

	t.Run("Replica Ids Are Not Reused", func(t *testing.T) {
		rg := &ReplicaGroup{ID: 4}
		first := rg.AddReplica(1, ReplicaRoleData)
		require.True(t, rg.RemoveReplica(first.ID))
		second := rg.AddReplica(1, ReplicaRoleData)
		arb := rg.AddReplica(2, ReplicaRoleArbiter)

		assert.Equal(t, "rg4-rn1", first.ID)
		assert.Equal(t, "rg4-rn2", second.ID)
		assert.Equal(t, "rg4-an3", arb.ID)
		assert.True(t, rg.HostsNode(2))
		assert.False(t, rg.HostsNode(1) && rg.HostsNode(3))
	})
}

func TestPlanState(t *testing.T) {
	assert.True(t, PlanStateSucceeded.IsTerminal())
	assert.True(t, PlanStateError.IsTerminal())
	assert.True(t, PlanStateCanceled.IsTerminal())
	assert.False(t, PlanStateInterrupted.IsTerminal())
	assert.True(t, PlanStateInterrupted.Settled())
	assert.False(t, PlanStateRunning.Settled())
	assert.False(t, PlanStateError.IsFinished())
}

func TestPlanCloneAndProgress(t *testing.T) {
	plan := &Plan{ID: 1, Name: "deploy", Target: PlanTarget{Membership: []AdminID{1, 2}}}
	plan.AddTask(&Task{Type: TaskChangeZoneType, Zone: 1})
	plan.AddTask(&Task{Type: TaskCommitTopology})
	plan.Tasks[0].State = TaskStateSucceeded

	done, total := plan.Progress()
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, plan.Tasks[1].Index)
	assert.True(t, plan.Target.IsMembership())

	clone := plan.Clone()
	clone.Tasks[1].State = TaskStateSucceeded
	clone.Target.Membership[0] = 9
	assert.Equal(t, TaskStatePending, plan.Tasks[1].State)
	assert.Equal(t, AdminID(1), plan.Target.Membership[0])
}

func TestViolations(t *testing.T) {
	vs := []Violation{
		NewViolation(ViolationOfflineZone, ZoneID(1), "zone is offline"),
		NewViolation(ViolationRFMismatch, ReplicaGroupID(2), "expected %d got %d", 1, 0),
	}
	assert.Equal(t, "zn1", vs[0].Resource)
	assert.True(t, vs[0].PendingRepair())
	assert.False(t, vs[1].PendingRepair())
	assert.Equal(t, "expected 1 got 0", vs[1].Detail)

	rest := FilterViolations(vs, ViolationOfflineZone)
	require.Len(t, rest, 1)
	assert.Equal(t, ViolationRFMismatch, rest[0].Kind)
	assert.True(t, HasViolation(vs, ViolationOfflineZone))
	assert.False(t, HasViolation(rest, ViolationOfflineZone))
}

func TestCandidateNames(t *testing.T) {
	assert.True(t, IsInternalCandidate(InternalCandidatePrefix+"failover"))
	assert.False(t, IsInternalCandidate("mycandidate"))

	c := &Candidate{Name: "c", Topology: sampleTopology()}
	cc := c.Clone()
	cc.Topology.Zones[1].Name = "changed"
	assert.Equal(t, "Z1", c.Topology.Zones[1].Name)
}

func TestParametersClone(t *testing.T) {
	p := &Parameters{
		Pools:           map[string][]StorageNodeID{DefaultPool: {1, 2}},
		AdminMembership: []AdminID{1},
		ZonePositions:   map[ZoneID]uint64{1: 10},
	}
	c := p.Clone()
	c.Pools[DefaultPool][0] = 5
	c.ZonePositions[1] = 0
	assert.Equal(t, StorageNodeID(1), p.Pools[DefaultPool][0])
	assert.Equal(t, uint64(10), p.ZonePositions[1])
	assert.True(t, p.HasMember(1))
	assert.False(t, p.HasMember(2))
}
