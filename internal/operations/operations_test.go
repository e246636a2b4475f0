package operations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/kvadmin/internal/admin"
	"github.com/global-data-controller/kvadmin/internal/client"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/group"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/planexec"
	"github.com/global-data-controller/kvadmin/internal/quorum"
	"github.com/global-data-controller/kvadmin/internal/topology"
)

// newOperations starts a store with primary zone Z1 hosting admin1 and
// secondary zone Z2 hosting admin2
func newOperations(t *testing.T) (*admin.Cluster, *Operations) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	c, err := admin.NewCluster(ctx, admin.ClusterConfig{
		Layout: topology.Layout{
			Name:          "store",
			ReplicaGroups: 3,
			Zones: []topology.ZoneSpec{
				{Name: "Z1", ReplicationFactor: 1, StorageNodes: 2, Admins: 1},
				{Name: "Z2", ReplicationFactor: 1, Type: models.ZoneTypeSecondary, StorageNodes: 2, Admins: 1},
			},
		},
		Admin: admin.Config{
			AwaitPollInterval: 2 * time.Millisecond,
			Quorum:            quorum.Config{PollInterval: 5 * time.Millisecond, LeaderTimeout: 2 * time.Second},
		},
		Group: group.Config{ElectionDelay: 5 * time.Millisecond},
	}, admin.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	_, err = c.WaitForMaster(ctx, 5*time.Second)
	require.NoError(t, err)

	var replicas []client.API
	for _, e := range c.Endpoints() {
		replicas = append(replicas, e)
	}
	conn := client.NewConnector(replicas, client.Config{MasterTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond}, logger)
	driver := planexec.NewDriver(conn, planexec.Config{
		PlanTimeout:   10 * time.Second,
		PollInterval:  10 * time.Millisecond,
		MasterTimeout: 5 * time.Second,
	}, logger)
	return c, New(driver, logger)
}

func master(t *testing.T, ops *Operations) client.API {
	t.Helper()
	api, err := ops.conn.Master(context.Background())
	require.NoError(t, err)
	return api
}

func TestLostPrimaryZone(t *testing.T) {
	ctx := context.Background()
	c, ops := newOperations(t)

	require.NoError(t, c.StopZone(ctx, 1))
	_, err := ops.conn.Master(ctx)
	require.Error(t, err)

	t.Run("unreachable admins cannot form a quorum", func(t *testing.T) {
		_, err := ops.RepairAdminQuorum(ctx, models.QuorumRepairRequest{AdminIDs: []models.AdminID{1}})
		assert.True(t, faults.HasCode(err, faults.CodeNoQuorumPossible))
		_, err = ops.RepairAdminQuorum(ctx, models.QuorumRepairRequest{ZoneNames: []string{"Z3"}})
		assert.True(t, faults.HasCode(err, faults.CodeUnknownZone))
		_, err = ops.RepairAdminQuorum(ctx, models.QuorumRepairRequest{})
		assert.True(t, faults.HasCode(err, faults.CodeInvalidArgument))
	})

	members, err := ops.RepairAdminQuorum(ctx, models.QuorumRepairRequest{AdminIDs: []models.AdminID{2}})
	require.NoError(t, err)
	assert.Equal(t, []models.AdminID{2}, members)

	addr, err := master(t, ops).MasterAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AdminID(2), addr.ID)

	t.Run("preflight rejects an answering zone", func(t *testing.T) {
		_, err := ops.Failover(ctx, models.FailoverRequest{OfflineZones: []models.ZoneID{1, 2}}, planexec.Reexecute)
		assert.True(t, faults.HasCode(err, faults.CodeZoneReachable))
		_, err = ops.Failover(ctx, models.FailoverRequest{
			NewPrimaryZones: []models.ZoneID{1},
			OfflineZones:    []models.ZoneID{1},
		}, planexec.Reexecute)
		assert.True(t, faults.HasCode(err, faults.CodeMultipleTypes))
	})

	out, err := ops.Failover(ctx, models.FailoverRequest{
		Name:            "lost-z1",
		NewPrimaryZones: []models.ZoneID{2},
		OfflineZones:    []models.ZoneID{1},
	}, planexec.Reexecute)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStateSucceeded, out.State)

	api := master(t, ops)
	topo, err := api.Topology(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ZoneTypeSecondary, topo.Zones[1].Type)
	assert.True(t, topo.Zones[1].Offline)
	assert.Equal(t, models.ZoneTypePrimary, topo.Zones[2].Type)
	assert.False(t, topo.Zones[2].Offline)

	cs, err := api.ListCandidates(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, cs)

	require.NoError(t, c.StartZone(ctx, 1))
	out, err = ops.Repair(ctx, "z1-back", planexec.Reexecute)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStateSucceeded, out.State)

	topo, err = master(t, ops).Topology(ctx)
	require.NoError(t, err)
	assert.False(t, topo.Zones[1].Offline)
	assert.Equal(t, models.ZoneTypeSecondary, topo.Zones[1].Type)
	vs, err := master(t, ops).VerifyTopology(ctx)
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestSwitchover(t *testing.T) {
	ctx := context.Background()
	c, ops := newOperations(t)

	t.Run("invalid requests", func(t *testing.T) {
		_, err := ops.Switchover(ctx, SwitchoverRequest{Name: "empty"}, planexec.Reexecute)
		assert.True(t, faults.HasCode(err, faults.CodeInvalidArgument))
		_, err = ops.Switchover(ctx, SwitchoverRequest{
			Name:    models.InternalCandidatePrefix + "x",
			Primary: []models.ZoneID{2},
		}, planexec.Reexecute)
		assert.True(t, faults.HasCode(err, faults.CodeInvalidArgument))
		_, err = ops.Switchover(ctx, SwitchoverRequest{
			Name:      "twice",
			Primary:   []models.ZoneID{2},
			Secondary: []models.ZoneID{2},
		}, planexec.Reexecute)
		assert.True(t, faults.HasCode(err, faults.CodeMultipleTypes))
	})

	for _, strategy := range []planexec.Strategy{planexec.Reexecute, planexec.CancelAndRetry} {
		strategy := strategy
		t.Run(strategy.String(), func(t *testing.T) {
			primary, secondary := models.ZoneID(2), models.ZoneID(1)
			if topo, err := master(t, ops).Topology(ctx); err == nil && topo.Zones[2].IsPrimary() {
				primary, secondary = secondary, primary
			}

			out, err := ops.Switchover(ctx, SwitchoverRequest{
				Name:      "swap",
				Primary:   []models.ZoneID{primary},
				Secondary: []models.ZoneID{secondary},
			}, strategy)
			require.NoError(t, err)
			assert.Equal(t, models.PlanStateSucceeded, out.State)
			// the admin membership follows the primary zone, which moves
			// mastership in the middle of the plan
			assert.GreaterOrEqual(t, out.Interruptions, 1)

			api := master(t, ops)
			topo, err := api.Topology(ctx)
			require.NoError(t, err)
			assert.True(t, topo.Zones[primary].IsPrimary())
			assert.False(t, topo.Zones[secondary].IsPrimary())

			params, err := api.Parameters(ctx)
			require.NoError(t, err)
			assert.Equal(t, []models.AdminID{models.AdminID(primary)}, params.AdminMembership)
			assert.Equal(t, []models.AdminID{models.AdminID(primary)}, c.Group().Membership())

			_, err = api.Candidate(ctx, "swap")
			assert.True(t, faults.Is(err, faults.ClassNotFound))
		})
	}
}

func TestDriveRejectsCancelAndRetry(t *testing.T) {
	_, ops := newOperations(t)
	_, err := ops.Drive(context.Background(), 1, planexec.CancelAndRetry, false)
	assert.True(t, faults.HasCode(err, faults.CodeInvalidArgument))
}
