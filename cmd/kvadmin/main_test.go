package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/global-data-controller/kvadmin/internal/bootstrap"
	"github.com/global-data-controller/kvadmin/internal/config"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/planexec"
)

// startServer serves the default three zone layout in memory and points
// the CLI at it
func startServer(t *testing.T) (*bootstrap.Bootstrap, string) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("KVADMIN_LOGGING_LEVEL", "warn")
	t.Setenv("KVADMIN_ADMIN_ELECTION_DELAY", "5ms")
	t.Setenv("KVADMIN_ADMIN_AWAIT_POLL_INTERVAL", "5ms")
	t.Setenv("KVADMIN_ADMIN_QUORUM_POLL_INTERVAL", "10ms")
	t.Setenv("KVADMIN_DRIVER_POLL_INTERVAL", "50ms")
	t.Setenv("KVADMIN_DRIVER_MASTER_TIMEOUT", "5s")
	t.Setenv("KVADMIN_CLIENT_POLL_INTERVAL", "10ms")
	t.Setenv("KVADMIN_CLIENT_MASTER_TIMEOUT", "5s")

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.GRPCPort = -1
	cfg.Telemetry.Enabled = false

	ctx := context.Background()
	b := bootstrap.New()
	b.Ephemeral = true
	require.NoError(t, b.InitializeConfig(ctx, cfg))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { b.Stop(context.Background()) })

	var eps []string
	for _, e := range b.Cluster.Endpoints() {
		eps = append(eps, fmt.Sprintf("http://%s/replicas/%d", b.Server.HTTPAddr(), e.ID()))
	}
	return b, strings.Join(eps, ",")
}

func execute(t *testing.T, endpoints string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--endpoints", endpoints}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, out string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestInspectCommands(t *testing.T) {
	_, eps := startServer(t)

	out, err := execute(t, eps, "topology", "show")
	require.NoError(t, err)
	var topo models.Topology
	decode(t, out, &topo)
	assert.Equal(t, "kvstore", topo.Name)
	assert.Len(t, topo.Zones, 3)

	out, err = execute(t, eps, "topology", "verify")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = execute(t, eps, "status")
	require.NoError(t, err)
	var statuses []replicaStatus
	decode(t, out, &statuses)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].Status.IsAuthoritativeMaster)

	_, err = execute(t, eps, "plan", "show", "x")
	assert.Error(t, err)
	_, err = execute(t, eps, "plan", "show", "42")
	assert.Error(t, err)
	_, err = execute(t, eps, "failover", "--strategy", "sometimes")
	assert.Error(t, err)
}

func TestCandidateAndPlanCommands(t *testing.T) {
	_, eps := startServer(t)

	_, err := execute(t, eps, "candidate", "copy", "swap")
	require.NoError(t, err)
	_, err = execute(t, eps, "candidate", "zone-type", "swap", "--zone", "2", "--type", "PRIMARY")
	require.NoError(t, err)
	_, err = execute(t, eps, "candidate", "zone-type", "swap", "--zone", "1", "--type", "SECONDARY")
	require.NoError(t, err)
	out, err := execute(t, eps, "candidate", "rebalance", "swap")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = execute(t, eps, "plan", "deploy", "swap-plan", "swap")
	require.NoError(t, err)
	var created map[string]models.PlanID
	decode(t, out, &created)
	id := fmt.Sprint(int64(created["plan"]))

	out, err = execute(t, eps, "plan", "run", id)
	require.NoError(t, err)
	var outcome planexec.Outcome
	decode(t, out, &outcome)
	assert.Equal(t, models.PlanStateSucceeded, outcome.State)

	_, err = execute(t, eps, "plan", "assert-success", id)
	require.NoError(t, err)

	out, err = execute(t, eps, "topology", "show")
	require.NoError(t, err)
	var topo models.Topology
	decode(t, out, &topo)
	assert.True(t, topo.Zones[2].IsPrimary())
	assert.False(t, topo.Zones[1].IsPrimary())
}

func TestLostPrimaryZoneFromCLI(t *testing.T) {
	b, eps := startServer(t)
	ctx := context.Background()
	require.NoError(t, b.Cluster.StopZone(ctx, 1))

	_, err := execute(t, eps, "repair-admin-quorum", "--admin-ids", "1")
	require.Error(t, err)

	out, err := execute(t, eps, "repair-admin-quorum", "--zone-names", "Z2")
	require.NoError(t, err)
	var repaired map[string][]models.AdminID
	decode(t, out, &repaired)
	assert.Equal(t, []models.AdminID{2}, repaired["membership"])

	out, err = execute(t, eps, "failover", "--name", "lost-z1", "--primary-zones", "2", "--offline-zones", "1")
	require.NoError(t, err)
	var outcome planexec.Outcome
	decode(t, out, &outcome)
	assert.Equal(t, models.PlanStateSucceeded, outcome.State)

	require.NoError(t, b.Cluster.StartZone(ctx, 1))
	out, err = execute(t, eps, "repair", "--strategy", "cancel-and-retry")
	require.NoError(t, err)
	decode(t, out, &outcome)
	assert.Equal(t, models.PlanStateSucceeded, outcome.State)

	out, err = execute(t, eps, "topology", "show")
	require.NoError(t, err)
	var topo models.Topology
	decode(t, out, &topo)
	assert.True(t, topo.Zones[2].IsPrimary())
	assert.False(t, topo.Zones[1].Offline)
	assert.Equal(t, models.ZoneTypeSecondary, topo.Zones[1].Type)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("KVADMIN_LOGGING_LEVEL", "error")
	t.Setenv("KVADMIN_TELEMETRY_ENABLED", "false")

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"serve", "--ephemeral", "--port", "18089", "--grpc-port=-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
