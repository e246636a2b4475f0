package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/policy"
)

func TestLoad(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, models.AdminID(1), cfg.Admin.ReplicaID)
	assert.Equal(t, 200*time.Millisecond, cfg.Admin.ElectionDelay)
	assert.Equal(t, 60*time.Second, cfg.Admin.Quorum.LeaderTimeout)

	require.Len(t, cfg.Cluster.Zones, 3)
	assert.Equal(t, models.ZoneTypePrimary, cfg.Cluster.Zones[0].Type)
	assert.Equal(t, models.ZoneTypeSecondary, cfg.Cluster.Zones[1].Type)
	assert.Equal(t, 3, cfg.AdminCount())

	assert.Equal(t, BackendBBolt, cfg.Storage.Backend)
	assert.False(t, cfg.EventBus.Enabled)
	assert.Equal(t, "nats://localhost:4222", cfg.EventBus.NATS.URL)
	assert.Equal(t, policy.TemplateAllowAll, cfg.Policy.Template)

	assert.Equal(t, time.Hour, cfg.Driver.PlanTimeout)
	assert.Equal(t, time.Second, cfg.Driver.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Driver.MasterTimeout)
	assert.Equal(t, 5, cfg.Driver.MaxInterruptions)

	assert.Equal(t, []string{
		"http://localhost:8080/replicas/1",
		"http://localhost:8080/replicas/2",
		"http://localhost:8080/replicas/3",
	}, cfg.Endpoints())
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("KVADMIN_SERVER_PORT", "9999")
	t.Setenv("KVADMIN_STORAGE_BACKEND", "memory")
	t.Setenv("KVADMIN_TELEMETRY_ENABLED", "false")
	t.Setenv("KVADMIN_LOGGING_LEVEL", "debug")
	t.Setenv("KVADMIN_DRIVER_POLL_INTERVAL", "250ms")
	t.Setenv("KVADMIN_ADMIN_REPLICA_ID", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Driver.PollInterval)
	assert.Equal(t, models.AdminID(2), cfg.Admin.ReplicaID)
	assert.Equal(t, "http://localhost:9999/replicas/2", cfg.Endpoints()[1])
}

const sampleConfig = `
server:
  host: 127.0.0.1
  port: 8181
storage:
  backend: memory
cluster:
  name: east-west
  replica_groups: 4
  zones:
    - name: east
      replication_factor: 2
      storage_nodes: 3
      admins: 2
    - name: west
      type: SECONDARY
      replication_factor: 1
      storage_nodes: 2
      admins: 1
driver:
  max_interruptions: 9
client:
  endpoints:
    - http://admin-1:8080
    - http://admin-2:8080
policy:
  template: strict
`

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvadmin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "east-west", cfg.Cluster.Name)
	assert.Equal(t, 4, cfg.Cluster.ReplicaGroups)
	require.Len(t, cfg.Cluster.Zones, 2)
	assert.Equal(t, 2, cfg.Cluster.Zones[0].ReplicationFactor)
	assert.Equal(t, models.ZoneTypeSecondary, cfg.Cluster.Zones[1].Type)
	assert.Equal(t, 3, cfg.AdminCount())
	assert.Equal(t, 9, cfg.Driver.MaxInterruptions)
	assert.Equal(t, []string{"http://admin-1:8080", "http://admin-2:8080"}, cfg.Endpoints())
	assert.Equal(t, policy.TemplateStrict, cfg.Policy.Template)
	// unset keys keep their defaults
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, time.Hour, cfg.Driver.PlanTimeout)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, errMsg: "server port"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "etcd" }, errMsg: "unsupported storage backend"},
		{name: "bbolt without path", mutate: func(c *Config) { c.Storage.Path = "" }, errMsg: "storage path"},
		{
			name:   "ydb without dsn",
			mutate: func(c *Config) { c.Storage.Backend = BackendYDB },
			errMsg: "storage dsn",
		},
		{name: "no zones", mutate: func(c *Config) { c.Cluster.Zones = nil }, errMsg: "no zones"},
		{name: "unknown policy", mutate: func(c *Config) { c.Policy.Template = "nope" }, errMsg: "policy template"},
		{
			name: "event bus without url",
			mutate: func(c *Config) {
				c.EventBus.Enabled = true
				c.EventBus.NATS.URL = ""
			},
			errMsg: "NATS URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
