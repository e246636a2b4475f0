package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/global-data-controller/kvadmin/internal/api"
	"github.com/global-data-controller/kvadmin/internal/eventbus"
	"github.com/global-data-controller/kvadmin/internal/logging"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/planexec"
	"github.com/global-data-controller/kvadmin/internal/policy"
	"github.com/global-data-controller/kvadmin/internal/quorum"
	"github.com/global-data-controller/kvadmin/internal/telemetry"
	"github.com/global-data-controller/kvadmin/internal/topology"
)

// EnvPrefix prefixes every environment override, e.g. KVADMIN_SERVER_PORT
const EnvPrefix = "KVADMIN"

// Storage backends
const (
	BackendMemory = "memory"
	BackendBBolt  = "bbolt"
	BackendYDB    = "ydb"
)

// Config holds the configuration of the admin server and of the CLI
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Admin     AdminConfig               `mapstructure:"admin"`
	Cluster   topology.Layout           `mapstructure:"cluster"`
	Storage   StorageConfig             `mapstructure:"storage"`
	EventBus  eventbus.Config           `mapstructure:"eventbus"`
	Telemetry telemetry.TelemetryConfig `mapstructure:"telemetry"`
	Logging   logging.LoggingConfig     `mapstructure:"logging"`
	Policy    policy.Config             `mapstructure:"policy"`
	Driver    planexec.Config           `mapstructure:"driver"`
	Client    ClientConfig              `mapstructure:"client"`
	API       api.Config                `mapstructure:"api"`
}

// ServerConfig holds the listeners of kvadmin serve
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AdminConfig configures the in-process admin replicas
type AdminConfig struct {
	// ReplicaID is the replica served at the root of the HTTP listener.
	// Every replica is also served under /replicas/{id}.
	ReplicaID         models.AdminID `mapstructure:"replica_id"`
	ElectionDelay     time.Duration  `mapstructure:"election_delay"`
	TaskDelay         time.Duration  `mapstructure:"task_delay"`
	AwaitPollInterval time.Duration  `mapstructure:"await_poll_interval"`
	Quorum            quorum.Config  `mapstructure:"quorum"`
}

// StorageConfig selects the metadata store backend
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	// Path is the bbolt file.
	Path string `mapstructure:"path"`
	// DSN is the YDB connection string.
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// ClientConfig configures the CLI connection to the replicas
type ClientConfig struct {
	// Endpoints are replica base URLs. When empty, the replicas of the
	// local server are derived from server and cluster.
	Endpoints      []string      `mapstructure:"endpoints"`
	MasterTimeout  time.Duration `mapstructure:"master_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load loads configuration from the default locations and the environment
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from configFile, or from kvadmin.yaml
// in the search paths when configFile is empty
func LoadFromFile(configFile string) (*Config, error) {
	v := New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return Read(v)
}

// New returns a viper instance with defaults, search paths and the
// environment bound. Callers may bind flags before Read.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("kvadmin")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/kvadmin")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read reads the config file, if any, and decodes v
func Read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the sections that cannot be defaulted
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server grpc port %d out of range", c.Server.GRPCPort)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the bbolt backend")
		}
	case BackendYDB:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for the ydb backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	if len(c.Cluster.Zones) == 0 {
		return fmt.Errorf("cluster layout has no zones")
	}
	if c.Driver.MaxInterruptions < 0 {
		return fmt.Errorf("driver max interruptions must not be negative")
	}
	if c.Policy.ModulePath == "" {
		if _, ok := policy.GetTemplate(c.Policy.Template); !ok {
			return fmt.Errorf("unknown policy template %q", c.Policy.Template)
		}
	}
	return c.EventBus.Validate()
}

// AdminCount is the number of admin replicas the cluster layout declares
func (c *Config) AdminCount() int {
	n := 0
	for _, z := range c.Cluster.Zones {
		n += z.Admins
	}
	return n
}

// Endpoints returns the replica base URLs the CLI talks to
func (c *Config) Endpoints() []string {
	if len(c.Client.Endpoints) > 0 {
		return c.Client.Endpoints
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	var out []string
	for id := 1; id <= c.AdminCount(); id++ {
		out = append(out, fmt.Sprintf("http://%s:%d/replicas/%d", host, c.Server.Port, id))
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m")

	v.SetDefault("admin.replica_id", 1)
	v.SetDefault("admin.election_delay", "200ms")
	v.SetDefault("admin.task_delay", "0s")
	v.SetDefault("admin.await_poll_interval", "50ms")
	v.SetDefault("admin.quorum.poll_interval", "1s")
	v.SetDefault("admin.quorum.leader_timeout", "60s")

	v.SetDefault("cluster.name", "kvstore")
	v.SetDefault("cluster.host", "localhost")
	v.SetDefault("cluster.base_port", 5000)
	v.SetDefault("cluster.replica_groups", 3)
	v.SetDefault("cluster.zones", []map[string]interface{}{
		{"name": "Z1", "type": string(models.ZoneTypePrimary), "replication_factor": 1, "storage_nodes": 2, "admins": 1},
		{"name": "Z2", "type": string(models.ZoneTypeSecondary), "replication_factor": 1, "storage_nodes": 2, "admins": 1},
		{"name": "Z3", "type": string(models.ZoneTypeSecondary), "replication_factor": 1, "storage_nodes": 2, "admins": 1},
	})

	v.SetDefault("storage.backend", BackendBBolt)
	v.SetDefault("storage.path", "kvadmin.db")
	v.SetDefault("storage.table", "control_metadata")

	bus := eventbus.DefaultConfig()
	v.SetDefault("eventbus.enabled", bus.Enabled)
	v.SetDefault("eventbus.type", bus.Type)
	v.SetDefault("eventbus.nats.url", bus.NATS.URL)
	v.SetDefault("eventbus.nats.stream_name", bus.NATS.StreamName)
	v.SetDefault("eventbus.nats.subject_prefix", bus.NATS.SubjectPrefix)
	v.SetDefault("eventbus.nats.storage", bus.NATS.Storage)
	v.SetDefault("eventbus.nats.max_age", bus.NATS.MaxAge)
	v.SetDefault("eventbus.nats.max_bytes", bus.NATS.MaxBytes)
	v.SetDefault("eventbus.nats.max_msgs", bus.NATS.MaxMsgs)
	v.SetDefault("eventbus.nats.replicas", bus.NATS.Replicas)
	v.SetDefault("eventbus.nats.duplicate_window", bus.NATS.DuplicateWindow)
	v.SetDefault("eventbus.nats.connect_timeout", bus.NATS.ConnectTimeout)
	v.SetDefault("eventbus.nats.reconnect_wait", bus.NATS.ReconnectWait)
	v.SetDefault("eventbus.nats.max_reconnects", bus.NATS.MaxReconnects)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 0)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "kvadmin")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")

	v.SetDefault("policy.template", policy.TemplateAllowAll)
	v.SetDefault("policy.module_path", "")

	driver := planexec.DefaultConfig()
	v.SetDefault("driver.plan_timeout", driver.PlanTimeout)
	v.SetDefault("driver.poll_interval", driver.PollInterval)
	v.SetDefault("driver.master_timeout", driver.MasterTimeout)
	v.SetDefault("driver.max_interruptions", driver.MaxInterruptions)

	v.SetDefault("client.endpoints", []string{})
	v.SetDefault("client.master_timeout", "60s")
	v.SetDefault("client.poll_interval", "200ms")
	v.SetDefault("client.request_timeout", "2m")

	gw := api.DefaultConfig()
	v.SetDefault("api.requests_per_minute", gw.RequestsPerMinute)
	v.SetDefault("api.burst", gw.Burst)
	v.SetDefault("api.max_await", gw.MaxAwait)
}
