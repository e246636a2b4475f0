// Package client locates the admin master among a set of replicas and
// retries calls across master changes.
package client

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// API is the admin surface served by every replica
type API interface {
	IsAuthoritativeMaster(ctx context.Context) (bool, error)
	MasterAddress(ctx context.Context) (*models.AdminAddress, error)
	AdminStatus(ctx context.Context) (*models.AdminStatus, error)
	Topology(ctx context.Context) (*models.Topology, error)
	Parameters(ctx context.Context) (*models.Parameters, error)
	VerifyTopology(ctx context.Context) ([]models.Violation, error)

	CopyCurrentTopology(ctx context.Context, name string) error
	ChangeZoneType(ctx context.Context, candidate string, zone models.ZoneID, zt models.ZoneType) error
	ChangeZoneArbiters(ctx context.Context, candidate string, zone models.ZoneID, allow bool) error
	RebalanceTopology(ctx context.Context, candidate, pool string) ([]models.Violation, error)
	DeleteCandidate(ctx context.Context, name string) error
	Candidate(ctx context.Context, name string) (*models.Candidate, error)
	ListCandidates(ctx context.Context, includeInternal bool) ([]*models.Candidate, error)

	RepairAdminQuorum(ctx context.Context, req models.QuorumRepairRequest) ([]models.AdminID, error)

	CreateDeployTopologyPlan(ctx context.Context, name, candidate string, opts models.DeployOptions) (models.PlanID, error)
	CreateFailoverPlan(ctx context.Context, req models.FailoverRequest) (models.PlanID, error)
	CreateRepairPlan(ctx context.Context, name string) (models.PlanID, error)
	CreateAdminMembershipPlan(ctx context.Context, name string, members []models.AdminID) (models.PlanID, error)
	ApprovePlan(ctx context.Context, id models.PlanID) error
	ExecutePlan(ctx context.Context, id models.PlanID, force bool) error
	AwaitPlan(ctx context.Context, id models.PlanID, timeout time.Duration) (models.PlanState, error)
	CancelPlan(ctx context.Context, id models.PlanID) error
	InterruptPlan(ctx context.Context, id models.PlanID) error
	AssertSuccess(ctx context.Context, id models.PlanID) error
	Plan(ctx context.Context, id models.PlanID) (*models.Plan, error)
	ListPlans(ctx context.Context) ([]*models.Plan, error)
}

// Config configures master discovery
type Config struct {
	// MasterTimeout bounds WaitForMaster and each retried call.
	MasterTimeout time.Duration `mapstructure:"master_timeout"`
	// PollInterval paces master discovery.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig waits up to a minute for a master
func DefaultConfig() Config {
	return Config{
		MasterTimeout: 60 * time.Second,
		PollInterval:  200 * time.Millisecond,
	}
}

// Connector talks to whichever replica is the master
type Connector struct {
	replicas []API
	config   Config
	logger   *zap.Logger
}

// NewConnector creates a connector over replicas
func NewConnector(replicas []API, config Config, logger *zap.Logger) *Connector {
	def := DefaultConfig()
	if config.MasterTimeout <= 0 {
		config.MasterTimeout = def.MasterTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{replicas: replicas, config: config, logger: logger}
}

// Replicas returns every replica
func (c *Connector) Replicas() []API { return c.replicas }

// Config returns the effective configuration
func (c *Connector) Config() Config { return c.config }

// Master asks each replica in turn and returns the first authoritative
// master
func (c *Connector) Master(ctx context.Context) (API, error) {
	if len(c.replicas) == 0 {
		return nil, faults.New(faults.ClassConnectivity, faults.CodeNoAdminReachable, "no admin replicas configured")
	}

	reachable := 0
	for _, r := range c.replicas {
		ok, err := r.IsAuthoritativeMaster(ctx)
		if err != nil {
			c.logger.Debug("Admin replica did not answer", zap.Error(err))
			continue
		}
		reachable++
		if ok {
			return r, nil
		}
	}
	if reachable == 0 {
		return nil, faults.New(faults.ClassConnectivity, faults.CodeNoAdminReachable, "cannot connect to any admin")
	}
	return nil, faults.NotReady(faults.CodeNoMaster, "cannot contact current master: no authoritative master among %d reachable admins", reachable)
}

// WaitForMaster polls until a master is found or timeout passes
func (c *Connector) WaitForMaster(ctx context.Context, timeout time.Duration) (API, error) {
	var master API
	err := c.retry(ctx, timeout, func() error {
		m, err := c.Master(ctx)
		if err != nil {
			return err
		}
		master = m
		return nil
	})
	return master, err
}

// Do runs fn against the master, finding the master again and retrying
// while fn fails with a leadership fault
func (c *Connector) Do(ctx context.Context, fn func(api API) error) error {
	return c.retry(ctx, c.config.MasterTimeout, func() error {
		m, err := c.Master(ctx)
		if err != nil {
			return err
		}
		return fn(m)
	})
}

func (c *Connector) retry(ctx context.Context, timeout time.Duration, fn func() error) error {
	attempts := uint(timeout/c.config.PollInterval) + 1
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.config.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(faults.IsLeadershipTransient),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Retrying admin call", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}
