package admin

import (
	"context"
	"time"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// Endpoint is the client-facing side of a replica. Every call fails with
// a Connectivity fault while the replica cannot be reached.
type Endpoint struct {
	svc       *Service
	reachable func() bool
}

// NewEndpoint exposes svc; a nil reachable func means always reachable
func NewEndpoint(svc *Service, reachable func() bool) *Endpoint {
	if reachable == nil {
		reachable = func() bool { return true }
	}
	return &Endpoint{svc: svc, reachable: reachable}
}

// ID returns the replica id
func (e *Endpoint) ID() models.AdminID { return e.svc.ID() }

func (e *Endpoint) check() error {
	if !e.reachable() {
		return faults.New(faults.ClassConnectivity, faults.CodeCannotContactAdmin, "cannot contact admin %s", e.svc.ID())
	}
	return nil
}

func (e *Endpoint) IsAuthoritativeMaster(ctx context.Context) (bool, error) {
	if err := e.check(); err != nil {
		return false, err
	}
	return e.svc.IsAuthoritativeMaster(ctx)
}

func (e *Endpoint) MasterAddress(ctx context.Context) (*models.AdminAddress, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.MasterAddress(ctx)
}

func (e *Endpoint) AdminStatus(ctx context.Context) (*models.AdminStatus, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.AdminStatus(ctx)
}

func (e *Endpoint) Topology(ctx context.Context) (*models.Topology, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.Topology(ctx)
}

func (e *Endpoint) Parameters(ctx context.Context) (*models.Parameters, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.Parameters(ctx)
}

func (e *Endpoint) VerifyTopology(ctx context.Context) ([]models.Violation, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.VerifyTopology(ctx)
}

func (e *Endpoint) CopyCurrentTopology(ctx context.Context, name string) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.CopyCurrentTopology(ctx, name)
}

func (e *Endpoint) ChangeZoneType(ctx context.Context, candidate string, zone models.ZoneID, zt models.ZoneType) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.ChangeZoneType(ctx, candidate, zone, zt)
}

func (e *Endpoint) ChangeZoneArbiters(ctx context.Context, candidate string, zone models.ZoneID, allow bool) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.ChangeZoneArbiters(ctx, candidate, zone, allow)
}

func (e *Endpoint) RebalanceTopology(ctx context.Context, candidate, pool string) ([]models.Violation, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.RebalanceTopology(ctx, candidate, pool)
}

func (e *Endpoint) DeleteCandidate(ctx context.Context, name string) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.DeleteCandidate(ctx, name)
}

func (e *Endpoint) Candidate(ctx context.Context, name string) (*models.Candidate, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.Candidate(ctx, name)
}

func (e *Endpoint) ListCandidates(ctx context.Context, includeInternal bool) ([]*models.Candidate, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.ListCandidates(ctx, includeInternal)
}

func (e *Endpoint) RepairAdminQuorum(ctx context.Context, req models.QuorumRepairRequest) ([]models.AdminID, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.RepairAdminQuorum(ctx, req)
}

func (e *Endpoint) CreateDeployTopologyPlan(ctx context.Context, name, candidate string, opts models.DeployOptions) (models.PlanID, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return e.svc.CreateDeployTopologyPlan(ctx, name, candidate, opts)
}

func (e *Endpoint) CreateFailoverPlan(ctx context.Context, req models.FailoverRequest) (models.PlanID, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return e.svc.CreateFailoverPlan(ctx, req)
}

func (e *Endpoint) CreateRepairPlan(ctx context.Context, name string) (models.PlanID, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return e.svc.CreateRepairPlan(ctx, name)
}

func (e *Endpoint) CreateAdminMembershipPlan(ctx context.Context, name string, members []models.AdminID) (models.PlanID, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	return e.svc.CreateAdminMembershipPlan(ctx, name, members)
}

func (e *Endpoint) ApprovePlan(ctx context.Context, id models.PlanID) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.ApprovePlan(ctx, id)
}

func (e *Endpoint) ExecutePlan(ctx context.Context, id models.PlanID, force bool) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.ExecutePlan(ctx, id, force)
}

func (e *Endpoint) AwaitPlan(ctx context.Context, id models.PlanID, timeout time.Duration) (models.PlanState, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	return e.svc.AwaitPlan(ctx, id, timeout)
}

func (e *Endpoint) CancelPlan(ctx context.Context, id models.PlanID) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.CancelPlan(ctx, id)
}

func (e *Endpoint) InterruptPlan(ctx context.Context, id models.PlanID) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.InterruptPlan(ctx, id)
}

func (e *Endpoint) AssertSuccess(ctx context.Context, id models.PlanID) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.svc.AssertSuccess(ctx, id)
}

func (e *Endpoint) Plan(ctx context.Context, id models.PlanID) (*models.Plan, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.Plan(ctx, id)
}

func (e *Endpoint) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.svc.ListPlans(ctx)
}
