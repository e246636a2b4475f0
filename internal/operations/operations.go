// Package operations runs the multi-step admin procedures: admin quorum
// repair, failover, switchover and repair. Each procedure validates the
// request locally first, then lets the master validate it again, creates
// the plan and drives it with a planexec.Driver.
package operations

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/client"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/planexec"
	"github.com/global-data-controller/kvadmin/internal/quorum"
	"github.com/global-data-controller/kvadmin/internal/transition"
)

// Operations runs procedures against the replicas of a driver's connector
type Operations struct {
	driver *planexec.Driver
	conn   *client.Connector
	logger *zap.Logger
}

// New creates Operations over driver
func New(driver *planexec.Driver, logger *zap.Logger) *Operations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Operations{driver: driver, conn: driver.Connector(), logger: logger}
}

// Driver returns the plan driver
func (o *Operations) Driver() *planexec.Driver { return o.driver }

// survey is what the answering replicas report when no master may exist
type survey struct {
	topology  *models.Topology
	params    *models.Parameters
	reachable []models.AdminID
	replicas  map[models.AdminID]client.API
	answering []client.API
}

func (o *Operations) survey(ctx context.Context) (*survey, error) {
	s := &survey{replicas: make(map[models.AdminID]client.API)}
	for _, r := range o.conn.Replicas() {
		st, err := r.AdminStatus(ctx)
		if err != nil {
			o.logger.Debug("Admin replica did not answer", zap.Error(err))
			continue
		}
		s.reachable = append(s.reachable, st.ID)
		s.replicas[st.ID] = r
		s.answering = append(s.answering, r)
	}
	if len(s.answering) == 0 {
		return nil, faults.New(faults.ClassConnectivity, faults.CodeNoAdminReachable, "cannot connect to any admin")
	}
	sort.Slice(s.reachable, func(i, j int) bool { return s.reachable[i] < s.reachable[j] })

	var err error
	if s.topology, err = s.answering[0].Topology(ctx); err != nil {
		return nil, err
	}
	if s.params, err = s.answering[0].Parameters(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// zoneProber reports a zone reachable when an answering admin lives in it.
// Storage nodes are only probed by the master.
func (s *survey) zoneProber() transition.ZoneProber {
	zones := make(map[models.ZoneID]bool)
	for _, id := range s.reachable {
		if a, ok := s.topology.Admins[id]; ok {
			zones[a.ZoneID] = true
		}
	}
	return transition.ZoneProberFunc(func(zone models.ZoneID) bool { return zones[zone] })
}

// RepairAdminQuorum replaces the admin membership with the admins named
// by req after checking that the new membership can elect a master, then
// waits for the master.
func (o *Operations) RepairAdminQuorum(ctx context.Context, req models.QuorumRepairRequest) ([]models.AdminID, error) {
	if req.Empty() {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument, "no admins or zones were specified")
	}
	s, err := o.survey(ctx)
	if err != nil {
		return nil, err
	}
	decision, err := quorum.Validate(quorum.View{
		Topology:   s.topology,
		Membership: s.params.AdminMembership,
		Reachable:  s.reachable,
	}, req)
	if err != nil {
		return nil, err
	}

	// a replica of the new membership applies the repair
	order := make([]client.API, 0, len(s.answering))
	for _, id := range decision.Membership {
		if r, ok := s.replicas[id]; ok {
			order = append(order, r)
		}
	}
	order = append(order, s.answering...)

	var members []models.AdminID
	for _, r := range order {
		members, err = r.RepairAdminQuorum(ctx, req)
		if err == nil || !faults.Is(err, faults.ClassConnectivity) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	master, err := o.conn.WaitForMaster(ctx, o.conn.Config().MasterTimeout)
	if err != nil {
		return members, err
	}
	addr, _ := master.MasterAddress(ctx)
	fields := []zap.Field{zap.Any("membership", members)}
	if addr != nil {
		fields = append(fields, zap.Stringer("master", addr.ID))
	}
	o.logger.Info("Admin quorum repaired", fields...)
	return members, nil
}

// Failover promotes req.NewPrimaryZones and marks req.OfflineZones
// offline, then drives the failover plan with strategy
func (o *Operations) Failover(ctx context.Context, req models.FailoverRequest, strategy planexec.Strategy) (*planexec.Outcome, error) {
	if req.Name == "" {
		req.Name = "failover"
	}
	s, err := o.survey(ctx)
	if err != nil {
		return nil, err
	}
	res, err := transition.ValidateFailover(s.topology, req, transition.Environment{
		Prober:     s.zoneProber(),
		Parameters: s.params,
	})
	if err != nil {
		return nil, err
	}
	if res.Rationale != "" {
		o.logger.Warn("Failover accepts data loss", zap.String("rationale", res.Rationale))
	}

	factory := func(ctx context.Context, api client.API) (models.PlanID, error) {
		return api.CreateFailoverPlan(ctx, req)
	}
	return o.submit(ctx, req.Name, factory, strategy, false)
}

// SwitchoverRequest swaps zone types of a healthy store
type SwitchoverRequest struct {
	// Name names the plan and its candidate.
	Name      string
	Primary   []models.ZoneID
	Secondary []models.ZoneID
	Options   models.DeployOptions
	// Force executes the plan without verifying the target.
	Force bool
}

// Switchover changes zone types through a deploy plan on a candidate
// named after the request. The candidate is deleted once the plan
// finishes.
func (o *Operations) Switchover(ctx context.Context, req SwitchoverRequest, strategy planexec.Strategy) (*planexec.Outcome, error) {
	if req.Name == "" {
		req.Name = "switchover"
	}
	if len(req.Primary)+len(req.Secondary) == 0 {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument, "no zones were specified")
	}
	if models.IsInternalCandidate(req.Name) {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument,
			"names starting with %q are reserved", models.InternalCandidatePrefix)
	}

	out, err := o.submit(ctx, req.Name, func(ctx context.Context, api client.API) (models.PlanID, error) {
		return o.switchoverPlan(ctx, api, req)
	}, strategy, req.Force)

	if out != nil && out.State.IsFinished() {
		err2 := o.conn.Do(ctx, func(api client.API) error { return api.DeleteCandidate(ctx, req.Name) })
		if err2 != nil && !faults.Is(err2, faults.ClassNotFound) {
			o.logger.Warn("Failed to delete switchover candidate", zap.String("candidate", req.Name), zap.Error(err2))
		}
	}
	return out, err
}

// switchoverPlan builds a fresh candidate from the live topology and
// submits the deploy plan
func (o *Operations) switchoverPlan(ctx context.Context, api client.API, req SwitchoverRequest) (models.PlanID, error) {
	name := req.Name
	if _, err := api.Candidate(ctx, name); err == nil {
		if err := api.DeleteCandidate(ctx, name); err != nil {
			return 0, err
		}
	} else if !faults.Is(err, faults.ClassNotFound) {
		return 0, err
	}
	if err := api.CopyCurrentTopology(ctx, name); err != nil {
		return 0, err
	}

	seen := make(map[models.ZoneID]models.ZoneType)
	change := func(zone models.ZoneID, zt models.ZoneType) error {
		if prev, ok := seen[zone]; ok && prev != zt {
			return faults.IllegalCommand(faults.CodeMultipleTypes, "zone %s was given multiple types", zone)
		}
		seen[zone] = zt
		return api.ChangeZoneType(ctx, name, zone, zt)
	}
	for _, z := range req.Primary {
		if err := change(z, models.ZoneTypePrimary); err != nil {
			return 0, err
		}
	}
	for _, z := range req.Secondary {
		if err := change(z, models.ZoneTypeSecondary); err != nil {
			return 0, err
		}
	}

	vs, err := api.RebalanceTopology(ctx, name, "")
	if err != nil {
		return 0, err
	}
	if len(vs) > 0 {
		return 0, faults.IllegalCommand(faults.CodeTopologyViolations,
			"candidate %q cannot be balanced: %d violations, first: %s", name, len(vs), vs[0])
	}

	live, err := api.Topology(ctx)
	if err != nil {
		return 0, err
	}
	cand, err := api.Candidate(ctx, name)
	if err != nil {
		return 0, err
	}
	// the master probes zones again when the plan is created
	if _, err := transition.ValidateSwitchover(live, cand, transition.AllReachable, req.Options); err != nil {
		return 0, err
	}
	return api.CreateDeployTopologyPlan(ctx, name, name, req.Options)
}

// Repair brings recovered offline zones online and reconciles replicas
func (o *Operations) Repair(ctx context.Context, name string, strategy planexec.Strategy) (*planexec.Outcome, error) {
	if name == "" {
		name = "repair"
	}
	return o.submit(ctx, name, func(ctx context.Context, api client.API) (models.PlanID, error) {
		return api.CreateRepairPlan(ctx, name)
	}, strategy, false)
}

// Drive runs an existing plan with strategy. CancelAndRetry is not
// available since the intent of the plan is unknown.
func (o *Operations) Drive(ctx context.Context, id models.PlanID, strategy planexec.Strategy, force bool) (*planexec.Outcome, error) {
	if strategy == planexec.CancelAndRetry {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument,
			"%s needs the operation that created %s", strategy, id)
	}
	return o.driver.Run(ctx, id, strategy, planexec.RunOptions{Force: force})
}

func (o *Operations) submit(ctx context.Context, name string, factory planexec.PlanFactory, strategy planexec.Strategy, force bool) (*planexec.Outcome, error) {
	var id models.PlanID
	err := o.conn.Do(ctx, func(api client.API) error {
		var err error
		id, err = factory(ctx, api)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create plan %q: %w", name, err)
	}
	o.logger.Info("Created plan", zap.String("name", name), zap.Stringer("plan", id), zap.Stringer("strategy", strategy))

	opts := planexec.RunOptions{Force: force}
	if strategy == planexec.CancelAndRetry {
		opts.Factory = factory
	}
	return o.driver.Run(ctx, id, strategy, opts)
}
