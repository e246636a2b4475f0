package admin

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/orchestrator"
	"github.com/global-data-controller/kvadmin/internal/policy"
	"github.com/global-data-controller/kvadmin/internal/storage"
	"github.com/global-data-controller/kvadmin/internal/topology"
	"github.com/global-data-controller/kvadmin/internal/transition"
)

type planBuilder func(tx storage.Tx, live *models.Topology, params *models.Parameters) (*models.Plan, *models.Candidate, error)

// createPlan stores the plan built by build, together with its internal
// candidate, in one transaction
func (s *Service) createPlan(ctx context.Context, build planBuilder) (models.PlanID, error) {
	if _, err := s.masterTerm(); err != nil {
		return 0, err
	}

	var plan *models.Plan
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		live, err := tx.Topology()
		if err != nil {
			return err
		}
		params, err := tx.Parameters()
		if err != nil {
			return err
		}
		p, cand, err := build(tx, live, params)
		if err != nil {
			return err
		}
		id, err := tx.NextPlanID()
		if err != nil {
			return err
		}
		p.ID = id
		if cand != nil && cand.Internal {
			cand.PlanID = id
			if err := tx.PutCandidate(cand); err != nil {
				return err
			}
		}
		plan = p
		return tx.PutPlan(p)
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Plan created",
		zap.Stringer("plan", plan.ID),
		zap.String("name", plan.Name),
		zap.String("kind", string(plan.Kind)),
		zap.Int("tasks", len(plan.Tasks)))
	s.runner.PublishPlan(ctx, plan)
	return plan.ID, nil
}

// CreateDeployTopologyPlan creates a plan deploying a user candidate
func (s *Service) CreateDeployTopologyPlan(ctx context.Context, name, candidate string, opts models.DeployOptions) (models.PlanID, error) {
	return s.createPlan(ctx, func(tx storage.Tx, live *models.Topology, params *models.Parameters) (*models.Plan, *models.Candidate, error) {
		c, err := tx.Candidate(candidate)
		if err != nil {
			return nil, nil, err
		}
		if err := candidateBusy(tx, candidate); err != nil {
			return nil, nil, err
		}
		res, err := transition.ValidateSwitchover(live, c, zoneProber(live, s.nodes), opts)
		if err != nil {
			return nil, nil, err
		}
		if res.Delta.Reduced() {
			if err := s.admit(ctx, policy.OverrideRequest{
				Operation:        policy.OperationSwitchover,
				Plan:             name,
				AllowRFReduction: true,
				Zones:            zoneNames(live, res.Demoted),
			}); err != nil {
				return nil, nil, err
			}
		}

		tasks := withMembership(res.Tasks, c.Topology, params)
		plan := newPlan(name, models.PlanKindDeployTopology, models.PlanTarget{Candidate: candidate}, tasks)
		plan.Rationale = strings.Join(res.Notes, "; ")
		return plan, nil, nil
	})
}

// CreateFailoverPlan promotes zones and marks unreachable zones offline
func (s *Service) CreateFailoverPlan(ctx context.Context, req models.FailoverRequest) (models.PlanID, error) {
	return s.createPlan(ctx, func(tx storage.Tx, live *models.Topology, params *models.Parameters) (*models.Plan, *models.Candidate, error) {
		res, err := transition.ValidateFailover(live, req, transition.Environment{
			Prober:     zoneProber(live, s.nodes),
			Parameters: params,
		})
		if err != nil {
			return nil, nil, err
		}
		if res.Rationale != "" {
			if err := s.admit(ctx, policy.OverrideRequest{
				Operation: policy.OperationFailover,
				Plan:      req.Name,
				Force:     req.Force,
				DataLoss:  true,
				Zones:     zoneNames(live, res.Promoted),
			}); err != nil {
				return nil, nil, err
			}
		}

		res.Tasks = withMembership(res.Tasks, res.Candidate.Topology, params)
		plan := res.NewPlan(req.Name, models.PlanKindFailover)
		notes := res.Notes
		if res.Rationale != "" {
			notes = append([]string{res.Rationale}, notes...)
		}
		plan.Rationale = strings.Join(notes, "; ")
		return plan, res.Candidate, nil
	})
}

// CreateRepairPlan reconciles the topology after storage nodes or zones
// were recovered
func (s *Service) CreateRepairPlan(ctx context.Context, name string) (models.PlanID, error) {
	return s.createPlan(ctx, func(tx storage.Tx, live *models.Topology, params *models.Parameters) (*models.Plan, *models.Candidate, error) {
		cand, tasks, err := repairCandidate(live, params, s.nodes, name)
		if err != nil {
			return nil, nil, err
		}
		return newPlan(name, models.PlanKindRepair, models.PlanTarget{Candidate: cand.Name}, tasks), cand, nil
	})
}

// CreateAdminMembershipPlan changes the electable admin membership
func (s *Service) CreateAdminMembershipPlan(ctx context.Context, name string, members []models.AdminID) (models.PlanID, error) {
	return s.createPlan(ctx, func(tx storage.Tx, live *models.Topology, params *models.Parameters) (*models.Plan, *models.Candidate, error) {
		if len(members) == 0 {
			return nil, nil, faults.IllegalCommand(faults.CodeEmptyMembership, "membership cannot be empty")
		}
		for _, id := range members {
			if _, ok := live.Admins[id]; !ok {
				return nil, nil, faults.IllegalCommand(faults.CodeUnknownMember, "Requested admins/zones not found: %s", id)
			}
		}
		task := &models.Task{
			Type:        models.TaskUpdateAdminMembership,
			Description: "change admin membership from " + formatAdmins(params.AdminMembership) + " to " + formatAdmins(members),
		}
		target := models.PlanTarget{Membership: append([]models.AdminID(nil), members...)}
		return newPlan(name, models.PlanKindAdminMembership, target, []*models.Task{task}), nil, nil
	})
}

// updatePlan applies fn to a plan on the master
func (s *Service) updatePlan(ctx context.Context, id models.PlanID, fn func(tx storage.Tx, p *models.Plan, term uint64) error) (*models.Plan, error) {
	term, err := s.masterTerm()
	if err != nil {
		return nil, err
	}
	var plan *models.Plan
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		p, err := tx.Plan(id)
		if err != nil {
			return err
		}
		if err := fn(tx, p, term); err != nil {
			return err
		}
		plan = p
		return nil
	})
	return plan, err
}

func invalidState(id models.PlanID, op string, state models.PlanState) error {
	return faults.IllegalCommand(faults.CodeInvalidState, "cannot %s %s in state %s", op, id, state)
}

// ApprovePlan moves a NEW plan to APPROVED
func (s *Service) ApprovePlan(ctx context.Context, id models.PlanID) error {
	changed := false
	plan, err := s.updatePlan(ctx, id, func(tx storage.Tx, p *models.Plan, _ uint64) error {
		switch p.State {
		case models.PlanStateApproved:
			return nil
		case models.PlanStateNew:
		default:
			return invalidState(id, "approve", p.State)
		}
		p.State = models.PlanStateApproved
		p.UpdatedAt = time.Now().UTC()
		changed = true
		return tx.PutPlan(p)
	})
	if err != nil {
		return err
	}
	if changed {
		s.runner.PublishPlan(ctx, plan)
	}
	return nil
}

// ExecutePlan starts or resumes an approved, interrupted or failed plan.
// Unless force is set the target topology must verify without violations
// other than offline zones; force skips that check for this call only.
func (s *Service) ExecutePlan(ctx context.Context, id models.PlanID, force bool) error {
	resume := false
	plan, err := s.updatePlan(ctx, id, func(tx storage.Tx, p *models.Plan, term uint64) error {
		switch p.State {
		case models.PlanStateApproved, models.PlanStateInterrupted, models.PlanStateError:
		case models.PlanStateRunning:
			if p.ExecutionTerm == term {
				resume = true
				return nil
			}
		case models.PlanStateNew:
			return faults.IllegalCommand(faults.CodeInvalidState, "%s must be approved before execution", id)
		default:
			return invalidState(id, "execute", p.State)
		}

		if !p.Target.IsMembership() {
			violations, err := s.verifyTarget(tx, p)
			if err != nil {
				return err
			}
			if force {
				if err := s.admit(ctx, policy.OverrideRequest{
					Operation:  policy.OperationExecute,
					Plan:       p.Name,
					Force:      true,
					Violations: violationStrings(violations),
				}); err != nil {
					return err
				}
			} else if len(violations) > 0 {
				return faults.IllegalCommand(faults.CodeTopologyViolations,
					"target topology of %s has %d violations: %s; execute with force to override",
					id, len(violations), formatViolations(violations))
			}
		}

		now := time.Now().UTC()
		p.State = models.PlanStateRunning
		p.ExecutionTerm = term
		p.Attempts++
		p.Error = ""
		p.EndedAt = nil
		p.UpdatedAt = now
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
		return tx.PutPlan(p)
	})
	if err != nil {
		return err
	}

	if resume {
		if _, active := s.runner.Active(id); active {
			return nil
		}
	} else {
		s.runner.PublishPlan(ctx, plan)
	}
	s.logger.Info("Executing plan",
		zap.Stringer("plan", id),
		zap.Uint64("term", plan.ExecutionTerm),
		zap.Int("attempt", plan.Attempts),
		zap.Bool("force", force))
	s.runner.Start(id, plan.ExecutionTerm, s.leading)
	return nil
}

// verifyTarget verifies the plan's target candidate
func (s *Service) verifyTarget(r storage.Reader, p *models.Plan) ([]models.Violation, error) {
	c, err := r.Candidate(p.Target.Candidate)
	if err != nil {
		return nil, err
	}
	return models.FilterViolations(topology.Verify(c.Topology, s.nodes), models.ViolationOfflineZone), nil
}

// AwaitPlan waits up to timeout for the plan to settle and returns its
// state. A replica that is not (or no longer) the master fails with a
// NotMaster or NotReady fault.
func (s *Service) AwaitPlan(ctx context.Context, id models.PlanID, timeout time.Duration) (models.PlanState, error) {
	if _, err := s.masterTerm(); err != nil {
		return "", err
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.config.AwaitPollInterval)
	defer ticker.Stop()

	for {
		plan, err := s.Plan(ctx, id)
		if err != nil {
			return "", err
		}
		if plan.State.Settled() {
			return plan.State, nil
		}
		if _, err := s.masterTerm(); err != nil {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return plan.State, nil
		}
		select {
		case <-ctx.Done():
			return plan.State, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelPlan cancels a plan that has not succeeded and releases its
// internal candidate. Canceling a canceled plan is a no-op.
func (s *Service) CancelPlan(ctx context.Context, id models.PlanID) error {
	if _, err := s.masterTerm(); err != nil {
		return err
	}
	s.runner.Stop(id)

	changed := false
	plan, err := s.updatePlan(ctx, id, func(tx storage.Tx, p *models.Plan, _ uint64) error {
		switch p.State {
		case models.PlanStateCanceled:
			return nil
		case models.PlanStateSucceeded:
			return invalidState(id, "cancel", p.State)
		}
		changed = true
		return orchestrator.Finish(tx, p, models.PlanStateCanceled, "")
	})
	if err != nil {
		return err
	}
	if changed {
		if s.metrics != nil {
			s.metrics.PlanFinished(plan.Kind, plan.State)
		}
		s.logger.Info("Plan canceled", zap.Stringer("plan", id))
		s.runner.PublishPlan(ctx, plan)
	}
	return nil
}

// InterruptPlan stops executing a running plan and marks it INTERRUPTED
func (s *Service) InterruptPlan(ctx context.Context, id models.PlanID) error {
	plan, err := s.updatePlan(ctx, id, func(tx storage.Tx, p *models.Plan, _ uint64) error {
		if p.State != models.PlanStateRunning {
			return invalidState(id, "interrupt", p.State)
		}
		p.State = models.PlanStateInterrupted
		p.UpdatedAt = time.Now().UTC()
		return tx.PutPlan(p)
	})
	if err != nil {
		return err
	}
	s.runner.Stop(id)
	if s.metrics != nil {
		s.metrics.PlanInterrupted(plan.Kind)
	}
	s.runner.PublishPlan(ctx, plan)
	return nil
}

// AssertSuccess fails with a PlanFailed fault unless the plan succeeded
func (s *Service) AssertSuccess(ctx context.Context, id models.PlanID) error {
	plan, err := s.Plan(ctx, id)
	if err != nil {
		return err
	}
	if plan.State == models.PlanStateSucceeded {
		return nil
	}
	if plan.Error != "" {
		return faults.New(faults.ClassPlanFailed, faults.CodePlanFailed, "%s ended in state %s: %s", id, plan.State, plan.Error)
	}
	return faults.New(faults.ClassPlanFailed, faults.CodePlanFailed, "%s ended in state %s", id, plan.State)
}

// Plan returns a plan
func (s *Service) Plan(ctx context.Context, id models.PlanID) (*models.Plan, error) {
	var plan *models.Plan
	err := s.store.View(ctx, func(r storage.Reader) error {
		var err error
		plan, err = r.Plan(id)
		return err
	})
	return plan, err
}

// ListPlans returns every plan ordered by id
func (s *Service) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	var plans []*models.Plan
	err := s.store.View(ctx, func(r storage.Reader) error {
		var err error
		plans, err = r.Plans()
		return err
	})
	return plans, err
}

func zoneNames(t *models.Topology, ids []models.ZoneID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if z, ok := t.Zones[id]; ok {
			out = append(out, z.Name)
		}
	}
	return out
}
