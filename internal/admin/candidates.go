package admin

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/eventbus"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/storage"
)

// CopyCurrentTopology creates a user candidate from the live topology
func (s *Service) CopyCurrentTopology(ctx context.Context, name string) error {
	if _, err := s.masterTerm(); err != nil {
		return err
	}
	if models.IsInternalCandidate(name) {
		return faults.IllegalCommand(faults.CodeInvalidArgument,
			"candidate names starting with %q are reserved", models.InternalCandidatePrefix)
	}
	_, err := s.candidates.CopyCurrent(ctx, name)
	return err
}

// ChangeZoneType changes the type of a zone in a candidate
func (s *Service) ChangeZoneType(ctx context.Context, candidate string, zone models.ZoneID, zt models.ZoneType) error {
	if _, err := s.masterTerm(); err != nil {
		return err
	}
	_, err := s.candidates.ChangeZoneType(ctx, candidate, zone, zt)
	return err
}

// ChangeZoneArbiters allows or forbids arbiters in a zone of a candidate
func (s *Service) ChangeZoneArbiters(ctx context.Context, candidate string, zone models.ZoneID, allow bool) error {
	if _, err := s.masterTerm(); err != nil {
		return err
	}
	_, err := s.candidates.ChangeZoneArbiters(ctx, candidate, zone, allow)
	return err
}

// RebalanceTopology places replicas of a candidate on the nodes of pool
// and returns what could not be fixed
func (s *Service) RebalanceTopology(ctx context.Context, candidate, pool string) ([]models.Violation, error) {
	if _, err := s.masterTerm(); err != nil {
		return nil, err
	}
	_, violations, err := s.candidates.Rebalance(ctx, candidate, pool)
	return violations, err
}

// DeleteCandidate removes a candidate that no unfinished plan targets
func (s *Service) DeleteCandidate(ctx context.Context, name string) error {
	if _, err := s.masterTerm(); err != nil {
		return err
	}
	return s.candidates.Delete(ctx, name)
}

// Candidate returns a candidate
func (s *Service) Candidate(ctx context.Context, name string) (*models.Candidate, error) {
	return s.candidates.Get(ctx, name)
}

// ListCandidates returns the candidates, hiding internal ones unless asked
func (s *Service) ListCandidates(ctx context.Context, includeInternal bool) ([]*models.Candidate, error) {
	return s.candidates.List(ctx, includeInternal)
}

// RepairAdminQuorum forces the admin membership down to the reachable
// admins named by req. It runs on any replica since by definition no
// master can be elected.
func (s *Service) RepairAdminQuorum(ctx context.Context, req models.QuorumRepairRequest) ([]models.AdminID, error) {
	if req.Empty() {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument, "no admins or zones were specified")
	}
	topo, err := s.candidates.Current(ctx)
	if err != nil {
		return nil, err
	}

	members, repairErr := s.repair.Repair(ctx, topo, req)
	if members == nil {
		return nil, repairErr
	}

	// the group already runs on the forced membership
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		params, err := tx.Parameters()
		if err != nil {
			return err
		}
		params.AdminMembership = append([]models.AdminID(nil), members...)
		return tx.PutParameters(params)
	})
	if err != nil {
		return nil, errors.Join(repairErr, err)
	}
	if repairErr != nil {
		return members, repairErr
	}

	if s.metrics != nil {
		s.metrics.QuorumRepaired()
	}
	leader, _, _ := s.group.Leader()
	ev := &eventbus.QuorumRepairedEvent{Leader: int(leader)}
	for _, id := range members {
		ev.Membership = append(ev.Membership, int(id))
	}
	event, err := eventbus.NewQuorumRepairedEvent(s.id.String(), ev, "")
	s.runner.PublishBuilt(ctx, event, err)
	s.logger.Info("Admin membership repaired", zap.Any("membership", members), zap.Stringer("leader", leader))
	return members, nil
}
