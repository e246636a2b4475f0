package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/storage"
	"github.com/global-data-controller/kvadmin/internal/topology"
)

// MembershipProposer changes the admin group membership through its leader
type MembershipProposer interface {
	Leader() (models.AdminID, uint64, bool)
	ProposeMembership(via models.AdminID, members []models.AdminID, force bool) error
}

// Env is what task executors observe outside the store
type Env struct {
	Nodes   topology.NodeProber
	Members MembershipProposer
}

// DefaultExecutors returns an executor for every task type
func DefaultExecutors(env Env, logger *zap.Logger) []Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []Executor{
		&ZoneTypeExecutor{},
		&ZoneArbitersExecutor{},
		&StorageNodesExecutor{},
		&ReplicaGroupExecutor{},
		&AdminMembershipExecutor{members: env.Members, logger: logger},
		&ZoneOnlineExecutor{nodes: env.Nodes},
		&ReconcileExecutor{},
		&VerifyExecutor{nodes: env.Nodes},
		&CommitExecutor{},
	}
}

// target loads the live topology and the plan's target topology
func target(tx storage.Tx, plan *models.Plan) (*models.Topology, *models.Topology, error) {
	live, err := tx.Topology()
	if err != nil {
		return nil, nil, err
	}
	if plan.Target.Candidate == "" {
		return nil, nil, fmt.Errorf("%s has no target candidate", plan.ID)
	}
	c, err := tx.Candidate(plan.Target.Candidate)
	if err != nil {
		return nil, nil, fmt.Errorf("target candidate of %s: %w", plan.ID, err)
	}
	return live, c.Topology, nil
}

// ZoneTypeExecutor copies a zone's type, RF, offline flag and name from
// the target. Arbiter permission is handled by ZoneArbitersExecutor.
type ZoneTypeExecutor struct{}

func (e *ZoneTypeExecutor) TaskType() models.TaskType { return models.TaskChangeZoneType }

func (e *ZoneTypeExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, want, err := target(tx, plan)
	if err != nil {
		return err
	}
	zone, ok := want.Zones[task.Zone]
	if !ok {
		return fmt.Errorf("zone %s is not in the target topology", task.Zone)
	}
	next := *zone
	if cur, ok := live.Zones[task.Zone]; ok {
		next.AllowArbiters = cur.AllowArbiters
	} else {
		next.AllowArbiters = false
	}
	live.Zones[task.Zone] = &next
	return tx.PutTopology(live)
}

// ZoneArbitersExecutor copies a zone's arbiter permission from the target
type ZoneArbitersExecutor struct{}

func (e *ZoneArbitersExecutor) TaskType() models.TaskType { return models.TaskChangeZoneArbiters }

func (e *ZoneArbitersExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, want, err := target(tx, plan)
	if err != nil {
		return err
	}
	zone, ok := want.Zones[task.Zone]
	if !ok {
		return fmt.Errorf("zone %s is not in the target topology", task.Zone)
	}
	if err := topology.ChangeZoneArbiters(live, task.Zone, zone.AllowArbiters); err != nil {
		return err
	}
	return tx.PutTopology(live)
}

// StorageNodesExecutor replaces the storage node set with the target's
type StorageNodesExecutor struct{}

func (e *StorageNodesExecutor) TaskType() models.TaskType { return models.TaskUpdateStorageNodes }

func (e *StorageNodesExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, want, err := target(tx, plan)
	if err != nil {
		return err
	}
	live.StorageNodes = want.Clone().StorageNodes
	return tx.PutTopology(live)
}

// ReplicaGroupExecutor copies one replica group, or removes it when the
// target no longer has it
type ReplicaGroupExecutor struct{}

func (e *ReplicaGroupExecutor) TaskType() models.TaskType { return models.TaskUpdateReplicaGroup }

func (e *ReplicaGroupExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, want, err := target(tx, plan)
	if err != nil {
		return err
	}
	if _, ok := want.ReplicaGroups[task.Group]; !ok {
		delete(live.ReplicaGroups, task.Group)
		return tx.PutTopology(live)
	}
	live.ReplicaGroups[task.Group] = want.Clone().ReplicaGroups[task.Group]
	return tx.PutTopology(live)
}

// AdminMembershipExecutor moves the admin group to the plan's membership,
// or to the admins of the target's online primary zones
type AdminMembershipExecutor struct {
	members MembershipProposer
	logger  *zap.Logger
}

func (e *AdminMembershipExecutor) TaskType() models.TaskType {
	return models.TaskUpdateAdminMembership
}

func (e *AdminMembershipExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	if e.members == nil {
		return fmt.Errorf("no admin group configured")
	}
	membership := plan.Target.Membership
	if !plan.Target.IsMembership() {
		_, want, err := target(tx, plan)
		if err != nil {
			return err
		}
		membership = topology.PrimaryAdmins(want)
	}
	if len(membership) == 0 {
		return fmt.Errorf("target admin membership is empty")
	}

	params, err := tx.Parameters()
	if err != nil {
		return err
	}
	if sameMembers(params.AdminMembership, membership) {
		return nil
	}

	leader, _, ok := e.members.Leader()
	if !ok {
		return fmt.Errorf("admin group has no leader")
	}
	if err := e.members.ProposeMembership(leader, membership, false); err != nil {
		return fmt.Errorf("failed to change admin membership: %w", err)
	}
	e.logger.Info("Admin membership updated",
		zap.Stringer("plan", plan.ID),
		zap.Any("from", params.AdminMembership),
		zap.Any("to", membership))

	params.AdminMembership = append([]models.AdminID(nil), membership...)
	return tx.PutParameters(params)
}

func sameMembers(a, b []models.AdminID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[models.AdminID]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
	}
	return true
}

// ZoneOnlineExecutor clears the offline flag of a recovered zone
type ZoneOnlineExecutor struct {
	nodes topology.NodeProber
}

func (e *ZoneOnlineExecutor) TaskType() models.TaskType { return models.TaskBringZoneOnline }

func (e *ZoneOnlineExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, err := tx.Topology()
	if err != nil {
		return err
	}
	zone, ok := live.Zones[task.Zone]
	if !ok {
		return fmt.Errorf("zone %s not found", task.Zone)
	}
	if !ZoneReachable(live, task.Zone, e.nodes) {
		return fmt.Errorf("zone %s is still unreachable", task.Zone)
	}
	if !zone.Offline {
		return nil
	}
	zone.Offline = false
	return tx.PutTopology(live)
}

// ZoneReachable reports whether any storage node of the zone answers.
// A nil prober treats every node as reachable.
func ZoneReachable(t *models.Topology, zone models.ZoneID, nodes topology.NodeProber) bool {
	if nodes == nil {
		return true
	}
	for _, sn := range t.StorageNodesInZone(zone) {
		if nodes.NodeReachable(sn.ID) {
			return true
		}
	}
	return false
}

// ReconcileExecutor rebalances the live topology over the default pool
type ReconcileExecutor struct{}

func (e *ReconcileExecutor) TaskType() models.TaskType { return models.TaskReconcileReplicas }

func (e *ReconcileExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, err := tx.Topology()
	if err != nil {
		return err
	}
	params, err := tx.Parameters()
	if err != nil {
		return err
	}
	if vs := topology.Rebalance(live, params.Pools[models.DefaultPool]); len(vs) > 0 {
		return fmt.Errorf("cannot reconcile replicas: %s", vs[0])
	}
	return tx.PutTopology(live)
}

// VerifyExecutor fails when the live topology has violations other than
// those of zones that stay offline
type VerifyExecutor struct {
	nodes topology.NodeProber
}

func (e *VerifyExecutor) TaskType() models.TaskType { return models.TaskVerifyTopology }

func (e *VerifyExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, err := tx.Topology()
	if err != nil {
		return err
	}
	vs := models.FilterViolations(topology.Verify(live, e.nodes), models.ViolationOfflineZone)
	if len(vs) > 0 {
		return fmt.Errorf("topology has %d violations, first: %s", len(vs), vs[0])
	}
	return nil
}

// CommitExecutor bumps the live topology version
type CommitExecutor struct{}

func (e *CommitExecutor) TaskType() models.TaskType { return models.TaskCommitTopology }

func (e *CommitExecutor) Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	live, err := tx.Topology()
	if err != nil {
		return err
	}
	live.Version++
	live.UpdatedAt = time.Now().UTC()
	return tx.PutTopology(live)
}
