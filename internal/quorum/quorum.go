// Package quorum repairs the admin replication group after it lost the
// majority of its configured primary members. Repair is never automatic:
// forcing a membership while a real majority still exists would split the
// group, so Validate refuses every request that does not prove the loss.
package quorum

import (
	"context"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

const (
	DefaultPollInterval  = time.Second
	DefaultLeaderTimeout = 60 * time.Second
)

// View is what the engine knows about the group when a repair is requested
type View struct {
	Topology *models.Topology
	// Membership is the configured electable (primary) membership.
	Membership []models.AdminID
	// Reachable lists the admins that currently answer.
	Reachable []models.AdminID
}

func (v View) reachable(id models.AdminID) bool {
	for _, r := range v.Reachable {
		if r == id {
			return true
		}
	}
	return false
}

// Decision is the outcome of a successful validation
type Decision struct {
	// Membership is the new full electable membership.
	Membership []models.AdminID
	// Available are the configured primary admins that are reachable.
	Available []models.AdminID
}

// Resolve maps the request to admin ids. Zone ids and zone names only
// contribute admins hosted in primary zones; secondary admins must be
// named individually.
func Resolve(t *models.Topology, req models.QuorumRepairRequest) ([]models.AdminID, error) {
	set := make(map[models.AdminID]bool)

	for _, id := range req.AdminIDs {
		if _, ok := t.Admins[id]; !ok {
			return nil, faults.IllegalCommand(faults.CodeUnknownMember, "Requested admins/zones not found: %s", id)
		}
		set[id] = true
	}

	addZone := func(z *models.Zone) {
		if !z.IsPrimary() {
			return
		}
		for _, a := range t.AdminsInZone(z.ID) {
			set[a.ID] = true
		}
	}
	for _, zid := range req.ZoneIDs {
		z, ok := t.Zones[zid]
		if !ok {
			return nil, faults.IllegalCommand(faults.CodeUnknownZone, "Requested admins/zones not found: %s", zid)
		}
		addZone(z)
	}
	for _, name := range req.ZoneNames {
		z, ok := t.ZoneByName(name)
		if !ok {
			return nil, faults.IllegalCommand(faults.CodeUnknownZone, "Requested admins/zones not found: %s", name)
		}
		addZone(z)
	}

	out := make([]models.AdminID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Validate decides whether the request is a safe repair:
//   - every named admin or zone exists and the resolved set is not empty;
//   - the reachable configured members are not already a majority;
//   - every reachable configured member is part of the new membership;
//   - the reachable part of the new membership is a majority of it.
func Validate(view View, req models.QuorumRepairRequest) (*Decision, error) {
	members, err := Resolve(view.Topology, req)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, faults.IllegalCommand(faults.CodeEmptyMembership,
			"Requested admins/zones did not resolve to any primary admins")
	}

	var available []models.AdminID
	for _, id := range view.Membership {
		if view.reachable(id) {
			available = append(available, id)
		}
	}
	if len(available) > len(view.Membership)/2 {
		return nil, faults.IllegalCommand(faults.CodeMajorityAlreadyAvailable,
			"a majority of the primary admins is available (%d of %d), the group will elect a master without repair",
			len(available), len(view.Membership))
	}

	requested := make(map[models.AdminID]bool, len(members))
	for _, id := range members {
		requested[id] = true
	}
	for _, id := range available {
		if !requested[id] {
			return nil, faults.IllegalCommand(faults.CodeNoQuorumPossible,
				"Available primary admins not specified: %s is reachable", id)
		}
	}

	up := 0
	for _, id := range members {
		if view.reachable(id) {
			up++
		}
	}
	if up <= len(members)/2 {
		return nil, faults.IllegalCommand(faults.CodeNoQuorumPossible,
			"only %d of the %d requested admins are reachable, the new membership could not elect a master",
			up, len(members))
	}

	return &Decision{Membership: members, Available: available}, nil
}

// Group is the part of the replication group the engine drives
type Group interface {
	Leader() (models.AdminID, uint64, bool)
	Membership() []models.AdminID
	ReachableMembers() []models.AdminID
	ProposeMembership(via models.AdminID, members []models.AdminID, force bool) error
}

// Config configures the engine
type Config struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaderTimeout time.Duration `mapstructure:"leader_timeout"`
}

// Engine validates and applies admin quorum repairs
type Engine struct {
	group  Group
	config Config
	logger *zap.Logger
}

// NewEngine creates a repair engine for a group
func NewEngine(group Group, config Config, logger *zap.Logger) *Engine {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LeaderTimeout <= 0 {
		config.LeaderTimeout = DefaultLeaderTimeout
	}
	return &Engine{group: group, config: config, logger: logger.With(zap.String("component", "quorum-repair"))}
}

// ViewOf builds a view from the live group state
func (e *Engine) ViewOf(t *models.Topology) View {
	return View{
		Topology:   t,
		Membership: e.group.Membership(),
		Reachable:  e.group.ReachableMembers(),
	}
}

// Repair validates the request, forces the new membership through the
// leader (or any reachable member when no leader is known) and waits for
// a leader inside the new membership. Once the membership was forced it
// is returned even when the leader wait fails, so callers can record it.
func (e *Engine) Repair(ctx context.Context, t *models.Topology, req models.QuorumRepairRequest) ([]models.AdminID, error) {
	view := e.ViewOf(t)
	decision, err := Validate(view, req)
	if err != nil {
		e.logger.Warn("Quorum repair rejected", zap.Error(err))
		return nil, err
	}

	if err := e.propose(view, decision.Membership); err != nil {
		return nil, err
	}
	e.logger.Info("Forced admin membership",
		zap.Any("membership", decision.Membership),
		zap.Any("available", decision.Available))

	leader, err := e.awaitLeader(ctx, decision.Membership)
	if err != nil {
		e.logger.Warn("Forced membership has no leader yet", zap.Any("membership", decision.Membership), zap.Error(err))
		return decision.Membership, err
	}
	e.logger.Info("Admin quorum repaired", zap.Stringer("leader", leader))
	return decision.Membership, nil
}

func (e *Engine) propose(view View, members []models.AdminID) error {
	var targets []models.AdminID
	if leader, _, ok := e.group.Leader(); ok {
		targets = append(targets, leader)
	}
	targets = append(targets, view.Reachable...)

	var lastErr error
	for _, via := range targets {
		err := e.group.ProposeMembership(via, members, true)
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Debug("Member refused forced reconfiguration", zap.Stringer("admin", via), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = faults.New(faults.ClassConnectivity, faults.CodeNoAdminReachable, "cannot connect to any admin")
	}
	return lastErr
}

func (e *Engine) awaitLeader(ctx context.Context, members []models.AdminID) (models.AdminID, error) {
	var leader models.AdminID
	attempts := uint(e.config.LeaderTimeout/e.config.PollInterval) + 1

	err := retry.Do(
		func() error {
			id, _, ok := e.group.Leader()
			if ok && containsID(members, id) {
				leader = id
				return nil
			}
			return faults.NotReady(faults.CodeLeaderTimeout,
				"no master elected among %v within %s", members, e.config.LeaderTimeout)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(e.config.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return leader, err
}

func containsID(ids []models.AdminID, id models.AdminID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
