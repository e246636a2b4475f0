// Package group models the replication group behind the admin service.
// It tracks member reachability, the electable membership, the current
// leader and its term. Log shipping is not modelled: every member sees
// the same durable store.
package group

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// DefaultElectionDelay is how long the group waits before electing a leader
const DefaultElectionDelay = 200 * time.Millisecond

// Config configures the group model
type Config struct {
	ElectionDelay time.Duration `mapstructure:"election_delay"`
}

// LeaderListener is notified after each leadership change. leader is zero
// when the group lost its leader.
type LeaderListener func(leader models.AdminID, term uint64)

// Group is a replication group with majority elections
type Group struct {
	mu        sync.Mutex
	config    Config
	logger    *zap.Logger
	reachable map[models.AdminID]bool
	electable []models.AdminID
	leader    models.AdminID
	term      uint64
	listeners []LeaderListener
	timer     *time.Timer
	closed    bool
}

// New creates a group of members with the given electable membership.
// Every member starts reachable and an election is scheduled.
func New(config Config, members, membership []models.AdminID, logger *zap.Logger) *Group {
	if config.ElectionDelay <= 0 {
		config.ElectionDelay = DefaultElectionDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Group{
		config:    config,
		logger:    logger.With(zap.String("component", "admin-group")),
		reachable: make(map[models.AdminID]bool, len(members)),
		electable: sortedIDs(membership),
	}
	for _, id := range members {
		g.reachable[id] = true
	}
	for _, id := range membership {
		g.reachable[id] = true
	}

	g.mu.Lock()
	g.scheduleLocked()
	g.mu.Unlock()
	return g
}

// OnLeaderChange registers a listener
func (g *Group) OnLeaderChange(fn LeaderListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Members returns every known member ordered by id
func (g *Group) Members() []models.AdminID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.AdminID, 0, len(g.reachable))
	for id := range g.reachable {
		out = append(out, id)
	}
	return sortedIDs(out)
}

// Membership returns the electable membership
func (g *Group) Membership() []models.AdminID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.AdminID(nil), g.electable...)
}

// Leader returns the current leader and term
func (g *Group) Leader() (models.AdminID, uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader, g.term, g.leader != 0
}

// IsLeader reports whether id leads the group in term
func (g *Group) IsLeader(id models.AdminID, term uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader == id && g.term == term
}

// Reachable reports whether a member is reachable
func (g *Group) Reachable(id models.AdminID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reachable[id]
}

// ReachableMembers returns every reachable member ordered by id
func (g *Group) ReachableMembers() []models.AdminID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.AdminID
	for id, ok := range g.reachable {
		if ok {
			out = append(out, id)
		}
	}
	return sortedIDs(out)
}

// HasQuorum reports whether a strict majority of the electable membership
// is reachable
func (g *Group) HasQuorum() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasQuorumLocked()
}

// AddMember registers a member; new members are reachable and not electable
func (g *Group) AddMember(id models.AdminID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.reachable[id]; !ok {
		g.reachable[id] = true
	}
}

// SetReachable marks a member reachable or unreachable. Losing the leader
// clears leadership; any change schedules an election.
func (g *Group) SetReachable(id models.AdminID, reachable bool) {
	g.mu.Lock()
	if _, ok := g.reachable[id]; !ok || g.reachable[id] == reachable {
		g.mu.Unlock()
		return
	}
	g.reachable[id] = reachable
	g.logger.Info("Member reachability changed",
		zap.Stringer("member", id),
		zap.Bool("reachable", reachable))

	var notify []LeaderListener
	if !reachable && g.leader == id {
		g.leader = 0
		notify = append([]LeaderListener(nil), g.listeners...)
		g.logger.Warn("Leader became unreachable", zap.Stringer("leader", id), zap.Uint64("term", g.term))
	} else if g.leader != 0 && !g.hasQuorumLocked() {
		// the leader steps down once it cannot see a majority
		g.logger.Warn("Leader lost quorum, stepping down", zap.Stringer("leader", g.leader), zap.Uint64("term", g.term))
		g.leader = 0
		notify = append([]LeaderListener(nil), g.listeners...)
	}
	term := g.term
	g.scheduleLocked()
	g.mu.Unlock()

	for _, fn := range notify {
		fn(0, term)
	}
}

// ProposeMembership replaces the electable membership. A normal proposal
// must be sent to the leader; a forced proposal is accepted by any
// reachable member and is how a lost majority is repaired.
func (g *Group) ProposeMembership(via models.AdminID, members []models.AdminID, force bool) error {
	g.mu.Lock()
	if !g.reachable[via] {
		g.mu.Unlock()
		return faults.New(faults.ClassConnectivity, faults.CodeCannotContactAdmin, "cannot contact admin %s", via)
	}
	if !force && g.leader != via {
		g.mu.Unlock()
		return faults.NotMaster("%s cannot change the membership", via)
	}
	if len(members) == 0 {
		g.mu.Unlock()
		return faults.IllegalCommand(faults.CodeEmptyMembership, "membership cannot be empty")
	}
	for _, id := range members {
		if _, ok := g.reachable[id]; !ok {
			g.mu.Unlock()
			return faults.IllegalCommand(faults.CodeUnknownMember, "Requested admins/zones not found: %s", id)
		}
	}

	g.electable = sortedIDs(members)
	g.logger.Info("Membership changed",
		zap.Stringer("via", via),
		zap.Bool("force", force),
		zap.Any("membership", g.electable))

	var notify []LeaderListener
	if g.leader != 0 && (!contains(g.electable, g.leader) || !g.hasQuorumLocked()) {
		g.leader = 0
		notify = append([]LeaderListener(nil), g.listeners...)
	}
	term := g.term
	g.scheduleLocked()
	g.mu.Unlock()

	for _, fn := range notify {
		fn(0, term)
	}
	return nil
}

// Close stops pending elections
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Group) hasQuorumLocked() bool {
	up := 0
	for _, id := range g.electable {
		if g.reachable[id] {
			up++
		}
	}
	return up > len(g.electable)/2
}

func (g *Group) scheduleLocked() {
	if g.closed || g.timer != nil {
		return
	}
	g.timer = time.AfterFunc(g.config.ElectionDelay, g.elect)
}

// elect picks the lowest reachable electable member once a majority of
// the membership is reachable
func (g *Group) elect() {
	g.mu.Lock()
	g.timer = nil
	if g.closed || g.leader != 0 || !g.hasQuorumLocked() {
		g.mu.Unlock()
		return
	}

	for _, id := range g.electable {
		if g.reachable[id] {
			g.leader = id
			break
		}
	}
	g.term++
	leader, term := g.leader, g.term
	listeners := append([]LeaderListener(nil), g.listeners...)
	g.logger.Info("Leader elected", zap.Stringer("leader", leader), zap.Uint64("term", term))
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(leader, term)
	}
}

func sortedIDs(ids []models.AdminID) []models.AdminID {
	out := append([]models.AdminID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func contains(ids []models.AdminID, id models.AdminID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
