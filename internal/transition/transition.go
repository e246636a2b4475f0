// Package transition validates zone type transitions. Switchover changes
// zone types while every affected zone is reachable; failover promotes
// zones and marks unreachable zones offline without their cooperation.
// Validation produces a candidate topology and the tasks of a plan that
// would deploy it. Nothing is executed here.
package transition

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/topology"
)

// ZoneProber reports whether a zone can be contacted
type ZoneProber interface {
	ZoneReachable(zone models.ZoneID) bool
}

// ZoneProberFunc adapts a function to ZoneProber
type ZoneProberFunc func(zone models.ZoneID) bool

func (f ZoneProberFunc) ZoneReachable(zone models.ZoneID) bool { return f(zone) }

// AllReachable is a prober that reports every zone reachable
var AllReachable = ZoneProberFunc(func(models.ZoneID) bool { return true })

// Environment is the observed state a failover is validated against
type Environment struct {
	Prober     ZoneProber
	Parameters *models.Parameters
}

// Result is a validated transition
type Result struct {
	Candidate *models.Candidate
	Tasks     []*models.Task
	Delta     topology.ReplicationDelta
	Promoted  []models.ZoneID
	Demoted   []models.ZoneID
	// Rationale carries the data loss warning of a forced failover.
	Rationale string
	// RequiresRebalance is set when arbiters must be removed by a
	// follow-up rebalance.
	RequiresRebalance bool
	Notes             []string
}

// NewPlan returns an unexecuted plan deploying the result
func (r *Result) NewPlan(name string, kind models.PlanKind) *models.Plan {
	now := time.Now()
	plan := &models.Plan{
		Name:      name,
		Kind:      kind,
		State:     models.PlanStateNew,
		Target:    models.PlanTarget{Candidate: r.Candidate.Name},
		Rationale: r.Rationale,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, t := range r.Tasks {
		tc := *t
		plan.AddTask(&tc)
	}
	return plan
}

// InternalCandidateName returns a fresh hidden candidate name for a plan
func InternalCandidateName(planName string) string {
	return fmt.Sprintf("%s%s-%s", models.InternalCandidatePrefix, planName, uuid.NewString()[:8])
}

// ValidateSwitchover checks a candidate whose zone types were changed
// while every zone stays reachable
func ValidateSwitchover(current *models.Topology, candidate *models.Candidate, prober ZoneProber, opts models.DeployOptions) (*Result, error) {
	if prober == nil {
		prober = AllReachable
	}

	var unreachable []string
	for _, z := range candidate.Topology.SortedZones() {
		before, ok := current.Zones[z.ID]
		if !ok || (before.Type == z.Type && before.Offline == z.Offline) {
			continue
		}
		if !prober.ZoneReachable(z.ID) {
			unreachable = append(unreachable, z.ID.String())
		}
	}
	if len(unreachable) > 0 {
		return nil, faults.IllegalCommand(faults.CodeZoneUnreachable,
			"zones %s are not reachable, a switchover requires every changed zone to be reachable",
			strings.Join(unreachable, ", "))
	}

	if !hasOnlinePrimary(candidate.Topology) {
		return nil, faults.IllegalCommand(faults.CodeNoOnlinePrimary,
			"the change did not result in any online primary zones")
	}

	delta := topology.ComputeReplicationDelta(current, candidate)
	if delta.Reduced() && !opts.AllowPrimaryRFReduction {
		return nil, faults.IllegalCommand(faults.CodeRFReduction,
			"the change reduces overall primary replication factor from %d to %d",
			delta.PrimaryRFBefore, delta.PrimaryRFAfter)
	}

	res := newResult(current, candidate, delta)
	return res, nil
}

// ValidateFailover validates a failover request and builds its candidate.
// Zones hosting a member of the configured admin membership are promoted
// with the requested zones, so the data and admin quorums agree on the
// primary zones.
func ValidateFailover(current *models.Topology, req models.FailoverRequest, env Environment) (*Result, error) {
	if env.Prober == nil {
		env.Prober = AllReachable
	}
	params := env.Parameters
	if params == nil {
		params = &models.Parameters{}
	}

	designations, err := designate(current, req)
	if err != nil {
		return nil, err
	}

	var reachable []string
	for _, id := range req.OfflineZones {
		if env.Prober.ZoneReachable(id) {
			reachable = append(reachable, id.String())
		}
	}
	if len(reachable) > 0 {
		return nil, faults.IllegalCommand(faults.CodeZoneReachable,
			"zones %s are reachable and cannot be marked offline, use a switchover instead",
			strings.Join(reachable, ", "))
	}

	for _, id := range params.AdminMembership {
		admin, ok := current.Admins[id]
		if !ok {
			continue
		}
		if _, set := designations[admin.ZoneID]; !set {
			designations[admin.ZoneID] = designatedPrimary
		}
	}

	name := InternalCandidateName(req.Name)
	next := current.Clone()
	for id, d := range designations {
		zone := next.Zones[id]
		switch d {
		case designatedPrimary:
			zone.Type = models.ZoneTypePrimary
			zone.Offline = false
		case designatedOffline:
			zone.Type = models.ZoneTypeSecondary
			zone.Offline = true
		}
	}
	if !hasOnlinePrimary(next) {
		return nil, faults.IllegalCommand(faults.CodeNoOnlinePrimary,
			"failover did not result in any online primary zones")
	}

	candidate := &models.Candidate{
		Name:      name,
		Internal:  true,
		Topology:  next,
		CreatedAt: time.Now(),
	}
	res := newResult(current, candidate, topology.ComputeReplicationDelta(current, candidate))

	var lagging []string
	for _, id := range res.Promoted {
		pos := params.ZonePositions[id]
		if pos < params.DurablePosition {
			lagging = append(lagging, fmt.Sprintf("%s at position %d", id, pos))
		}
	}
	if len(lagging) > 0 {
		detail := fmt.Sprintf("promoting %s behind the last durable write position %d",
			strings.Join(lagging, ", "), params.DurablePosition)
		if !req.Force {
			return nil, faults.New(faults.ClassDataLoss, faults.CodeDataLoss,
				"failover would cause data loss: %s; retry with force to accept the loss", detail)
		}
		res.Rationale = "WARNING: forced failover accepts data loss: " + detail
	}
	return res, nil
}

type designation int

const (
	designatedPrimary designation = iota + 1
	designatedOffline
)

func (d designation) String() string {
	if d == designatedPrimary {
		return "primary"
	}
	return "offline secondary"
}

// designate assigns each requested zone exactly one designation. Unknown
// zones are reported together before any conflict.
func designate(t *models.Topology, req models.FailoverRequest) (map[models.ZoneID]designation, error) {
	var unknown []string
	for _, ids := range [][]models.ZoneID{req.NewPrimaryZones, req.OfflineZones} {
		for _, id := range ids {
			if _, ok := t.Zones[id]; !ok {
				unknown = append(unknown, id.String())
			}
		}
	}
	if len(unknown) > 0 {
		return nil, faults.IllegalCommand(faults.CodeZonesNotFound, "zones not found: %s", strings.Join(unknown, ", "))
	}

	out := make(map[models.ZoneID]designation)
	assign := func(id models.ZoneID, d designation) error {
		if prev, ok := out[id]; ok && prev != d {
			return faults.IllegalCommand(faults.CodeMultipleTypes,
				"zone %s specified with multiple types: %s and %s", id, prev, d)
		}
		out[id] = d
		return nil
	}
	for _, id := range req.NewPrimaryZones {
		if err := assign(id, designatedPrimary); err != nil {
			return nil, err
		}
	}
	for _, id := range req.OfflineZones {
		if err := assign(id, designatedOffline); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func newResult(current *models.Topology, candidate *models.Candidate, delta topology.ReplicationDelta) *Result {
	res := &Result{
		Candidate: candidate,
		Tasks:     PlanTasks(current, candidate.Topology),
		Delta:     delta,
	}
	for _, z := range candidate.Topology.SortedZones() {
		before, ok := current.Zones[z.ID]
		if !ok {
			continue
		}
		switch {
		case z.OnlinePrimary() && !before.OnlinePrimary():
			res.Promoted = append(res.Promoted, z.ID)
		case !z.OnlinePrimary() && before.OnlinePrimary():
			res.Demoted = append(res.Demoted, z.ID)
		}
	}
	if delta.ArbitersLost() {
		res.RequiresRebalance = true
		res.Notes = append(res.Notes, fmt.Sprintf(
			"arbiters are not permitted at primary replication factor %d, rebalance the topology to remove them",
			delta.PrimaryRFAfter))
	}
	return res
}

func hasOnlinePrimary(t *models.Topology) bool {
	for _, z := range t.Zones {
		if z.OnlinePrimary() {
			return true
		}
	}
	return false
}

func sortedGroupIDs(ids map[models.ReplicaGroupID]bool) []models.ReplicaGroupID {
	out := make([]models.ReplicaGroupID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
