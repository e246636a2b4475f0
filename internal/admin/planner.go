package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/orchestrator"
	"github.com/global-data-controller/kvadmin/internal/storage"
	"github.com/global-data-controller/kvadmin/internal/topology"
	"github.com/global-data-controller/kvadmin/internal/transition"
)

// zoneProber reports a zone reachable when any of its storage nodes answers
func zoneProber(t *models.Topology, nodes topology.NodeProber) transition.ZoneProber {
	return transition.ZoneProberFunc(func(zone models.ZoneID) bool {
		return orchestrator.ZoneReachable(t, zone, nodes)
	})
}

// withMembership inserts an admin membership task before the final commit
// when the target's primary admins differ from the configured membership
func withMembership(tasks []*models.Task, target *models.Topology, params *models.Parameters) []*models.Task {
	want := topology.PrimaryAdmins(target)
	if len(want) == 0 || sameAdmins(want, params.AdminMembership) {
		return tasks
	}
	task := &models.Task{
		Type:        models.TaskUpdateAdminMembership,
		Description: fmt.Sprintf("change admin membership from %s to %s", formatAdmins(params.AdminMembership), formatAdmins(want)),
	}
	if n := len(tasks); n > 0 && tasks[n-1].Type == models.TaskCommitTopology {
		out := append([]*models.Task(nil), tasks[:n-1]...)
		return append(out, task, tasks[n-1])
	}
	return append(tasks, task)
}

// repairCandidate brings every offline zone that answers again back
// online and reconciles replicas
func repairCandidate(live *models.Topology, params *models.Parameters, nodes topology.NodeProber, name string) (*models.Candidate, []*models.Task, error) {
	next := live.Clone()
	var tasks []*models.Task
	for _, z := range live.SortedZones() {
		if !z.Offline || !orchestrator.ZoneReachable(live, z.ID, nodes) {
			continue
		}
		next.Zones[z.ID].Offline = false
		tasks = append(tasks, &models.Task{
			Type:        models.TaskBringZoneOnline,
			Zone:        z.ID,
			Description: fmt.Sprintf("bring zone %s online", z),
		})
	}

	if vs := topology.Rebalance(next, params.Pools[models.DefaultPool]); len(vs) > 0 {
		return nil, nil, faults.IllegalCommand(faults.CodeTopologyViolations,
			"repair cannot reconcile replicas: %s", formatViolations(vs))
	}

	tasks = append(tasks,
		&models.Task{Type: models.TaskReconcileReplicas, Description: "reconcile replicas with zone replication factors"},
		&models.Task{Type: models.TaskVerifyTopology, Description: "verify topology"},
		&models.Task{Type: models.TaskCommitTopology, Description: fmt.Sprintf("commit topology %s", live.Name)},
	)
	tasks = withMembership(tasks, next, params)

	return &models.Candidate{
		Name:      transition.InternalCandidateName(name),
		Internal:  true,
		Topology:  next,
		CreatedAt: time.Now(),
	}, tasks, nil
}

func newPlan(name string, kind models.PlanKind, target models.PlanTarget, tasks []*models.Task) *models.Plan {
	now := time.Now().UTC()
	plan := &models.Plan{
		Name:      name,
		Kind:      kind,
		State:     models.PlanStateNew,
		Target:    target,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, t := range tasks {
		plan.AddTask(t)
	}
	return plan
}

// candidateBusy fails when an unfinished plan already targets the candidate
func candidateBusy(r storage.Reader, name string) error {
	plans, err := r.Plans()
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.Target.Candidate == name && !p.State.IsFinished() {
			return faults.IllegalCommand(faults.CodeCandidateBusy,
				"candidate %q is already the target of %s in state %s", name, p.ID, p.State)
		}
	}
	return nil
}

func sameAdmins(a, b []models.AdminID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !containsAdmin(b, id) {
			return false
		}
	}
	return true
}

func formatAdmins(ids []models.AdminID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatViolations(vs []models.Violation) string {
	const shown = 3
	parts := make([]string, 0, shown+1)
	for i, v := range vs {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(vs)-shown))
			break
		}
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}

func violationStrings(vs []models.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.String())
	}
	return out
}
