package transition

import (
	"fmt"
	"reflect"

	"github.com/global-data-controller/kvadmin/internal/models"
)

// PlanTasks lists the tasks copying target into current, in execution
// order: promotions, demotions, other zone changes, arbiter toggles,
// storage nodes, replica groups and a final commit. Each task is
// idempotent.
func PlanTasks(current, target *models.Topology) []*models.Task {
	var promotions, demotions, zoneChanges, arbiters []*models.Task

	for _, z := range target.SortedZones() {
		before, ok := current.Zones[z.ID]
		// zone tasks keep the live arbiter permission; new zones start without it
		if (ok && before.AllowArbiters) != z.AllowArbiters {
			arbiters = append(arbiters, &models.Task{
				Type: models.TaskChangeZoneArbiters, Zone: z.ID,
				Description: fmt.Sprintf("set allow arbiters of %s to %t", z, z.AllowArbiters),
			})
		}
		if !ok {
			zoneChanges = append(zoneChanges, &models.Task{
				Type: models.TaskChangeZoneType, Zone: z.ID,
				Description: fmt.Sprintf("add zone %s as %s", z, z.Type),
			})
			continue
		}
		switch {
		case z.OnlinePrimary() && !before.OnlinePrimary():
			promotions = append(promotions, &models.Task{
				Type: models.TaskChangeZoneType, Zone: z.ID,
				Description: fmt.Sprintf("promote %s to PRIMARY", z),
			})
		case !z.OnlinePrimary() && before.OnlinePrimary():
			desc := fmt.Sprintf("demote %s to %s", z, z.Type)
			if z.Offline {
				desc += " (offline)"
			}
			demotions = append(demotions, &models.Task{
				Type: models.TaskChangeZoneType, Zone: z.ID, Description: desc,
			})
		case zoneChanged(before, z):
			zoneChanges = append(zoneChanges, &models.Task{
				Type: models.TaskChangeZoneType, Zone: z.ID,
				Description: fmt.Sprintf("update zone %s", z),
			})
		}
	}

	tasks := make([]*models.Task, 0, len(promotions)+len(demotions)+len(zoneChanges)+len(arbiters)+2)
	tasks = append(tasks, promotions...)
	tasks = append(tasks, demotions...)
	tasks = append(tasks, zoneChanges...)
	tasks = append(tasks, arbiters...)

	if !reflect.DeepEqual(current.StorageNodes, target.StorageNodes) {
		tasks = append(tasks, &models.Task{
			Type:        models.TaskUpdateStorageNodes,
			Description: fmt.Sprintf("update storage nodes (%d to %d)", len(current.StorageNodes), len(target.StorageNodes)),
		})
	}

	groups := make(map[models.ReplicaGroupID]bool)
	for id := range current.ReplicaGroups {
		groups[id] = true
	}
	for id := range target.ReplicaGroups {
		groups[id] = true
	}
	for _, id := range sortedGroupIDs(groups) {
		before, after := current.ReplicaGroups[id], target.ReplicaGroups[id]
		if before != nil && after != nil && reflect.DeepEqual(before.Replicas, after.Replicas) {
			continue
		}
		desc := fmt.Sprintf("update replicas of %s", id)
		if after == nil {
			desc = fmt.Sprintf("remove %s", id)
		}
		tasks = append(tasks, &models.Task{Type: models.TaskUpdateReplicaGroup, Group: id, Description: desc})
	}

	tasks = append(tasks, &models.Task{
		Type:        models.TaskCommitTopology,
		Description: fmt.Sprintf("commit topology %s", target.Name),
	})
	return tasks
}

// zoneChanged compares the zone attributes copied by a zone type task
func zoneChanged(a, b *models.Zone) bool {
	return a.Name != b.Name ||
		a.Type != b.Type ||
		a.Offline != b.Offline ||
		a.ReplicationFactor != b.ReplicationFactor ||
		a.MasterAffinity != b.MasterAffinity
}
