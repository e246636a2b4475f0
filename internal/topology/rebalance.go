package topology

import (
	"sort"

	"github.com/global-data-controller/kvadmin/internal/models"
)

// Rebalance moves the topology toward a consistent state in place:
// data replicas per zone are added or removed to match each zone's RF,
// arbiters are placed or removed according to the primary RF, and
// replicas on unknown nodes are dropped. Only nodes from pool receive new
// replicas; an empty pool means every node. Offline zones are left alone,
// except that their arbiter is dropped once one is placed online.
// Placements that cannot be satisfied are reported as UnderCapacity.
func Rebalance(t *models.Topology, pool []models.StorageNodeID) []models.Violation {
	r := &rebalancer{
		topo:    t,
		load:    t.NodeLoad(),
		allowed: make(map[models.StorageNodeID]bool),
	}
	for _, id := range pool {
		r.allowed[id] = true
	}

	var out []models.Violation
	for _, g := range t.SortedReplicaGroups() {
		r.dropOrphans(g)
		for _, zone := range t.SortedZones() {
			if zone.Offline {
				continue
			}
			if v, ok := r.fitData(g, zone); !ok {
				out = append(out, v)
			}
		}
		if v, ok := r.fitArbiters(g); !ok {
			out = append(out, v)
		}
	}
	return out
}

type rebalancer struct {
	topo    *models.Topology
	load    map[models.StorageNodeID]int
	allowed map[models.StorageNodeID]bool
}

func (r *rebalancer) inPool(sn models.StorageNodeID) bool {
	return len(r.allowed) == 0 || r.allowed[sn]
}

func (r *rebalancer) hasRoom(sn *models.StorageNode) bool {
	return sn.Capacity <= 0 || r.load[sn.ID] < sn.Capacity
}

func (r *rebalancer) dropOrphans(g *models.ReplicaGroup) {
	for _, rep := range append([]*models.Replica(nil), g.Replicas...) {
		if _, ok := r.topo.StorageNodes[rep.StorageNodeID]; !ok {
			g.RemoveReplica(rep.ID)
		}
	}
}

// replicasIn returns the group's replicas of role hosted in zone
func (r *rebalancer) replicasIn(g *models.ReplicaGroup, zone models.ZoneID, role models.ReplicaRole) []*models.Replica {
	var out []*models.Replica
	for _, rep := range g.Replicas {
		if rep.Role != role {
			continue
		}
		if sn, ok := r.topo.StorageNodes[rep.StorageNodeID]; ok && sn.ZoneID == zone {
			out = append(out, rep)
		}
	}
	return out
}

func (r *rebalancer) fitData(g *models.ReplicaGroup, zone *models.Zone) (models.Violation, bool) {
	current := r.replicasIn(g, zone.ID, models.ReplicaRoleData)

	for len(current) > zone.ReplicationFactor {
		victim := r.mostLoaded(current)
		g.RemoveReplica(victim.ID)
		r.load[victim.StorageNodeID]--
		current = r.replicasIn(g, zone.ID, models.ReplicaRoleData)
	}

	for len(current) < zone.ReplicationFactor {
		sn := r.leastLoaded(g, zone.ID)
		if sn == nil {
			return models.NewViolation(models.ViolationUnderCapacity, g.ID,
				"no storage node available in zone %s, %d of %d data replicas placed",
				zone.ID, len(current), zone.ReplicationFactor), false
		}
		g.AddReplica(sn.ID, models.ReplicaRoleData)
		r.load[sn.ID]++
		current = r.replicasIn(g, zone.ID, models.ReplicaRoleData)
	}
	return models.Violation{}, true
}

func (r *rebalancer) fitArbiters(g *models.ReplicaGroup) (models.Violation, bool) {
	want := 0
	if ArbitersRequired(r.topo.PrimaryReplicationFactor()) && len(r.arbiterZones()) > 0 {
		want = 1
	}

	var valid, offline []*models.Replica
	for _, rep := range append([]*models.Replica(nil), g.Replicas...) {
		if rep.Role != models.ReplicaRoleArbiter {
			continue
		}
		zone, ok := r.topo.ZoneOfNode(rep.StorageNodeID)
		if ok && zone.Offline {
			offline = append(offline, rep)
			continue
		}
		if ok && zone.IsPrimary() && zone.AllowArbiters && len(valid) < want {
			valid = append(valid, rep)
			continue
		}
		r.remove(g, rep)
	}

	if len(valid) >= want {
		if len(valid) > 0 {
			r.removeAll(g, offline)
		}
		return models.Violation{}, true
	}
	for _, zone := range r.arbiterZones() {
		if sn := r.leastLoaded(g, zone.ID); sn != nil {
			g.AddReplica(sn.ID, models.ReplicaRoleArbiter)
			r.load[sn.ID]++
			// the arbiter moves out of the offline zone
			r.removeAll(g, offline)
			return models.Violation{}, true
		}
	}
	return models.NewViolation(models.ViolationUnderCapacity, g.ID, "no storage node available for an arbiter"), false
}

func (r *rebalancer) remove(g *models.ReplicaGroup, rep *models.Replica) {
	g.RemoveReplica(rep.ID)
	r.load[rep.StorageNodeID]--
}

func (r *rebalancer) removeAll(g *models.ReplicaGroup, reps []*models.Replica) {
	for _, rep := range reps {
		r.remove(g, rep)
	}
}

// arbiterZones lists online primary zones allowing arbiters, ordered by id
func (r *rebalancer) arbiterZones() []*models.Zone {
	var out []*models.Zone
	for _, z := range r.topo.SortedZones() {
		if z.OnlinePrimary() && z.AllowArbiters {
			out = append(out, z)
		}
	}
	return out
}

// leastLoaded picks the pool node in zone with room that does not host g yet
func (r *rebalancer) leastLoaded(g *models.ReplicaGroup, zone models.ZoneID) *models.StorageNode {
	var best *models.StorageNode
	for _, sn := range r.topo.StorageNodesInZone(zone) {
		if !r.inPool(sn.ID) || !r.hasRoom(sn) || g.HostsNode(sn.ID) {
			continue
		}
		if best == nil || r.load[sn.ID] < r.load[best.ID] {
			best = sn
		}
	}
	return best
}

// mostLoaded picks the replica whose node is most loaded, highest id first on ties
func (r *rebalancer) mostLoaded(reps []*models.Replica) *models.Replica {
	sorted := append([]*models.Replica(nil), reps...)
	sort.Slice(sorted, func(i, j int) bool {
		li, lj := r.load[sorted[i].StorageNodeID], r.load[sorted[j].StorageNodeID]
		if li != lj {
			return li > lj
		}
		return sorted[i].StorageNodeID > sorted[j].StorageNodeID
	})
	return sorted[0]
}
