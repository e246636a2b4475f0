package topology

import (
	"github.com/global-data-controller/kvadmin/internal/models"
)

// NodeProber reports whether a storage node answers
type NodeProber interface {
	NodeReachable(sn models.StorageNodeID) bool
}

// ValidateStructure checks the structural invariants of a topology and
// returns every violation found, ordered by resource. An empty result
// means the topology is consistent.
func ValidateStructure(t *models.Topology) []models.Violation {
	var out []models.Violation
	primaryRF := t.PrimaryReplicationFactor()
	arbitersOK := ArbitersPermitted(primaryRF)

	for _, g := range t.SortedReplicaGroups() {
		if len(g.Replicas) == 0 {
			out = append(out, models.NewViolation(models.ViolationEmptyReplicaGroup, g.ID, "replica group has no replicas"))
			continue
		}

		dataPerZone := make(map[models.ZoneID]int)
		for _, r := range g.Replicas {
			zone, ok := t.ZoneOfNode(r.StorageNodeID)
			if !ok {
				out = append(out, models.NewViolation(models.ViolationUnknownStorageNode, g.ID,
					"replica %s is on unknown storage node %s", r.ID, r.StorageNodeID))
				continue
			}

			switch r.Role {
			case models.ReplicaRoleData:
				dataPerZone[zone.ID]++
			case models.ReplicaRoleArbiter:
				switch {
				case !zone.IsPrimary():
					out = append(out, models.NewViolation(models.ViolationWrongNodeType, g.ID,
						"arbiter %s is in secondary zone %s", r.ID, zone.ID))
				case !zone.AllowArbiters:
					out = append(out, models.NewViolation(models.ViolationArbiterNotAllowed, g.ID,
						"arbiter %s is in zone %s which does not allow arbiters", r.ID, zone.ID))
				case !arbitersOK:
					out = append(out, models.NewViolation(models.ViolationArbiterNotAllowed, g.ID,
						"arbiter %s is not permitted at primary replication factor %d", r.ID, primaryRF))
				}
			}
		}

		for _, zone := range t.SortedZones() {
			if zone.Offline {
				continue
			}
			count := dataPerZone[zone.ID]
			switch {
			case zone.ReplicationFactor == 0 && count > 0:
				out = append(out, models.NewViolation(models.ViolationDataInZeroRFZone, g.ID,
					"%d data replicas in zone %s with replication factor 0", count, zone.ID))
			case count != zone.ReplicationFactor:
				out = append(out, models.NewViolation(models.ViolationRFMismatch, g.ID,
					"zone %s has %d data replicas, replication factor is %d", zone.ID, count, zone.ReplicationFactor))
			}
		}
	}

	for _, zone := range t.SortedZones() {
		if zone.Offline && zoneHostsReplicas(t, zone.ID) {
			out = append(out, models.NewViolation(models.ViolationOfflineZone, zone.ID,
				"zone %s is offline, replicas pending repair", zone.ID))
		}
	}

	load := t.NodeLoad()
	for _, sn := range t.SortedStorageNodes() {
		if sn.Capacity > 0 && load[sn.ID] > sn.Capacity {
			out = append(out, models.NewViolation(models.ViolationUnderCapacity, sn.ID,
				"hosts %d replicas, capacity is %d", load[sn.ID], sn.Capacity))
		}
	}

	for _, a := range t.SortedAdmins() {
		if _, ok := t.StorageNodes[a.StorageNodeID]; !ok {
			out = append(out, models.NewViolation(models.ViolationUnknownStorageNode, a.ID,
				"admin is on unknown storage node %s", a.StorageNodeID))
		}
	}

	return out
}

// Verify runs ValidateStructure and additionally reports storage nodes
// that do not answer the prober. Nodes in offline zones are skipped since
// the offline violation already covers them.
func Verify(t *models.Topology, prober NodeProber) []models.Violation {
	out := ValidateStructure(t)
	if prober == nil {
		return out
	}
	for _, sn := range t.SortedStorageNodes() {
		if zone, ok := t.Zones[sn.ZoneID]; ok && zone.Offline {
			continue
		}
		if !prober.NodeReachable(sn.ID) {
			out = append(out, models.NewViolation(models.ViolationRMIFailed, sn.ID, "storage node is unreachable"))
		}
	}
	return out
}

func zoneHostsReplicas(t *models.Topology, zone models.ZoneID) bool {
	for _, g := range t.ReplicaGroups {
		for _, r := range g.Replicas {
			if sn, ok := t.StorageNodes[r.StorageNodeID]; ok && sn.ZoneID == zone {
				return true
			}
		}
	}
	return false
}
