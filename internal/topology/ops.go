// Package topology implements the pure operations on topologies and
// candidates: zone type changes, arbiter toggles, replication factor
// bookkeeping, structural validation and replica rebalancing.
package topology

import (
	"time"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// ArbitersPermitted reports whether arbiters may exist at the given total
// primary replication factor. Arbiters only break ties between two data
// replicas, so they are useless (and disallowed) once the RF exceeds 2.
func ArbitersPermitted(primaryRF int) bool {
	return primaryRF <= 2
}

// ArbitersRequired reports whether rebalancing should place an arbiter
func ArbitersRequired(primaryRF int) bool {
	return primaryRF == 2
}

// ApplyZoneTypeChange returns a new candidate named name whose topology is
// a copy of t with the zone's type changed. t is not modified.
func ApplyZoneTypeChange(t *models.Topology, zoneID models.ZoneID, newType models.ZoneType, name string) (*models.Candidate, error) {
	if !newType.Valid() {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument, "invalid zone type %q", newType)
	}
	next := t.Clone()
	if err := SetZoneType(next, zoneID, newType); err != nil {
		return nil, err
	}
	return &models.Candidate{
		Name:      name,
		Internal:  models.IsInternalCandidate(name),
		Topology:  next,
		CreatedAt: time.Now(),
	}, nil
}

// SetZoneType changes the type of a zone in place
func SetZoneType(t *models.Topology, zoneID models.ZoneID, newType models.ZoneType) error {
	if !newType.Valid() {
		return faults.IllegalCommand(faults.CodeInvalidArgument, "invalid zone type %q", newType)
	}
	zone, ok := t.Zones[zoneID]
	if !ok {
		return faults.IllegalCommand(faults.CodeZonesNotFound, "zones not found: %s", zoneID)
	}
	zone.Type = newType
	return nil
}

// ChangeZoneArbiters toggles whether a zone may host arbiters
func ChangeZoneArbiters(t *models.Topology, zoneID models.ZoneID, allow bool) error {
	zone, ok := t.Zones[zoneID]
	if !ok {
		return faults.IllegalCommand(faults.CodeZonesNotFound, "zones not found: %s", zoneID)
	}
	zone.AllowArbiters = allow
	return nil
}

// ReplicationDelta compares the primary replication factor of two topologies
type ReplicationDelta struct {
	PrimaryRFBefore int `json:"primary_rf_before"`
	PrimaryRFAfter  int `json:"primary_rf_after"`
}

// Reduced reports a net primary RF loss
func (d ReplicationDelta) Reduced() bool {
	return d.PrimaryRFAfter < d.PrimaryRFBefore
}

// ArbitersLost reports that arbiters were permitted before the change but
// are not permitted after it
func (d ReplicationDelta) ArbitersLost() bool {
	return ArbitersPermitted(d.PrimaryRFBefore) && !ArbitersPermitted(d.PrimaryRFAfter)
}

// ComputeReplicationDelta compares the live topology with a candidate
func ComputeReplicationDelta(t *models.Topology, c *models.Candidate) ReplicationDelta {
	return ReplicationDelta{
		PrimaryRFBefore: t.PrimaryReplicationFactor(),
		PrimaryRFAfter:  c.Topology.PrimaryReplicationFactor(),
	}
}

// AddStorageNode registers a new storage node in an existing zone
func AddStorageNode(t *models.Topology, sn *models.StorageNode) error {
	if _, ok := t.Zones[sn.ZoneID]; !ok {
		return faults.IllegalCommand(faults.CodeZonesNotFound, "zones not found: %s", sn.ZoneID)
	}
	if sn.ID == 0 {
		sn.ID = t.NextStorageNodeID()
	}
	if _, exists := t.StorageNodes[sn.ID]; exists {
		return faults.IllegalCommand(faults.CodeInvalidArgument, "storage node %s already exists", sn.ID)
	}
	t.StorageNodes[sn.ID] = sn
	return nil
}

// RemoveStorageNode removes a storage node that hosts nothing
func RemoveStorageNode(t *models.Topology, id models.StorageNodeID) error {
	if _, ok := t.StorageNodes[id]; !ok {
		return faults.NotFound("storage node %s not found", id)
	}
	for _, g := range t.ReplicaGroups {
		if g.HostsNode(id) {
			return faults.IllegalCommand(faults.CodeInvalidArgument, "storage node %s still hosts replicas of %s", id, g.ID)
		}
	}
	for _, a := range t.Admins {
		if a.StorageNodeID == id {
			return faults.IllegalCommand(faults.CodeInvalidArgument, "storage node %s still hosts %s", id, a.ID)
		}
	}
	delete(t.StorageNodes, id)
	return nil
}
