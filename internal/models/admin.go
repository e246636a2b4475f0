package models

// DefaultPool is the storage node pool containing every node
const DefaultPool = "AllStorageNodes"

// Parameters holds cluster-wide settings kept next to the topology
type Parameters struct {
	Pools map[string][]StorageNodeID `json:"pools"`
	// AdminMembership is the configured electable admin membership.
	AdminMembership []AdminID `json:"admin_membership"`
	// DurablePosition is the last acknowledged durable write position.
	DurablePosition uint64 `json:"durable_position"`
	// ZonePositions is the last replicated position observed per zone.
	ZonePositions map[ZoneID]uint64 `json:"zone_positions"`
}

// Clone returns a deep copy of the parameters
func (p *Parameters) Clone() *Parameters {
	if p == nil {
		return nil
	}
	c := &Parameters{
		Pools:           make(map[string][]StorageNodeID, len(p.Pools)),
		AdminMembership: append([]AdminID(nil), p.AdminMembership...),
		DurablePosition: p.DurablePosition,
		ZonePositions:   make(map[ZoneID]uint64, len(p.ZonePositions)),
	}
	for k, v := range p.Pools {
		c.Pools[k] = append([]StorageNodeID(nil), v...)
	}
	for k, v := range p.ZonePositions {
		c.ZonePositions[k] = v
	}
	return c
}

// HasMember reports whether id is part of the configured membership
func (p *Parameters) HasMember(id AdminID) bool {
	for _, m := range p.AdminMembership {
		if m == id {
			return true
		}
	}
	return false
}

// AdminRole is the role an admin replica currently plays
type AdminRole string

const (
	AdminRoleMaster   AdminRole = "MASTER"
	AdminRoleReplica  AdminRole = "REPLICA"
	AdminRoleDetached AdminRole = "DETACHED"
)

// AdminAddress locates an admin replica
type AdminAddress struct {
	ID      AdminID `json:"id"`
	Address string  `json:"address"`
}

// AdminStatus is the quorum and master status seen by one admin replica
type AdminStatus struct {
	ID                    AdminID       `json:"id"`
	Role                  AdminRole     `json:"role"`
	IsAuthoritativeMaster bool          `json:"is_authoritative_master"`
	Master                *AdminAddress `json:"master,omitempty"`
	Membership            []AdminID     `json:"membership"`
	Term                  uint64        `json:"term"`
}

// FailoverRequest asks to promote zones and mark unreachable zones offline
type FailoverRequest struct {
	Name            string   `json:"name"`
	NewPrimaryZones []ZoneID `json:"new_primary_zones"`
	OfflineZones    []ZoneID `json:"offline_zones"`
	// Force accepts data loss from promoting a lagging zone.
	Force bool `json:"force"`
}

// DeployOptions tunes deploy topology plan creation
type DeployOptions struct {
	AllowPrimaryRFReduction bool `json:"allow_primary_rf_reduction"`
}

// QuorumRepairRequest names the admins asserted to be reachable
type QuorumRepairRequest struct {
	ZoneIDs   []ZoneID  `json:"zone_ids"`
	ZoneNames []string  `json:"zone_names"`
	AdminIDs  []AdminID `json:"admin_ids"`
}

// Empty reports whether the request names nothing
func (r QuorumRepairRequest) Empty() bool {
	return len(r.ZoneIDs) == 0 && len(r.ZoneNames) == 0 && len(r.AdminIDs) == 0
}
