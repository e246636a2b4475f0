package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ZoneID identifies a zone (datacenter) in the topology
type ZoneID int

func (id ZoneID) String() string { return fmt.Sprintf("zn%d", int(id)) }

// StorageNodeID identifies a storage node
type StorageNodeID int

func (id StorageNodeID) String() string { return fmt.Sprintf("sn%d", int(id)) }

// ReplicaGroupID identifies a replica group (shard)
type ReplicaGroupID int

func (id ReplicaGroupID) String() string { return fmt.Sprintf("rg%d", int(id)) }

// AdminID identifies a member of the admin (metadata) replication group
type AdminID int

func (id AdminID) String() string { return fmt.Sprintf("admin%d", int(id)) }

// ZoneType tells whether a zone participates in the durable write quorum
type ZoneType string

const (
	ZoneTypePrimary   ZoneType = "PRIMARY"
	ZoneTypeSecondary ZoneType = "SECONDARY"
)

// Valid reports whether t is a known zone type
func (t ZoneType) Valid() bool {
	return t == ZoneTypePrimary || t == ZoneTypeSecondary
}

// ParseZoneType parses a zone type name case-insensitively
func ParseZoneType(s string) (ZoneType, error) {
	t := ZoneType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown zone type %q", s)
	}
	return t, nil
}

// Zone represents a fault domain containing storage nodes
type Zone struct {
	ID                ZoneID   `json:"id"`
	Name              string   `json:"name"`
	ReplicationFactor int      `json:"replication_factor"`
	Type              ZoneType `json:"type"`
	AllowArbiters     bool     `json:"allow_arbiters"`
	MasterAffinity    bool     `json:"master_affinity"`
	// Offline is set by failover and cleared once the zone is repaired.
	Offline bool `json:"offline"`
}

// IsPrimary reports whether the zone is a primary zone
func (z *Zone) IsPrimary() bool { return z.Type == ZoneTypePrimary }

// OnlinePrimary reports whether the zone is primary and not marked offline
func (z *Zone) OnlinePrimary() bool { return z.IsPrimary() && !z.Offline }

func (z *Zone) String() string {
	return fmt.Sprintf("%s(%s)", z.ID, z.Name)
}

// StorageNode represents a process hosting replicas
type StorageNode struct {
	ID       StorageNodeID `json:"id"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	ZoneID   ZoneID        `json:"zone_id"`
	Capacity int           `json:"capacity"`
}

// ReplicaRole distinguishes data-carrying replicas from arbiters
type ReplicaRole string

const (
	ReplicaRoleData    ReplicaRole = "DATA"
	ReplicaRoleArbiter ReplicaRole = "ARBITER"
)

// Replica is a member of a replica group bound to one storage node
type Replica struct {
	ID            string        `json:"id"`
	StorageNodeID StorageNodeID `json:"storage_node_id"`
	Role          ReplicaRole   `json:"role"`
}

// ReplicaGroup represents a shard and its replicas
type ReplicaGroup struct {
	ID       ReplicaGroupID `json:"id"`
	Replicas []*Replica     `json:"replicas"`
	// NextSeq numbers newly placed replicas so ids are never reused.
	NextSeq int `json:"next_seq"`
}

// AddReplica appends a new replica on node sn with the given role
func (g *ReplicaGroup) AddReplica(sn StorageNodeID, role ReplicaRole) *Replica {
	g.NextSeq++
	prefix := "rn"
	if role == ReplicaRoleArbiter {
		prefix = "an"
	}
	r := &Replica{
		ID:            fmt.Sprintf("%s-%s%d", g.ID, prefix, g.NextSeq),
		StorageNodeID: sn,
		Role:          role,
	}
	g.Replicas = append(g.Replicas, r)
	return r
}

// RemoveReplica drops the replica with the given id
func (g *ReplicaGroup) RemoveReplica(id string) bool {
	for i, r := range g.Replicas {
		if r.ID == id {
			g.Replicas = append(g.Replicas[:i], g.Replicas[i+1:]...)
			return true
		}
	}
	return false
}

// HostsNode reports whether any replica of the group lives on sn
func (g *ReplicaGroup) HostsNode(sn StorageNodeID) bool {
	for _, r := range g.Replicas {
		if r.StorageNodeID == sn {
			return true
		}
	}
	return false
}

// AdminMember is a replica of the admin (metadata) service
type AdminMember struct {
	ID            AdminID       `json:"id"`
	ZoneID        ZoneID        `json:"zone_id"`
	StorageNodeID StorageNodeID `json:"storage_node_id"`
	Address       string        `json:"address"`
}

// Topology is a named, versioned aggregate of zones, storage nodes,
// replica groups and admin members
type Topology struct {
	Name          string                           `json:"name"`
	Version       int                              `json:"version"`
	Zones         map[ZoneID]*Zone                 `json:"zones"`
	StorageNodes  map[StorageNodeID]*StorageNode   `json:"storage_nodes"`
	ReplicaGroups map[ReplicaGroupID]*ReplicaGroup `json:"replica_groups"`
	Admins        map[AdminID]*AdminMember         `json:"admins"`
	UpdatedAt     time.Time                        `json:"updated_at"`
}

// NewTopology returns an empty topology
func NewTopology(name string) *Topology {
	return &Topology{
		Name:          name,
		Zones:         make(map[ZoneID]*Zone),
		StorageNodes:  make(map[StorageNodeID]*StorageNode),
		ReplicaGroups: make(map[ReplicaGroupID]*ReplicaGroup),
		Admins:        make(map[AdminID]*AdminMember),
	}
}

// Clone returns a deep copy of the topology
func (t *Topology) Clone() *Topology {
	if t == nil {
		return nil
	}
	c := NewTopology(t.Name)
	c.Version = t.Version
	c.UpdatedAt = t.UpdatedAt
	for id, z := range t.Zones {
		zc := *z
		c.Zones[id] = &zc
	}
	for id, sn := range t.StorageNodes {
		snc := *sn
		c.StorageNodes[id] = &snc
	}
	for id, g := range t.ReplicaGroups {
		gc := &ReplicaGroup{ID: g.ID, NextSeq: g.NextSeq, Replicas: make([]*Replica, 0, len(g.Replicas))}
		for _, r := range g.Replicas {
			rc := *r
			gc.Replicas = append(gc.Replicas, &rc)
		}
		c.ReplicaGroups[id] = gc
	}
	for id, a := range t.Admins {
		ac := *a
		c.Admins[id] = &ac
	}
	return c
}

// SortedZones returns zones ordered by id
func (t *Topology) SortedZones() []*Zone {
	out := make([]*Zone, 0, len(t.Zones))
	for _, z := range t.Zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedStorageNodes returns storage nodes ordered by id
func (t *Topology) SortedStorageNodes() []*StorageNode {
	out := make([]*StorageNode, 0, len(t.StorageNodes))
	for _, sn := range t.StorageNodes {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedReplicaGroups returns replica groups ordered by id
func (t *Topology) SortedReplicaGroups() []*ReplicaGroup {
	out := make([]*ReplicaGroup, 0, len(t.ReplicaGroups))
	for _, g := range t.ReplicaGroups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedAdmins returns admin members ordered by id
func (t *Topology) SortedAdmins() []*AdminMember {
	out := make([]*AdminMember, 0, len(t.Admins))
	for _, a := range t.Admins {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ZoneByName looks a zone up by its human name
func (t *Topology) ZoneByName(name string) (*Zone, bool) {
	for _, z := range t.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return nil, false
}

// ZoneOfNode returns the zone hosting storage node sn
func (t *Topology) ZoneOfNode(sn StorageNodeID) (*Zone, bool) {
	node, ok := t.StorageNodes[sn]
	if !ok {
		return nil, false
	}
	z, ok := t.Zones[node.ZoneID]
	return z, ok
}

// StorageNodesInZone returns the zone's storage nodes ordered by id
func (t *Topology) StorageNodesInZone(zone ZoneID) []*StorageNode {
	var out []*StorageNode
	for _, sn := range t.SortedStorageNodes() {
		if sn.ZoneID == zone {
			out = append(out, sn)
		}
	}
	return out
}

// AdminsInZone returns the admin members hosted in a zone ordered by id
func (t *Topology) AdminsInZone(zone ZoneID) []*AdminMember {
	var out []*AdminMember
	for _, a := range t.SortedAdmins() {
		if a.ZoneID == zone {
			out = append(out, a)
		}
	}
	return out
}

// PrimaryReplicationFactor sums the RF of all primary zones
func (t *Topology) PrimaryReplicationFactor() int {
	total := 0
	for _, z := range t.Zones {
		if z.IsPrimary() {
			total += z.ReplicationFactor
		}
	}
	return total
}

// NodeLoad counts replicas hosted per storage node
func (t *Topology) NodeLoad() map[StorageNodeID]int {
	load := make(map[StorageNodeID]int, len(t.StorageNodes))
	for _, g := range t.ReplicaGroups {
		for _, r := range g.Replicas {
			load[r.StorageNodeID]++
		}
	}
	return load
}

// NextStorageNodeID returns an unused storage node id
func (t *Topology) NextStorageNodeID() StorageNodeID {
	var max StorageNodeID
	for id := range t.StorageNodes {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// InternalCandidatePrefix marks candidates created on behalf of a plan.
// Such candidates are hidden from normal listings.
const InternalCandidatePrefix = "$internal-"

// IsInternalCandidate reports whether name belongs to an internal candidate
func IsInternalCandidate(name string) bool {
	return strings.HasPrefix(name, InternalCandidatePrefix)
}

// Candidate is a named copy-on-write fork of the topology
type Candidate struct {
	Name      string    `json:"name"`
	Internal  bool      `json:"internal"`
	PlanID    PlanID    `json:"plan_id,omitempty"`
	Topology  *Topology `json:"topology"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the candidate
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cc := *c
	cc.Topology = c.Topology.Clone()
	return &cc
}
