package topology

import (
	"fmt"

	"github.com/global-data-controller/kvadmin/internal/models"
)

// ZoneSpec describes a zone to create with Build
type ZoneSpec struct {
	Name              string          `mapstructure:"name" json:"name"`
	ReplicationFactor int             `mapstructure:"replication_factor" json:"replication_factor"`
	Type              models.ZoneType `mapstructure:"type" json:"type"`
	AllowArbiters     bool            `mapstructure:"allow_arbiters" json:"allow_arbiters"`
	MasterAffinity    bool            `mapstructure:"master_affinity" json:"master_affinity"`
	StorageNodes      int             `mapstructure:"storage_nodes" json:"storage_nodes"`
	Capacity          int             `mapstructure:"capacity" json:"capacity"`
	Admins            int             `mapstructure:"admins" json:"admins"`
}

// Layout describes a whole initial deployment
type Layout struct {
	Name          string     `mapstructure:"name" json:"name"`
	Host          string     `mapstructure:"host" json:"host"`
	BasePort      int        `mapstructure:"base_port" json:"base_port"`
	ReplicaGroups int        `mapstructure:"replica_groups" json:"replica_groups"`
	Zones         []ZoneSpec `mapstructure:"zones" json:"zones"`
}

// Build creates a topology from the layout. Zones, storage nodes, admins
// and replica groups are numbered from 1 in declaration order; replicas
// are placed with Rebalance. Admins are hosted on the first storage nodes
// of their zone.
func Build(layout Layout) (*models.Topology, error) {
	if layout.Host == "" {
		layout.Host = "localhost"
	}
	if layout.BasePort == 0 {
		layout.BasePort = 5000
	}

	t := models.NewTopology(layout.Name)
	t.Version = 1
	var nextSN models.StorageNodeID = 1
	var nextAdmin models.AdminID = 1

	for i, spec := range layout.Zones {
		zt := spec.Type
		if zt == "" {
			zt = models.ZoneTypePrimary
		}
		if !zt.Valid() {
			return nil, fmt.Errorf("zone %q: invalid type %q", spec.Name, spec.Type)
		}
		if spec.Admins > spec.StorageNodes {
			return nil, fmt.Errorf("zone %q: %d admins need as many storage nodes", spec.Name, spec.Admins)
		}

		zone := &models.Zone{
			ID:                models.ZoneID(i + 1),
			Name:              spec.Name,
			ReplicationFactor: spec.ReplicationFactor,
			Type:              zt,
			AllowArbiters:     spec.AllowArbiters,
			MasterAffinity:    spec.MasterAffinity,
		}
		t.Zones[zone.ID] = zone

		for n := 0; n < spec.StorageNodes; n++ {
			sn := &models.StorageNode{
				ID:       nextSN,
				Host:     layout.Host,
				Port:     layout.BasePort + int(nextSN),
				ZoneID:   zone.ID,
				Capacity: spec.Capacity,
			}
			t.StorageNodes[sn.ID] = sn
			if n < spec.Admins {
				t.Admins[nextAdmin] = &models.AdminMember{
					ID:            nextAdmin,
					ZoneID:        zone.ID,
					StorageNodeID: sn.ID,
					Address:       fmt.Sprintf("%s:%d", sn.Host, sn.Port),
				}
				nextAdmin++
			}
			nextSN++
		}
	}

	for g := 1; g <= layout.ReplicaGroups; g++ {
		id := models.ReplicaGroupID(g)
		t.ReplicaGroups[id] = &models.ReplicaGroup{ID: id}
	}
	if violations := Rebalance(t, nil); len(violations) > 0 {
		return nil, fmt.Errorf("cannot place replicas: %s", violations[0])
	}
	return t, nil
}

// InitialParameters derives parameters for a freshly built topology:
// the default pool holds every node and the electable admin membership
// is the set of admins in primary zones
func InitialParameters(t *models.Topology) *models.Parameters {
	params := &models.Parameters{
		Pools:         make(map[string][]models.StorageNodeID),
		ZonePositions: make(map[models.ZoneID]uint64),
	}
	for _, sn := range t.SortedStorageNodes() {
		params.Pools[models.DefaultPool] = append(params.Pools[models.DefaultPool], sn.ID)
	}
	params.AdminMembership = PrimaryAdmins(t)
	return params
}

// PrimaryAdmins lists admins hosted in online primary zones, ordered by id
func PrimaryAdmins(t *models.Topology) []models.AdminID {
	var out []models.AdminID
	for _, a := range t.SortedAdmins() {
		if z, ok := t.Zones[a.ZoneID]; ok && z.OnlinePrimary() {
			out = append(out, a.ID)
		}
	}
	return out
}
