package admin

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/group"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/storage"
	"github.com/global-data-controller/kvadmin/internal/topology"
)

// NodeSet tracks which storage nodes answer. Nodes are reachable until
// stopped.
type NodeSet struct {
	mu   sync.RWMutex
	down map[models.StorageNodeID]bool
}

// NewNodeSet creates a node set with every node reachable
func NewNodeSet() *NodeSet {
	return &NodeSet{down: make(map[models.StorageNodeID]bool)}
}

// NodeReachable implements topology.NodeProber
func (n *NodeSet) NodeReachable(sn models.StorageNodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.down[sn]
}

// SetReachable marks a node up or down
func (n *NodeSet) SetReachable(sn models.StorageNodeID, reachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if reachable {
		delete(n.down, sn)
	} else {
		n.down[sn] = true
	}
}

// ClusterConfig configures an in-process cluster
type ClusterConfig struct {
	Layout topology.Layout `mapstructure:"layout"`
	Admin  Config          `mapstructure:"admin"`
	Group  group.Config    `mapstructure:"group"`
}

// Cluster runs every admin replica of a topology in one process on top
// of a shared metadata store. Stopping a storage node also stops the
// admin it hosts.
type Cluster struct {
	store     storage.MetadataStore
	nodes     *NodeSet
	group     *group.Group
	hosts     map[models.AdminID]models.StorageNodeID
	services  map[models.AdminID]*Service
	endpoints []*Endpoint
	logger    *zap.Logger
}

// NewCluster starts the replicas. The topology and parameters already in
// opts.Store are used; otherwise they are built from config.Layout.
// opts.Group and opts.Nodes are ignored.
func NewCluster(ctx context.Context, config ClusterConfig, opts Options) (*Cluster, error) {
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	topo, params, err := initialize(ctx, opts.Store, config.Layout)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		store:    opts.Store,
		nodes:    NewNodeSet(),
		hosts:    make(map[models.AdminID]models.StorageNodeID, len(topo.Admins)),
		services: make(map[models.AdminID]*Service, len(topo.Admins)),
		logger:   opts.Logger,
	}
	var members []models.AdminID
	for _, a := range topo.SortedAdmins() {
		members = append(members, a.ID)
		c.hosts[a.ID] = a.StorageNodeID
	}
	c.group = group.New(config.Group, members, params.AdminMembership, opts.Logger)

	opts.Group = c.group
	opts.Nodes = c.nodes
	for _, id := range members {
		svc := NewService(id, config.Admin, opts)
		host := c.hosts[id]
		c.services[id] = svc
		c.endpoints = append(c.endpoints, NewEndpoint(svc, func() bool {
			return c.nodes.NodeReachable(host)
		}))
	}
	opts.Logger.Info("Cluster started",
		zap.String("topology", topo.Name),
		zap.Int("admins", len(members)),
		zap.Any("membership", params.AdminMembership))
	return c, nil
}

func initialize(ctx context.Context, store storage.MetadataStore, layout topology.Layout) (*models.Topology, *models.Parameters, error) {
	var topo *models.Topology
	var params *models.Parameters
	err := store.Update(ctx, func(tx storage.Tx) error {
		var err error
		topo, err = tx.Topology()
		if err == nil {
			params, err = tx.Parameters()
			return err
		}
		if !faults.Is(err, faults.ClassNotFound) {
			return err
		}

		if topo, err = topology.Build(layout); err != nil {
			return faults.IllegalCommand(faults.CodeInvalidArgument, "invalid layout: %v", err)
		}
		params = topology.InitialParameters(topo)
		if err := tx.PutTopology(topo); err != nil {
			return err
		}
		return tx.PutParameters(params)
	})
	return topo, params, err
}

// Store returns the shared metadata store
func (c *Cluster) Store() storage.MetadataStore { return c.store }

// Nodes returns the storage node reachability
func (c *Cluster) Nodes() *NodeSet { return c.nodes }

// Group returns the admin replication group
func (c *Cluster) Group() *group.Group { return c.group }

// Endpoints returns the client endpoints ordered by admin id
func (c *Cluster) Endpoints() []*Endpoint {
	return append([]*Endpoint(nil), c.endpoints...)
}

// Service returns the replica id
func (c *Cluster) Service(id models.AdminID) (*Service, bool) {
	svc, ok := c.services[id]
	return svc, ok
}

// StopStorageNode makes a storage node and any admin on it unreachable
func (c *Cluster) StopStorageNode(sn models.StorageNodeID) {
	c.setNode(sn, false)
}

// StartStorageNode makes a storage node and any admin on it reachable
func (c *Cluster) StartStorageNode(sn models.StorageNodeID) {
	c.setNode(sn, true)
}

func (c *Cluster) setNode(sn models.StorageNodeID, reachable bool) {
	c.nodes.SetReachable(sn, reachable)
	for id, host := range c.hosts {
		if host == sn {
			c.group.SetReachable(id, reachable)
		}
	}
	c.logger.Info("Storage node reachability changed", zap.Stringer("node", sn), zap.Bool("reachable", reachable))
}

// StopZone stops every storage node of a zone
func (c *Cluster) StopZone(ctx context.Context, zone models.ZoneID) error {
	return c.setZone(ctx, zone, false)
}

// StartZone starts every storage node of a zone
func (c *Cluster) StartZone(ctx context.Context, zone models.ZoneID) error {
	return c.setZone(ctx, zone, true)
}

func (c *Cluster) setZone(ctx context.Context, zone models.ZoneID, reachable bool) error {
	var topo *models.Topology
	err := c.store.View(ctx, func(r storage.Reader) error {
		var err error
		topo, err = r.Topology()
		return err
	})
	if err != nil {
		return err
	}
	if _, ok := topo.Zones[zone]; !ok {
		return faults.NotFound("zone %s not found", zone)
	}
	for _, sn := range topo.StorageNodesInZone(zone) {
		c.setNode(sn.ID, reachable)
	}
	return nil
}

// WaitForMaster waits until a replica is the authoritative master
func (c *Cluster) WaitForMaster(ctx context.Context, timeout time.Duration) (models.AdminID, error) {
	const poll = 20 * time.Millisecond
	var master models.AdminID
	err := retry.Do(
		func() error {
			for _, e := range c.endpoints {
				if ok, err := e.IsAuthoritativeMaster(ctx); err == nil && ok {
					master = e.ID()
					return nil
				}
			}
			return faults.NotReady(faults.CodeNoMaster, "no master within %s", timeout)
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout/poll)+1),
		retry.Delay(poll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return master, err
}

// Close stops every replica and the group
func (c *Cluster) Close() {
	for _, svc := range c.services {
		svc.Close()
	}
	c.group.Close()
}
