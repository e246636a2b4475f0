// Package admin is an in-process reference of the admin (metadata)
// service. Every replica runs a Service; replicas share one replication
// group model and one metadata store. Mutations are accepted only by the
// master, which drives plans with an orchestrator.Runner fenced on its
// leadership term.
package admin

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/eventbus"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/group"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/orchestrator"
	"github.com/global-data-controller/kvadmin/internal/policy"
	"github.com/global-data-controller/kvadmin/internal/quorum"
	"github.com/global-data-controller/kvadmin/internal/storage"
	"github.com/global-data-controller/kvadmin/internal/topology"
)

const defaultAwaitPollInterval = 50 * time.Millisecond

// Config configures a replica
type Config struct {
	// TaskDelay is spent before applying each plan task.
	TaskDelay time.Duration `mapstructure:"task_delay"`
	// AwaitPollInterval paces AwaitPlan.
	AwaitPollInterval time.Duration `mapstructure:"await_poll_interval"`
	// Quorum configures the leader wait of quorum repairs.
	Quorum quorum.Config `mapstructure:"quorum"`
}

// OverrideGate admits operator overrides
type OverrideGate interface {
	Admit(ctx context.Context, req policy.OverrideRequest) error
}

// Metrics receives service level measurements
type Metrics interface {
	orchestrator.Observer
	PlanInterrupted(kind models.PlanKind)
	QuorumRepaired()
}

// Options are the collaborators of a replica. Store and Group are required.
type Options struct {
	Store   storage.MetadataStore
	Group   *group.Group
	Nodes   topology.NodeProber
	Gate    OverrideGate
	Bus     eventbus.Publisher
	Metrics Metrics
	Logger  *zap.Logger
}

type leadership struct {
	leader models.AdminID
	term   uint64
}

// Service is one admin replica
type Service struct {
	id         models.AdminID
	config     Config
	store      storage.MetadataStore
	group      *group.Group
	nodes      topology.NodeProber
	gate       OverrideGate
	bus        eventbus.Publisher
	metrics    Metrics
	logger     *zap.Logger
	runner     *orchestrator.Runner
	candidates *topology.CandidateService
	repair     *quorum.Engine

	mu     sync.Mutex
	master bool
	term   uint64

	qmu    sync.Mutex
	queue  []leadership
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewService creates the replica id and starts following leadership changes
func NewService(id models.AdminID, config Config, opts Options) *Service {
	if config.AwaitPollInterval <= 0 {
		config.AwaitPollInterval = defaultAwaitPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Stringer("admin", id))

	var observer orchestrator.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
	}
	source := id.String()
	runner := orchestrator.NewRunner(opts.Store, opts.Bus, observer, orchestrator.Config{
		TaskDelay: config.TaskDelay,
		Source:    source,
	}, logger)
	runner.Register(orchestrator.DefaultExecutors(orchestrator.Env{
		Nodes:   opts.Nodes,
		Members: opts.Group,
	}, logger)...)

	s := &Service{
		id:         id,
		config:     config,
		store:      opts.Store,
		group:      opts.Group,
		nodes:      opts.Nodes,
		gate:       opts.Gate,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     logger,
		runner:     runner,
		candidates: topology.NewCandidateService(opts.Store),
		repair:     quorum.NewEngine(opts.Group, config.Quorum, logger),
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.loop()
	s.group.OnLeaderChange(s.onLeaderChange)
	if leader, term, ok := s.group.Leader(); ok {
		s.onLeaderChange(leader, term)
	}
	return s
}

// ID returns the replica id
func (s *Service) ID() models.AdminID { return s.id }

// Close stops the replica and its plan runner
func (s *Service) Close() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	<-s.done
	s.runner.StopAll()
}

// onLeaderChange queues the change; the group may call it while a store
// transaction is open, so no work happens here
func (s *Service) onLeaderChange(leader models.AdminID, term uint64) {
	s.qmu.Lock()
	s.queue = append(s.queue, leadership{leader: leader, term: term})
	s.qmu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
		}
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.qmu.Unlock()
			s.handleLeadership(ev)
		}
	}
}

func (s *Service) handleLeadership(ev leadership) {
	s.mu.Lock()
	wasMaster, prevTerm := s.master, s.term
	s.mu.Unlock()

	if ev.leader != s.id {
		if wasMaster && ev.term >= prevTerm {
			s.logger.Warn("Lost mastership", zap.Uint64("term", prevTerm))
			s.mu.Lock()
			s.master = false
			s.mu.Unlock()
			s.runner.StopAll()
		}
		s.publishLeader(ev)
		return
	}
	if wasMaster && prevTerm >= ev.term {
		return
	}

	s.runner.StopAll()
	interrupted, err := s.interruptStalePlans(ev.term)
	if err != nil {
		// the replica stays a follower; the next leadership change retries
		s.logger.Error("Failed to take over plans", zap.Uint64("term", ev.term), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.master = true
	s.term = ev.term
	s.mu.Unlock()
	s.logger.Info("Became master", zap.Uint64("term", ev.term), zap.Int("interrupted_plans", len(interrupted)))

	ctx := context.Background()
	for _, p := range interrupted {
		if s.metrics != nil {
			s.metrics.PlanInterrupted(p.Kind)
		}
		s.runner.PublishPlan(ctx, p)
	}
	s.publishLeader(ev)
}

// interruptStalePlans marks plans RUNNING under an older term INTERRUPTED
func (s *Service) interruptStalePlans(term uint64) ([]*models.Plan, error) {
	var out []*models.Plan
	err := s.store.Update(context.Background(), func(tx storage.Tx) error {
		plans, err := tx.Plans()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, p := range plans {
			if p.State != models.PlanStateRunning || p.ExecutionTerm >= term {
				continue
			}
			p.State = models.PlanStateInterrupted
			p.UpdatedAt = now
			if err := tx.PutPlan(p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *Service) publishLeader(ev leadership) {
	event, err := eventbus.NewLeaderChangedEvent(s.id.String(), &eventbus.LeaderChangedEvent{
		Replica: int(s.id),
		Leader:  int(ev.leader),
		Term:    ev.term,
	})
	s.runner.PublishBuilt(context.Background(), event, err)
}

// masterTerm returns the term this replica leads, or the fault a client
// should react to
func (s *Service) masterTerm() (uint64, error) {
	leader, term, ok := s.group.Leader()
	if !ok {
		return 0, faults.NotReady(faults.CodeNoMaster, "cannot contact current master: no master is elected")
	}
	if leader != s.id {
		return 0, faults.NotMaster("%s is the master", leader)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.master || s.term != term {
		return 0, faults.NotReady(faults.CodeNoMaster, "cannot contact current master: %s is taking over", s.id)
	}
	return term, nil
}

func (s *Service) leading(term uint64) bool {
	return s.group.IsLeader(s.id, term)
}

func (s *Service) admit(ctx context.Context, req policy.OverrideRequest) error {
	if s.gate == nil {
		return nil
	}
	return s.gate.Admit(ctx, req)
}

// IsAuthoritativeMaster reports whether this replica is the master and
// has taken over the plans of its predecessor
func (s *Service) IsAuthoritativeMaster(ctx context.Context) (bool, error) {
	_, err := s.masterTerm()
	return err == nil, nil
}

// MasterAddress returns the master's address, nil when no master is known
func (s *Service) MasterAddress(ctx context.Context) (*models.AdminAddress, error) {
	leader, _, ok := s.group.Leader()
	if !ok {
		return nil, nil
	}
	addr := &models.AdminAddress{ID: leader}
	topo, err := s.candidates.Current(ctx)
	if err == nil {
		if a, ok := topo.Admins[leader]; ok {
			addr.Address = a.Address
		}
	}
	return addr, nil
}

// AdminStatus reports the replica's view of the group
func (s *Service) AdminStatus(ctx context.Context) (*models.AdminStatus, error) {
	st := &models.AdminStatus{
		ID:         s.id,
		Role:       models.AdminRoleReplica,
		Membership: s.group.Membership(),
	}
	if !containsAdmin(st.Membership, s.id) {
		st.Role = models.AdminRoleDetached
	}
	_, term, _ := s.group.Leader()
	st.Term = term
	if _, err := s.masterTerm(); err == nil {
		st.Role = models.AdminRoleMaster
		st.IsAuthoritativeMaster = true
	}
	master, err := s.MasterAddress(ctx)
	if err != nil {
		return nil, err
	}
	st.Master = master
	return st, nil
}

// Topology returns the live topology
func (s *Service) Topology(ctx context.Context) (*models.Topology, error) {
	return s.candidates.Current(ctx)
}

// Parameters returns the cluster parameters
func (s *Service) Parameters(ctx context.Context) (*models.Parameters, error) {
	var params *models.Parameters
	err := s.store.View(ctx, func(r storage.Reader) error {
		var err error
		params, err = r.Parameters()
		return err
	})
	return params, err
}

// VerifyTopology reports the violations of the live topology, including
// storage nodes that do not answer
func (s *Service) VerifyTopology(ctx context.Context) ([]models.Violation, error) {
	topo, err := s.candidates.Current(ctx)
	if err != nil {
		return nil, err
	}
	return topology.Verify(topo, s.nodes), nil
}

func containsAdmin(ids []models.AdminID, id models.AdminID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
