package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/storage"
)

// CandidateService keeps named candidate topologies in the metadata store
type CandidateService struct {
	store storage.MetadataStore
}

// NewCandidateService creates a new candidate service
func NewCandidateService(store storage.MetadataStore) *CandidateService {
	return &CandidateService{store: store}
}

// Current returns the live topology
func (s *CandidateService) Current(ctx context.Context) (*models.Topology, error) {
	var topo *models.Topology
	err := s.store.View(ctx, func(r storage.Reader) error {
		var err error
		topo, err = r.Topology()
		return err
	})
	return topo, err
}

// CopyCurrent creates a candidate named name from the live topology
func (s *CandidateService) CopyCurrent(ctx context.Context, name string) (*models.Candidate, error) {
	if name == "" {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument, "candidate name is required")
	}

	var c *models.Candidate
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Candidate(name); err == nil {
			return faults.IllegalCommand(faults.CodeCandidateExists, "candidate %q already exists", name)
		} else if !faults.Is(err, faults.ClassNotFound) {
			return err
		}

		topo, err := tx.Topology()
		if err != nil {
			return fmt.Errorf("failed to read current topology: %w", err)
		}
		c = &models.Candidate{
			Name:      name,
			Internal:  models.IsInternalCandidate(name),
			Topology:  topo,
			CreatedAt: time.Now(),
		}
		return tx.PutCandidate(c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Save stores c, replacing any candidate with the same name
func (s *CandidateService) Save(ctx context.Context, c *models.Candidate) error {
	return s.store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutCandidate(c)
	})
}

// Get retrieves a candidate by name
func (s *CandidateService) Get(ctx context.Context, name string) (*models.Candidate, error) {
	var c *models.Candidate
	err := s.store.View(ctx, func(r storage.Reader) error {
		var err error
		c, err = r.Candidate(name)
		return err
	})
	return c, err
}

// List returns candidates ordered by name; internal candidates are only
// included on request
func (s *CandidateService) List(ctx context.Context, includeInternal bool) ([]*models.Candidate, error) {
	var all []*models.Candidate
	err := s.store.View(ctx, func(r storage.Reader) error {
		var err error
		all, err = r.Candidates()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.Candidate, 0, len(all))
	for _, c := range all {
		if c.Internal && !includeInternal {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Delete removes a candidate
func (s *CandidateService) Delete(ctx context.Context, name string) error {
	return s.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Candidate(name); err != nil {
			return err
		}
		if err := ensureIdle(tx, name); err != nil {
			return err
		}
		return tx.DeleteCandidate(name)
	})
}

// Mutate applies fn to the candidate's topology and stores the result.
// Candidates targeted by an unfinished plan cannot be changed.
func (s *CandidateService) Mutate(ctx context.Context, name string, fn func(t *models.Topology) error) (*models.Candidate, error) {
	var c *models.Candidate
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		c, err = tx.Candidate(name)
		if err != nil {
			return err
		}
		if err := ensureIdle(tx, name); err != nil {
			return err
		}
		if err := fn(c.Topology); err != nil {
			return err
		}
		return tx.PutCandidate(c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ChangeZoneType changes a zone type in the named candidate
func (s *CandidateService) ChangeZoneType(ctx context.Context, name string, zone models.ZoneID, zt models.ZoneType) (*models.Candidate, error) {
	return s.Mutate(ctx, name, func(t *models.Topology) error {
		return SetZoneType(t, zone, zt)
	})
}

// ChangeZoneArbiters toggles arbiters for a zone in the named candidate
func (s *CandidateService) ChangeZoneArbiters(ctx context.Context, name string, zone models.ZoneID, allow bool) (*models.Candidate, error) {
	return s.Mutate(ctx, name, func(t *models.Topology) error {
		return ChangeZoneArbiters(t, zone, allow)
	})
}

// Rebalance rebalances the named candidate using the nodes of pool
func (s *CandidateService) Rebalance(ctx context.Context, name, pool string) (*models.Candidate, []models.Violation, error) {
	if pool == "" {
		pool = models.DefaultPool
	}

	var nodes []models.StorageNodeID
	if pool != models.DefaultPool {
		err := s.store.View(ctx, func(r storage.Reader) error {
			params, err := r.Parameters()
			if err != nil {
				return err
			}
			var ok bool
			if nodes, ok = params.Pools[pool]; !ok {
				return faults.NotFound("storage node pool %q not found", pool)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	var violations []models.Violation
	c, err := s.Mutate(ctx, name, func(t *models.Topology) error {
		violations = Rebalance(t, nodes)
		return nil
	})
	return c, violations, err
}

// ensureIdle fails when an unfinished plan targets the candidate
func ensureIdle(r storage.Reader, name string) error {
	plans, err := r.Plans()
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.Target.Candidate == name && !p.State.IsFinished() {
			return faults.IllegalCommand(faults.CodeCandidateBusy,
				"candidate %q is the target of plan %d in state %s", name, p.ID, p.State)
		}
	}
	return nil
}
