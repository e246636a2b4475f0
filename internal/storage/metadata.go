package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// Buckets used by the metadata store
const (
	BucketTopology   = "topology"
	BucketCandidates = "candidates"
	BucketPlans      = "plans"
	BucketParams     = "params"
	BucketMeta       = "meta"
)

var allBuckets = []string{BucketTopology, BucketCandidates, BucketPlans, BucketParams, BucketMeta}

const (
	currentKey    = "current"
	planSeqKey    = "plan_seq"
	parametersKey = "parameters"
)

// ErrNotFound matches every missing-record error returned by a Reader
var ErrNotFound = &faults.Fault{Class: faults.ClassNotFound, Code: faults.CodeNotFound}

// Reader gives typed read access to the metadata
type Reader interface {
	Topology() (*models.Topology, error)
	Parameters() (*models.Parameters, error)
	Candidate(name string) (*models.Candidate, error)
	Candidates() ([]*models.Candidate, error)
	Plan(id models.PlanID) (*models.Plan, error)
	Plans() ([]*models.Plan, error)
}

// Tx gives typed read-write access inside one atomic update
type Tx interface {
	Reader
	PutTopology(topo *models.Topology) error
	PutParameters(params *models.Parameters) error
	PutCandidate(c *models.Candidate) error
	DeleteCandidate(name string) error
	PutPlan(plan *models.Plan) error
	NextPlanID() (models.PlanID, error)
}

// MetadataStore defines the interface for metadata storage operations.
// Update runs fn atomically: either every write lands or none does.
type MetadataStore interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// KVReader reads raw values from a backend
type KVReader interface {
	// Get returns nil when the key is missing.
	Get(bucket, key string) ([]byte, error)
	// ForEach visits keys of a bucket in ascending order.
	ForEach(bucket string, fn func(key string, value []byte) error) error
}

// KVTx reads and writes raw values inside a backend transaction
type KVTx interface {
	KVReader
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
}

// Backend is a transactional bucketed key-value store
type Backend interface {
	View(ctx context.Context, fn func(r KVReader) error) error
	Update(ctx context.Context, fn func(tx KVTx) error) error
	Close() error
}

// kvStore implements MetadataStore on top of a Backend
type kvStore struct {
	backend Backend
}

// NewMetadataStore creates a metadata store over the given backend
func NewMetadataStore(backend Backend) MetadataStore {
	return &kvStore{backend: backend}
}

func (s *kvStore) View(ctx context.Context, fn func(r Reader) error) error {
	return s.backend.View(ctx, func(r KVReader) error {
		return fn(&reader{kv: r})
	})
}

func (s *kvStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.backend.Update(ctx, func(tx KVTx) error {
		return fn(&writer{reader: reader{kv: tx}, kv: tx})
	})
}

func (s *kvStore) Close() error {
	return s.backend.Close()
}

type reader struct {
	kv KVReader
}

func (r *reader) get(bucket, key string, v interface{}) (bool, error) {
	data, err := r.kv.Get(bucket, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := decode(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (r *reader) Topology() (*models.Topology, error) {
	topo := models.NewTopology("")
	ok, err := r.get(BucketTopology, currentKey, topo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.NotFound("topology has not been deployed")
	}
	return topo, nil
}

func (r *reader) Parameters() (*models.Parameters, error) {
	params := &models.Parameters{}
	if _, err := r.get(BucketParams, parametersKey, params); err != nil {
		return nil, err
	}
	if params.Pools == nil {
		params.Pools = make(map[string][]models.StorageNodeID)
	}
	if params.ZonePositions == nil {
		params.ZonePositions = make(map[models.ZoneID]uint64)
	}
	return params, nil
}

func (r *reader) Candidate(name string) (*models.Candidate, error) {
	c := &models.Candidate{}
	ok, err := r.get(BucketCandidates, name, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.NotFound("candidate %q not found", name)
	}
	return c, nil
}

func (r *reader) Candidates() ([]*models.Candidate, error) {
	var out []*models.Candidate
	err := r.kv.ForEach(BucketCandidates, func(key string, value []byte) error {
		c := &models.Candidate{}
		if err := decode(value, c); err != nil {
			return fmt.Errorf("failed to decode candidate %s: %w", key, err)
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (r *reader) Plan(id models.PlanID) (*models.Plan, error) {
	plan := &models.Plan{}
	ok, err := r.get(BucketPlans, planKey(id), plan)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.NotFound("plan %d not found", id)
	}
	return plan, nil
}

func (r *reader) Plans() ([]*models.Plan, error) {
	var out []*models.Plan
	err := r.kv.ForEach(BucketPlans, func(key string, value []byte) error {
		plan := &models.Plan{}
		if err := decode(value, plan); err != nil {
			return fmt.Errorf("failed to decode plan %s: %w", key, err)
		}
		out = append(out, plan)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type writer struct {
	reader
	kv KVTx
}

func (w *writer) put(bucket, key string, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	if err := w.kv.Put(bucket, key, data); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (w *writer) PutTopology(topo *models.Topology) error {
	return w.put(BucketTopology, currentKey, topo)
}

func (w *writer) PutParameters(params *models.Parameters) error {
	return w.put(BucketParams, parametersKey, params)
}

func (w *writer) PutCandidate(c *models.Candidate) error {
	if c.Name == "" {
		return faults.IllegalCommand(faults.CodeInvalidArgument, "candidate name is required")
	}
	return w.put(BucketCandidates, c.Name, c)
}

func (w *writer) DeleteCandidate(name string) error {
	return w.kv.Delete(BucketCandidates, name)
}

func (w *writer) PutPlan(plan *models.Plan) error {
	return w.put(BucketPlans, planKey(plan.ID), plan)
}

func (w *writer) NextPlanID() (models.PlanID, error) {
	var seq int64
	data, err := w.kv.Get(BucketMeta, planSeqKey)
	if err != nil {
		return 0, err
	}
	if data != nil {
		seq, err = strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt plan sequence: %w", err)
		}
	}
	seq++
	if err := w.kv.Put(BucketMeta, planSeqKey, []byte(strconv.FormatInt(seq, 10))); err != nil {
		return 0, err
	}
	return models.PlanID(seq), nil
}

var errBackendClosed = errors.New("metadata backend is closed")

func checkBucket(bucket string) error {
	for _, b := range allBuckets {
		if b == bucket {
			return nil
		}
	}
	return fmt.Errorf("unknown bucket %q", bucket)
}

// planKey zero-pads ids so plans iterate in id order
func planKey(id models.PlanID) string {
	return fmt.Sprintf("%020d", int64(id))
}
