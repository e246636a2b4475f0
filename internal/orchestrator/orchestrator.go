// Package orchestrator runs plans on the master admin. Each task executes
// in one store transaction together with its task log update, and every
// transaction is fenced on the plan being RUNNING under the runner's
// leadership term: a runner whose term is over stops silently and the
// next master picks the plan up from the durable task log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/eventbus"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/storage"
)

// ErrFenced is returned when a runner lost the right to drive a plan
var ErrFenced = errors.New("plan execution fenced")

// Executor applies one task type. Execute runs inside the task's store
// transaction; it must not write anything when it returns an error.
type Executor interface {
	TaskType() models.TaskType
	Execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error
}

// LeaderCheck reports whether the runner still leads the group in term
type LeaderCheck func(term uint64) bool

// Observer is notified of finished tasks and plans
type Observer interface {
	TaskFinished(taskType models.TaskType, state models.TaskState, elapsed time.Duration)
	PlanFinished(kind models.PlanKind, state models.PlanState)
}

type nopObserver struct{}

func (nopObserver) TaskFinished(models.TaskType, models.TaskState, time.Duration) {}
func (nopObserver) PlanFinished(models.PlanKind, models.PlanState)                {}

// Config configures the runner
type Config struct {
	// TaskDelay is spent between marking a task RUNNING and applying it.
	TaskDelay time.Duration
	// Source names the runner in published events.
	Source string
}

// Runner executes plans
type Runner struct {
	store     storage.MetadataStore
	bus       eventbus.Publisher
	observer  Observer
	logger    *zap.Logger
	config    Config
	executors map[models.TaskType]Executor

	mu     sync.Mutex
	active map[models.PlanID]*execution
	wg     sync.WaitGroup
}

type execution struct {
	term   uint64
	cancel context.CancelFunc
}

// NewRunner creates a runner. bus and observer may be nil.
func NewRunner(store storage.MetadataStore, bus eventbus.Publisher, observer Observer, config Config, logger *zap.Logger) *Runner {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:     store,
		bus:       bus,
		observer:  observer,
		logger:    logger.With(zap.String("component", "plan-runner")),
		config:    config,
		executors: make(map[models.TaskType]Executor),
		active:    make(map[models.PlanID]*execution),
	}
}

// Register registers an executor for its task type
func (r *Runner) Register(executors ...Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range executors {
		r.executors[e.TaskType()] = e
	}
}

// Executor returns the executor registered for a task type
func (r *Runner) Executor(t models.TaskType) (Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[t]
	return e, ok
}

// Start runs the plan in the background under term. Starting a plan that
// is already running restarts it.
func (r *Runner) Start(id models.PlanID, term uint64, leader LeaderCheck) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &execution{term: term, cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.active[id]; ok {
		prev.cancel()
	}
	r.active[id] = exec
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			// a restart may have replaced the entry
			if r.active[id] == exec {
				delete(r.active, id)
			}
			r.mu.Unlock()
			cancel()
		}()

		err := r.Run(ctx, id, term, leader)
		switch {
		case err == nil:
		case errors.Is(err, ErrFenced), errors.Is(err, context.Canceled):
			r.logger.Info("Plan execution stopped", zap.Stringer("plan", id), zap.Uint64("term", term), zap.Error(err))
		default:
			r.logger.Error("Plan execution failed", zap.Stringer("plan", id), zap.Error(err))
		}
	}()
}

// Stop stops driving a plan; its durable state is left untouched
func (r *Runner) Stop(id models.PlanID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exec, ok := r.active[id]; ok {
		exec.cancel()
		delete(r.active, id)
	}
}

// StopAll stops every plan and waits for the workers to return
func (r *Runner) StopAll() {
	r.mu.Lock()
	for id, exec := range r.active {
		exec.cancel()
		delete(r.active, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Active reports whether the runner is driving the plan and under which term
func (r *Runner) Active(id models.PlanID) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.active[id]
	if !ok {
		return 0, false
	}
	return exec.term, true
}

// Run drives the plan until it reaches a terminal state, the context is
// canceled or the runner is fenced
func (r *Runner) Run(ctx context.Context, id models.PlanID, term uint64, leader LeaderCheck) error {
	r.logger.Info("Executing plan", zap.Stringer("plan", id), zap.Uint64("term", term))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !leader(term) {
			return ErrFenced
		}

		task, done, err := r.beginTask(ctx, id, term)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if r.config.TaskDelay > 0 {
			timer := time.NewTimer(r.config.TaskDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if !leader(term) {
			return ErrFenced
		}

		finished, err := r.applyTask(ctx, id, term, task)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
	}
}

// fenced loads the plan inside tx and checks it still belongs to term
func fenced(tx storage.Tx, id models.PlanID, term uint64) (*models.Plan, error) {
	plan, err := tx.Plan(id)
	if err != nil {
		return nil, err
	}
	if plan.State != models.PlanStateRunning || plan.ExecutionTerm != term {
		return nil, ErrFenced
	}
	return plan, nil
}

func nextTask(plan *models.Plan) *models.Task {
	for _, t := range plan.Tasks {
		if t.State != models.TaskStateSucceeded {
			return t
		}
	}
	return nil
}

// beginTask marks the next task RUNNING, or completes the plan when every
// task succeeded
func (r *Runner) beginTask(ctx context.Context, id models.PlanID, term uint64) (int, bool, error) {
	var (
		index    = -1
		finished *models.Plan
		progress *models.Task
		deployed *models.Topology
	)
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		plan, err := fenced(tx, id, term)
		if err != nil {
			return err
		}
		task := nextTask(plan)
		if task == nil {
			if err := Finish(tx, plan, models.PlanStateSucceeded, ""); err != nil {
				return err
			}
			finished = plan
			if !plan.Target.IsMembership() {
				if deployed, err = tx.Topology(); err != nil {
					return err
				}
			}
			return nil
		}

		now := time.Now().UTC()
		task.State = models.TaskStateRunning
		task.Error = ""
		task.StartedAt = &now
		task.EndedAt = nil
		plan.UpdatedAt = now
		index = task.Index
		progress = task
		return tx.PutPlan(plan)
	})
	if err != nil {
		return 0, false, err
	}

	if finished != nil {
		r.finished(ctx, finished)
		if deployed != nil && r.bus != nil {
			event, err := eventbus.NewTopologyDeployedEvent(r.config.Source, &eventbus.TopologyDeployedEvent{
				Name:    deployed.Name,
				Version: deployed.Version,
				PlanID:  int64(finished.ID),
			}, "")
			r.PublishBuilt(ctx, event, err)
		}
		return 0, true, nil
	}
	r.publishTask(ctx, id, progress, 0, 0)
	return index, false, nil
}

// applyTask executes task index and records its outcome atomically
func (r *Runner) applyTask(ctx context.Context, id models.PlanID, term uint64, index int) (bool, error) {
	var (
		failed  *models.Plan
		task    models.Task
		done    int
		total   int
		elapsed time.Duration
	)
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		plan, err := fenced(tx, id, term)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(plan.Tasks) {
			return faults.Internal(nil, "%s has no task %d", id, index)
		}
		t := plan.Tasks[index]
		now := time.Now().UTC()
		if t.StartedAt != nil {
			elapsed = now.Sub(*t.StartedAt)
		}

		if execErr := r.execute(ctx, tx, plan, t); execErr != nil {
			t.State = models.TaskStateError
			t.Error = execErr.Error()
			t.EndedAt = &now
			if err := Finish(tx, plan, models.PlanStateError, fmt.Sprintf("task %d (%s) failed: %v", t.Index, t.Type, execErr)); err != nil {
				return err
			}
			failed = plan
		} else {
			t.State = models.TaskStateSucceeded
			t.EndedAt = &now
			plan.UpdatedAt = now
			if err := tx.PutPlan(plan); err != nil {
				return err
			}
		}
		task = *t
		done, total = plan.Progress()
		return nil
	})
	if err != nil {
		return false, err
	}

	r.observer.TaskFinished(task.Type, task.State, elapsed)
	r.publishTask(ctx, id, &task, done, total)
	if failed != nil {
		r.logger.Warn("Plan task failed",
			zap.Stringer("plan", id),
			zap.Int("task", task.Index),
			zap.String("type", string(task.Type)),
			zap.String("error", task.Error))
		r.finished(ctx, failed)
		return true, nil
	}
	r.logger.Debug("Plan task succeeded",
		zap.Stringer("plan", id),
		zap.Int("task", task.Index),
		zap.String("type", string(task.Type)),
		zap.Int("done", done),
		zap.Int("total", total))
	return false, nil
}

func (r *Runner) execute(ctx context.Context, tx storage.Tx, plan *models.Plan, task *models.Task) error {
	exec, ok := r.Executor(task.Type)
	if !ok {
		return fmt.Errorf("no executor for task type %s", task.Type)
	}
	return exec.Execute(ctx, tx, plan, task)
}

// Finish moves plan into a settled state inside tx. SUCCEEDED and
// CANCELED release the plan's internal candidate; ERROR keeps it for
// inspection.
func Finish(tx storage.Tx, plan *models.Plan, state models.PlanState, reason string) error {
	now := time.Now().UTC()
	plan.State = state
	plan.Error = reason
	plan.UpdatedAt = now
	if state.IsTerminal() {
		plan.EndedAt = &now
	}
	if state.IsFinished() {
		if err := ReleaseCandidate(tx, plan); err != nil {
			return err
		}
	}
	return tx.PutPlan(plan)
}

// ReleaseCandidate deletes the plan's candidate when it is internal
func ReleaseCandidate(tx storage.Tx, plan *models.Plan) error {
	name := plan.Target.Candidate
	if name == "" || !models.IsInternalCandidate(name) {
		return nil
	}
	err := tx.DeleteCandidate(name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to release candidate %s: %w", name, err)
	}
	return nil
}

func (r *Runner) finished(ctx context.Context, plan *models.Plan) {
	r.observer.PlanFinished(plan.Kind, plan.State)
	r.PublishPlan(ctx, plan)
	r.logger.Info("Plan execution completed",
		zap.Stringer("plan", plan.ID),
		zap.String("state", string(plan.State)),
		zap.String("error", plan.Error))
}

// PublishPlan publishes the plan's current state
func (r *Runner) PublishPlan(ctx context.Context, plan *models.Plan) {
	if r.bus == nil {
		return
	}
	event, err := eventbus.NewPlanEvent(r.config.Source, &eventbus.PlanEvent{
		PlanID:    int64(plan.ID),
		Name:      plan.Name,
		Kind:      string(plan.Kind),
		State:     string(plan.State),
		Candidate: plan.Target.Candidate,
		Term:      plan.ExecutionTerm,
		Error:     plan.Error,
	}, "")
	if err != nil {
		r.logger.Warn("Failed to build plan event", zap.Stringer("plan", plan.ID), zap.Error(err))
		return
	}
	if err := r.bus.PublishEventAsync(ctx, event); err != nil {
		r.logger.Warn("Failed to publish plan event", zap.Stringer("plan", plan.ID), zap.Error(err))
	}
}

// Publish publishes an arbitrary event when a bus is configured
func (r *Runner) Publish(ctx context.Context, event *eventbus.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishEventAsync(ctx, event); err != nil {
		r.logger.Warn("Failed to publish event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (r *Runner) publishTask(ctx context.Context, id models.PlanID, task *models.Task, done, total int) {
	if r.bus == nil || task == nil {
		return
	}
	event, err := eventbus.NewTaskProgressEvent(r.config.Source, &eventbus.TaskProgressEvent{
		PlanID:    int64(id),
		TaskIndex: task.Index,
		TaskType:  string(task.Type),
		State:     string(task.State),
		Done:      done,
		Total:     total,
		Error:     task.Error,
	}, "")
	r.PublishBuilt(ctx, event, err)
}

// PublishBuilt publishes an event returned by one of the eventbus
// constructors, logging the constructor error instead
func (r *Runner) PublishBuilt(ctx context.Context, event *eventbus.Event, err error) {
	if err != nil {
		r.logger.Error("Failed to build event", zap.Error(err))
		return
	}
	r.Publish(ctx, event)
}
