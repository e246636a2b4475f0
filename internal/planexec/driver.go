// Package planexec drives admin plans to a terminal state from the
// caller's side, surviving master changes while a plan runs.
package planexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/client"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// Strategy selects how an INTERRUPTED plan is recovered. One strategy
// is used for a whole multi-step operation.
type Strategy int

const (
	// Reexecute resumes the same plan on the new master.
	Reexecute Strategy = iota
	// CancelAndRetry cancels the plan, repairs and submits a fresh plan.
	CancelAndRetry
)

func (s Strategy) String() string {
	switch s {
	case Reexecute:
		return "reexecute"
	case CancelAndRetry:
		return "cancel-and-retry"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy parses the String form of a strategy
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "reexecute", "":
		return Reexecute, nil
	case "cancel-and-retry", "cancelandretry", "retry":
		return CancelAndRetry, nil
	}
	return 0, faults.IllegalCommand(faults.CodeInvalidArgument, "unknown strategy %q", s)
}

// Config bounds the driver's waits
type Config struct {
	// PlanTimeout bounds the wait for one plan to settle.
	PlanTimeout time.Duration `mapstructure:"plan_timeout"`
	// PollInterval is the timeout of each AwaitPlan call.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MasterTimeout bounds the wait for a new master.
	MasterTimeout time.Duration `mapstructure:"master_timeout"`
	// MaxInterruptions bounds recoveries of one Run.
	MaxInterruptions int `mapstructure:"max_interruptions"`
}

// DefaultConfig polls once a second for up to an hour
func DefaultConfig() Config {
	return Config{
		PlanTimeout:      time.Hour,
		PollInterval:     time.Second,
		MasterTimeout:    60 * time.Second,
		MaxInterruptions: 5,
	}
}

// PlanFactory submits a fresh plan for the original intent of a canceled
// plan. It is called again when api stops being the master.
type PlanFactory func(ctx context.Context, api client.API) (models.PlanID, error)

// RunOptions tune one Run
type RunOptions struct {
	// Force skips target verification on every execute of the plan.
	Force bool
	// Factory is required by CancelAndRetry.
	Factory PlanFactory
}

// Outcome describes how a Run ended
type Outcome struct {
	// PlanID is the last plan driven. It differs from the submitted plan
	// after a cancel and retry.
	PlanID        models.PlanID    `json:"plan"`
	State         models.PlanState `json:"state"`
	Interruptions int              `json:"interruptions"`
	Canceled      []models.PlanID  `json:"canceled,omitempty"`
	Repairs       []models.PlanID  `json:"repairs,omitempty"`
}

// Observer receives the driver's wait measurements
type Observer interface {
	MasterWaited(elapsed time.Duration, err error)
	PlanSettled(state models.PlanState, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) MasterWaited(time.Duration, error)            {}
func (nopObserver) PlanSettled(models.PlanState, time.Duration) {}

var tracer = otel.Tracer("kvadmin/planexec")

// Driver approves, executes and awaits plans through a client.Connector
type Driver struct {
	conn     *client.Connector
	config   Config
	logger   *zap.Logger
	observer Observer
}

// NewDriver creates a driver. Zero config fields take their defaults.
func NewDriver(conn *client.Connector, config Config, logger *zap.Logger) *Driver {
	def := DefaultConfig()
	if config.PlanTimeout <= 0 {
		config.PlanTimeout = def.PlanTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MasterTimeout <= 0 {
		config.MasterTimeout = def.MasterTimeout
	}
	if config.MaxInterruptions <= 0 {
		config.MaxInterruptions = def.MaxInterruptions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{conn: conn, config: config, logger: logger, observer: nopObserver{}}
}

// SetObserver installs o, nil restores the no-op observer
func (d *Driver) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	d.observer = o
}

// Connector returns the connector the driver calls through
func (d *Driver) Connector() *client.Connector { return d.conn }

// Run drives plan id until it succeeds. INTERRUPTED plans are recovered
// with strategy. ERROR and CANCELED end the run with a PlanFailed fault.
func (d *Driver) Run(ctx context.Context, id models.PlanID, strategy Strategy, opts RunOptions) (out *Outcome, err error) {
	if strategy == CancelAndRetry && opts.Factory == nil {
		return nil, faults.IllegalCommand(faults.CodeInvalidArgument, "%s requires a plan factory", strategy)
	}
	ctx, span := tracer.Start(ctx, "planexec.Run", trace.WithAttributes(
		attribute.Int64("plan.id", int64(id)),
		attribute.String("strategy", strategy.String()),
		attribute.Bool("force", opts.Force)))
	defer func() {
		if out != nil {
			span.SetAttributes(
				attribute.String("plan.state", string(out.State)),
				attribute.Int("interruptions", out.Interruptions))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	out = &Outcome{PlanID: id}
	logger := d.logger.With(zap.Stringer("strategy", strategy))
	for {
		state, err := d.drive(ctx, out.PlanID, opts.Force)
		if err != nil {
			return out, err
		}
		out.State = state

		switch state {
		case models.PlanStateSucceeded:
			d.releaseCandidate(ctx, out.PlanID)
			logger.Info("Plan succeeded",
				zap.Stringer("plan", out.PlanID),
				zap.Int("interruptions", out.Interruptions))
			return out, nil

		case models.PlanStateCanceled:
			d.releaseCandidate(ctx, out.PlanID)
			return out, d.assertSuccess(ctx, out.PlanID)

		case models.PlanStateError:
			// partial state stays for inspection and a repair plan
			return out, d.assertSuccess(ctx, out.PlanID)
		}

		out.Interruptions++
		if out.Interruptions > d.config.MaxInterruptions {
			return out, faults.New(faults.ClassPlanFailed, faults.CodeTooManyInterruptions,
				"%s was interrupted %d times", out.PlanID, out.Interruptions)
		}
		logger.Warn("Plan interrupted by a master change",
			zap.Stringer("plan", out.PlanID),
			zap.Int("interruptions", out.Interruptions))

		if strategy == Reexecute {
			continue
		}

		next, err := d.retry(ctx, out, opts)
		if err != nil {
			return out, err
		}
		out.PlanID = next
	}
}

// drive moves the plan forward from its current state and awaits it
func (d *Driver) drive(ctx context.Context, id models.PlanID, force bool) (models.PlanState, error) {
	plan, err := d.plan(ctx, id)
	if err != nil {
		return "", err
	}

	switch plan.State {
	case models.PlanStateNew:
		if err := d.conn.Do(ctx, func(api client.API) error { return api.ApprovePlan(ctx, id) }); err != nil {
			return "", err
		}
		fallthrough
	case models.PlanStateApproved, models.PlanStateInterrupted:
		if err := d.conn.Do(ctx, func(api client.API) error { return api.ExecutePlan(ctx, id, force) }); err != nil {
			return "", err
		}
	case models.PlanStateRunning:
	default:
		return plan.State, nil
	}
	return d.Await(ctx, id)
}

// retry cancels an interrupted plan, runs a repair plan to success and
// submits a fresh plan through factory
func (d *Driver) retry(ctx context.Context, out *Outcome, opts RunOptions) (models.PlanID, error) {
	id := out.PlanID
	if err := d.CancelWithRetry(ctx, id); err != nil {
		return 0, err
	}
	out.Canceled = append(out.Canceled, id)
	d.releaseCandidate(ctx, id)

	var repair models.PlanID
	err := d.conn.Do(ctx, func(api client.API) error {
		var err error
		repair, err = api.CreateRepairPlan(ctx, fmt.Sprintf("repair-after-%d", int64(id)))
		return err
	})
	if err != nil {
		return 0, err
	}
	out.Repairs = append(out.Repairs, repair)

	// repair tasks are idempotent, so the repair plan is always resumed
	res, err := d.Run(ctx, repair, Reexecute, RunOptions{Force: opts.Force})
	if res != nil {
		out.Interruptions += res.Interruptions
	}
	if err != nil {
		return 0, err
	}

	var next models.PlanID
	err = d.conn.Do(ctx, func(api client.API) error {
		var err error
		next, err = opts.Factory(ctx, api)
		return err
	})
	if err != nil {
		return 0, err
	}
	d.logger.Info("Resubmitted interrupted plan",
		zap.Stringer("canceled", id),
		zap.Stringer("repair", repair),
		zap.Stringer("plan", next))
	return next, nil
}

// Await polls the master until the plan settles or PlanTimeout passes.
// Leadership faults switch to the new master.
func (d *Driver) Await(ctx context.Context, id models.PlanID) (models.PlanState, error) {
	start := time.Now()
	deadline := start.Add(d.config.PlanTimeout)
	api, err := d.master(ctx, id)
	if err != nil {
		return "", err
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", faults.NotReady(faults.CodeAwaitTimeout,
				"%s did not settle within %s", id, d.config.PlanTimeout)
		}
		wait := d.config.PollInterval
		if wait > remaining {
			wait = remaining
		}

		state, err := api.AwaitPlan(ctx, id, wait)
		if err != nil {
			if ctx.Err() != nil || !faults.IsLeadershipTransient(err) {
				return "", err
			}
			d.logger.Info("Lost the master while awaiting plan", zap.Stringer("plan", id), zap.Error(err))
			if api, err = d.master(ctx, id); err != nil {
				return "", err
			}
			continue
		}
		if state.Settled() {
			d.observer.PlanSettled(state, time.Since(start))
			return state, nil
		}
		d.logger.Debug("Plan still running", zap.Stringer("plan", id), zap.String("state", string(state)))
	}
}

func (d *Driver) master(ctx context.Context, id models.PlanID) (client.API, error) {
	start := time.Now()
	api, err := d.conn.WaitForMaster(ctx, d.config.MasterTimeout)
	d.observer.MasterWaited(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Wrap(err, faults.ClassNotReady, faults.CodeNoMaster,
			"cannot contact current master within %s while driving %s", d.config.MasterTimeout, id)
	}
	return api, nil
}

// CancelWithRetry cancels the plan, retrying while the contacted replica
// is not the master or cannot be reached
func (d *Driver) CancelWithRetry(ctx context.Context, id models.PlanID) error {
	err := d.conn.Do(ctx, func(api client.API) error { return api.CancelPlan(ctx, id) })
	if err != nil {
		return err
	}
	d.logger.Info("Canceled plan", zap.Stringer("plan", id))
	return nil
}

func (d *Driver) plan(ctx context.Context, id models.PlanID) (*models.Plan, error) {
	var plan *models.Plan
	err := d.conn.Do(ctx, func(api client.API) error {
		var err error
		plan, err = api.Plan(ctx, id)
		return err
	})
	return plan, err
}

func (d *Driver) assertSuccess(ctx context.Context, id models.PlanID) error {
	return d.conn.Do(ctx, func(api client.API) error { return api.AssertSuccess(ctx, id) })
}

// releaseCandidate deletes the internal candidate of a finished plan if
// the service has not done so already
func (d *Driver) releaseCandidate(ctx context.Context, id models.PlanID) {
	plan, err := d.plan(ctx, id)
	if err != nil {
		d.logger.Warn("Cannot load plan to release its candidate", zap.Stringer("plan", id), zap.Error(err))
		return
	}
	name := plan.Target.Candidate
	if !models.IsInternalCandidate(name) {
		return
	}
	err = d.conn.Do(ctx, func(api client.API) error { return api.DeleteCandidate(ctx, name) })
	if err != nil && !faults.Is(err, faults.ClassNotFound) {
		d.logger.Warn("Failed to release internal candidate",
			zap.Stringer("plan", id), zap.String("candidate", name), zap.Error(err))
	}
}
