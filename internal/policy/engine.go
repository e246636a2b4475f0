// Package policy admits or denies operator overrides (forced execution,
// forced failover with data loss, primary RF reduction) by evaluating a
// Rego module through Open Policy Agent.
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/faults"
)

const (
	allowQuery  = "data.overrides.allow"
	reasonQuery = "data.overrides.reason"
)

// Operations subject to admission
const (
	OperationExecute    = "execute"
	OperationFailover   = "failover"
	OperationSwitchover = "switchover"
)

// OverrideRequest describes an override an operator asked for
type OverrideRequest struct {
	Operation        string   `json:"operation"`
	Plan             string   `json:"plan,omitempty"`
	Force            bool     `json:"force"`
	AllowRFReduction bool     `json:"allow_rf_reduction"`
	DataLoss         bool     `json:"data_loss"`
	Violations       []string `json:"violations"`
	Zones            []string `json:"zones,omitempty"`
}

func (r *OverrideRequest) input() map[string]interface{} {
	violations := r.Violations
	if violations == nil {
		violations = []string{}
	}
	zones := r.Zones
	if zones == nil {
		zones = []string{}
	}
	return map[string]interface{}{
		"operation":          r.Operation,
		"plan":               r.Plan,
		"force":              r.Force,
		"allow_rf_reduction": r.AllowRFReduction,
		"data_loss":          r.DataLoss,
		"violations":         violations,
		"zones":              zones,
	}
}

// Config configures the gate
type Config struct {
	// Template names a built-in module; ignored when ModulePath is set.
	Template   string                 `mapstructure:"template" json:"template" yaml:"template"`
	ModulePath string                 `mapstructure:"module_path" json:"module_path" yaml:"module_path"`
	Data       map[string]interface{} `mapstructure:"data" json:"data" yaml:"data"`
}

// DefaultConfig admits every override
func DefaultConfig() *Config {
	return &Config{Template: TemplateAllowAll}
}

// Gate evaluates the override module
type Gate struct {
	mu     sync.RWMutex
	module string
	allow  rego.PreparedEvalQuery
	reason rego.PreparedEvalQuery
	store  storage.Store
	logger *zap.Logger
}

// NewGateFromConfig loads the module named by config
func NewGateFromConfig(ctx context.Context, config *Config, logger *zap.Logger) (*Gate, error) {
	if config == nil {
		config = DefaultConfig()
	}
	module := ""
	switch {
	case config.ModulePath != "":
		data, err := os.ReadFile(config.ModulePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy module: %w", err)
		}
		module = string(data)
	default:
		name := config.Template
		if name == "" {
			name = TemplateAllowAll
		}
		tmpl, ok := GetTemplate(name)
		if !ok {
			return nil, fmt.Errorf("unknown policy template %q, known: %v", name, ListTemplates())
		}
		module = tmpl.Module
	}
	return NewGate(ctx, module, config.Data, logger)
}

// NewGate compiles module; data is exposed to it under data.
func NewGate(ctx context.Context, module string, data map[string]interface{}, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	g := &Gate{
		store:  inmem.NewFromObject(data),
		logger: logger.With(zap.String("component", "override-policy")),
	}
	if err := g.Load(ctx, module); err != nil {
		return nil, err
	}
	return g, nil
}

// Load replaces the module after compiling it
func (g *Gate) Load(ctx context.Context, module string) error {
	if err := ValidateModule(ctx, module); err != nil {
		return err
	}
	allow, err := rego.New(
		rego.Query(allowQuery),
		rego.Module("overrides.rego", module),
		rego.Store(g.store),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy: %w", err)
	}
	reason, err := rego.New(
		rego.Query(reasonQuery),
		rego.Module("overrides.rego", module),
		rego.Store(g.store),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.module = module
	g.allow = allow
	g.reason = reason
	return nil
}

// Module returns the loaded module source
func (g *Gate) Module() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.module
}

// ValidateModule checks that module compiles
func ValidateModule(ctx context.Context, module string) error {
	r := rego.New(
		rego.Query(allowQuery),
		rego.Module("overrides.rego", module),
	)
	if _, err := r.PrepareForEval(ctx); err != nil {
		return fmt.Errorf("invalid policy module: %w", err)
	}
	return nil
}

// Admit returns a SafetyGate fault when the module does not allow req.
// An undefined allow rule denies.
func (g *Gate) Admit(ctx context.Context, req OverrideRequest) error {
	g.mu.RLock()
	allow, reason := g.allow, g.reason
	g.mu.RUnlock()

	input := req.input()
	rs, err := allow.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return faults.Internal(err, "failed to evaluate override policy")
	}
	if rs.Allowed() {
		g.logger.Info("Override admitted",
			zap.String("operation", req.Operation),
			zap.String("plan", req.Plan),
			zap.Bool("force", req.Force),
			zap.Bool("data_loss", req.DataLoss))
		return nil
	}

	why := "denied by the override policy"
	if rs, err := reason.Eval(ctx, rego.EvalInput(input)); err == nil && len(rs) > 0 && len(rs[0].Expressions) > 0 {
		switch v := rs[0].Expressions[0].Value.(type) {
		case string:
			why = v
		case []interface{}:
			why = joinReasons(v)
		}
	}
	g.logger.Warn("Override denied", zap.String("operation", req.Operation), zap.String("reason", why))
	return faults.New(faults.ClassSafetyGate, faults.CodePolicyDenied, "%s override refused: %s", req.Operation, why)
}

// joinReasons renders a rego set of reasons in a stable order
func joinReasons(vs []interface{}) string {
	var out []string
	for _, v := range vs {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return "denied by the override policy"
	}
	s := out[0]
	for _, r := range out[1:] {
		s += "; " + r
	}
	return s
}
