// Package api serves the admin surface of a replica over HTTP
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/global-data-controller/kvadmin/internal/client"
	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// Config configures the gateway
type Config struct {
	// RequestsPerMinute is allowed per client IP; zero disables limiting.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
	// MaxAwait caps the timeout of await requests.
	MaxAwait time.Duration `mapstructure:"max_await"`
}

// DefaultConfig returns the default gateway configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		Burst:             50,
		MaxAwait:          10 * time.Minute,
	}
}

// Gateway exposes a replica's client.API over HTTP
type Gateway struct {
	api     client.API
	config  Config
	logger  *zap.Logger
	limiter *RateLimiter
	router  *mux.Router
}

// RateLimiter implements per-IP rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// Allow checks if the request from the given IP is allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}
	return limiter.Allow()
}

// NewGateway creates the HTTP handler for api
func NewGateway(api client.API, config Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAwait <= 0 {
		config.MaxAwait = DefaultConfig().MaxAwait
	}
	g := &Gateway{
		api:    api,
		config: config,
		logger: logger.With(zap.String("component", "api")),
		router: mux.NewRouter(),
	}
	if config.RequestsPerMinute > 0 {
		g.limiter = NewRateLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), config.Burst)
	}
	g.setupRoutes()
	return g
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Router returns the router so other handlers can be mounted next to the API
func (g *Gateway) Router() *mux.Router { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.HandleFunc("/health", g.healthHandler).Methods(http.MethodGet)
	g.router.HandleFunc("/ready", g.readyHandler).Methods(http.MethodGet)

	v1 := g.router.PathPrefix(client.APIPrefix).Subrouter()
	v1.Use(g.rateLimitMiddleware, g.corsMiddleware)

	v1.HandleFunc("/master", g.master).Methods(http.MethodGet)
	v1.HandleFunc("/status", g.status).Methods(http.MethodGet)
	v1.HandleFunc("/topology", g.topology).Methods(http.MethodGet)
	v1.HandleFunc("/topology/verify", g.verifyTopology).Methods(http.MethodGet)
	v1.HandleFunc("/parameters", g.parameters).Methods(http.MethodGet)

	v1.HandleFunc("/candidates", g.listCandidates).Methods(http.MethodGet)
	v1.HandleFunc("/candidates", g.copyCurrent).Methods(http.MethodPost)
	v1.HandleFunc("/candidates/{name}", g.getCandidate).Methods(http.MethodGet)
	v1.HandleFunc("/candidates/{name}", g.deleteCandidate).Methods(http.MethodDelete)
	v1.HandleFunc("/candidates/{name}/zones/{zone:[0-9]+}/type", g.changeZoneType).Methods(http.MethodPut)
	v1.HandleFunc("/candidates/{name}/zones/{zone:[0-9]+}/arbiters", g.changeZoneArbiters).Methods(http.MethodPut)
	v1.HandleFunc("/candidates/{name}/rebalance", g.rebalance).Methods(http.MethodPost)

	v1.HandleFunc("/quorum/repair", g.repairQuorum).Methods(http.MethodPost)

	v1.HandleFunc("/plans", g.listPlans).Methods(http.MethodGet)
	v1.HandleFunc("/plans/deploy", g.createDeployPlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/failover", g.createFailoverPlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/repair", g.createRepairPlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/membership", g.createMembershipPlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id:[0-9]+}", g.getPlan).Methods(http.MethodGet)
	v1.HandleFunc("/plans/{id:[0-9]+}/approve", g.planAction(g.api.ApprovePlan)).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id:[0-9]+}/execute", g.executePlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id:[0-9]+}/await", g.awaitPlan).Methods(http.MethodGet)
	v1.HandleFunc("/plans/{id:[0-9]+}/cancel", g.planAction(g.api.CancelPlan)).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id:[0-9]+}/interrupt", g.planAction(g.api.InterruptPlan)).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id:[0-9]+}/success", g.planAction(g.api.AssertSuccess)).Methods(http.MethodGet)
}

// Middleware functions

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter != nil && !g.limiter.Allow(getClientIP(r)) {
			g.writeFault(w, faults.New(faults.ClassNotReady, "RateLimitExceeded", "rate limit exceeded"), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "kvadmin",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readyHandler reports ready once the replica knows a master
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	master, err := g.api.MasterAddress(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	if master == nil {
		g.writeFault(w, faults.NotReady(faults.CodeNoMaster, "no master is elected"), http.StatusServiceUnavailable)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"master": master,
	})
}

// Handlers

func (g *Gateway) master(w http.ResponseWriter, r *http.Request) {
	ok, err := g.api.IsAuthoritativeMaster(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	addr, err := g.api.MasterAddress(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, client.MasterResponse{Authoritative: ok, Master: addr})
}

func (g *Gateway) status(w http.ResponseWriter, r *http.Request) {
	st, err := g.api.AdminStatus(r.Context())
	g.respond(w, st, err)
}

func (g *Gateway) topology(w http.ResponseWriter, r *http.Request) {
	t, err := g.api.Topology(r.Context())
	g.respond(w, t, err)
}

func (g *Gateway) verifyTopology(w http.ResponseWriter, r *http.Request) {
	vs, err := g.api.VerifyTopology(r.Context())
	g.respond(w, client.ViolationsResponse{Violations: vs}, err)
}

func (g *Gateway) parameters(w http.ResponseWriter, r *http.Request) {
	p, err := g.api.Parameters(r.Context())
	g.respond(w, p, err)
}

func (g *Gateway) listCandidates(w http.ResponseWriter, r *http.Request) {
	internal, _ := strconv.ParseBool(r.URL.Query().Get("internal"))
	cs, err := g.api.ListCandidates(r.Context(), internal)
	if cs == nil {
		cs = []*models.Candidate{}
	}
	g.respond(w, cs, err)
}

func (g *Gateway) copyCurrent(w http.ResponseWriter, r *http.Request) {
	var req client.CandidateRequest
	if !g.decode(w, r, &req) {
		return
	}
	g.respondCreated(w, nil, g.api.CopyCurrentTopology(r.Context(), req.Name))
}

func (g *Gateway) getCandidate(w http.ResponseWriter, r *http.Request) {
	c, err := g.api.Candidate(r.Context(), mux.Vars(r)["name"])
	g.respond(w, c, err)
}

func (g *Gateway) deleteCandidate(w http.ResponseWriter, r *http.Request) {
	g.respond(w, nil, g.api.DeleteCandidate(r.Context(), mux.Vars(r)["name"]))
}

func (g *Gateway) changeZoneType(w http.ResponseWriter, r *http.Request) {
	var req client.ZoneTypeRequest
	if !g.decode(w, r, &req) {
		return
	}
	zt, err := models.ParseZoneType(string(req.Type))
	if err != nil {
		g.writeError(w, faults.IllegalCommand(faults.CodeInvalidArgument, "%v", err))
		return
	}
	vars := mux.Vars(r)
	g.respond(w, nil, g.api.ChangeZoneType(r.Context(), vars["name"], zoneVar(vars), zt))
}

func (g *Gateway) changeZoneArbiters(w http.ResponseWriter, r *http.Request) {
	var req client.ZoneArbitersRequest
	if !g.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	g.respond(w, nil, g.api.ChangeZoneArbiters(r.Context(), vars["name"], zoneVar(vars), req.Allow))
}

func (g *Gateway) rebalance(w http.ResponseWriter, r *http.Request) {
	var req client.RebalanceRequest
	if !g.decode(w, r, &req) {
		return
	}
	vs, err := g.api.RebalanceTopology(r.Context(), mux.Vars(r)["name"], req.Pool)
	g.respond(w, client.ViolationsResponse{Violations: vs}, err)
}

func (g *Gateway) repairQuorum(w http.ResponseWriter, r *http.Request) {
	var req models.QuorumRepairRequest
	if !g.decode(w, r, &req) {
		return
	}
	members, err := g.api.RepairAdminQuorum(r.Context(), req)
	g.respond(w, client.MembershipResponse{Membership: members}, err)
}

func (g *Gateway) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := g.api.ListPlans(r.Context())
	if plans == nil {
		plans = []*models.Plan{}
	}
	g.respond(w, plans, err)
}

func (g *Gateway) createDeployPlan(w http.ResponseWriter, r *http.Request) {
	var req client.DeployPlanRequest
	if !g.decode(w, r, &req) {
		return
	}
	id, err := g.api.CreateDeployTopologyPlan(r.Context(), req.Name, req.Candidate, req.Options)
	g.respondCreated(w, client.PlanCreatedResponse{ID: id}, err)
}

func (g *Gateway) createFailoverPlan(w http.ResponseWriter, r *http.Request) {
	var req models.FailoverRequest
	if !g.decode(w, r, &req) {
		return
	}
	id, err := g.api.CreateFailoverPlan(r.Context(), req)
	g.respondCreated(w, client.PlanCreatedResponse{ID: id}, err)
}

func (g *Gateway) createRepairPlan(w http.ResponseWriter, r *http.Request) {
	var req client.RepairPlanRequest
	if !g.decode(w, r, &req) {
		return
	}
	id, err := g.api.CreateRepairPlan(r.Context(), req.Name)
	g.respondCreated(w, client.PlanCreatedResponse{ID: id}, err)
}

func (g *Gateway) createMembershipPlan(w http.ResponseWriter, r *http.Request) {
	var req client.MembershipPlanRequest
	if !g.decode(w, r, &req) {
		return
	}
	id, err := g.api.CreateAdminMembershipPlan(r.Context(), req.Name, req.Members)
	g.respondCreated(w, client.PlanCreatedResponse{ID: id}, err)
}

func (g *Gateway) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := g.api.Plan(r.Context(), planVar(r))
	g.respond(w, p, err)
}

func (g *Gateway) executePlan(w http.ResponseWriter, r *http.Request) {
	var req client.ExecuteRequest
	if !g.decode(w, r, &req) {
		return
	}
	g.respond(w, nil, g.api.ExecutePlan(r.Context(), planVar(r), req.Force))
}

func (g *Gateway) awaitPlan(w http.ResponseWriter, r *http.Request) {
	timeout := g.config.MaxAwait
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			g.writeError(w, faults.IllegalCommand(faults.CodeInvalidArgument, "invalid timeout %q", s))
			return
		}
		if d < timeout {
			timeout = d
		}
	}
	state, err := g.api.AwaitPlan(r.Context(), planVar(r), timeout)
	g.respond(w, client.AwaitResponse{State: state}, err)
}

func (g *Gateway) planAction(fn func(ctx context.Context, id models.PlanID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.respond(w, nil, fn(r.Context(), planVar(r)))
	}
}

func planVar(r *http.Request) models.PlanID {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return models.PlanID(id)
}

func zoneVar(vars map[string]string) models.ZoneID {
	id, _ := strconv.Atoi(vars["zone"])
	return models.ZoneID(id)
}

// Utility methods

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		g.writeError(w, faults.IllegalCommand(faults.CodeInvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func (g *Gateway) respond(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		g.writeError(w, err)
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, http.StatusOK, data)
}

func (g *Gateway) respondCreated(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		g.writeError(w, err)
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusCreated)
		return
	}
	g.writeJSON(w, http.StatusCreated, data)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError sends err as a fault body so the client can restore its
// class and code
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	f, ok := faults.As(err)
	if !ok {
		f = faults.Internal(err, "request failed")
	}
	status := faults.HTTPStatus(f)
	if status == http.StatusInternalServerError {
		g.logger.Error("Request failed", zap.Error(err))
	}
	g.writeFault(w, f, status)
}

func (g *Gateway) writeFault(w http.ResponseWriter, f *faults.Fault, status int) {
	body := &faults.Fault{Class: f.Class, Code: f.Code, Message: f.Error()}
	g.writeJSON(w, status, body)
}

// Describe returns a one-line summary of the routes, used in logs
func (g *Gateway) Describe() string {
	n := 0
	_ = g.router.Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		if _, err := route.GetPathTemplate(); err == nil {
			n++
		}
		return nil
	})
	return fmt.Sprintf("%d routes under %s", n, client.APIPrefix)
}
