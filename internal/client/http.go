package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

// APIPrefix is the path prefix of every admin route
const APIPrefix = "/api/v1"

// Request and response bodies of the HTTP transport

type MasterResponse struct {
	Authoritative bool                 `json:"authoritative"`
	Master        *models.AdminAddress `json:"master,omitempty"`
}

type CandidateRequest struct {
	Name string `json:"name"`
}

type ZoneTypeRequest struct {
	Type models.ZoneType `json:"type"`
}

type ZoneArbitersRequest struct {
	Allow bool `json:"allow"`
}

type RebalanceRequest struct {
	Pool string `json:"pool,omitempty"`
}

type ViolationsResponse struct {
	Violations []models.Violation `json:"violations"`
}

type MembershipResponse struct {
	Membership []models.AdminID `json:"membership"`
}

type DeployPlanRequest struct {
	Name      string               `json:"name"`
	Candidate string               `json:"candidate"`
	Options   models.DeployOptions `json:"options"`
}

type RepairPlanRequest struct {
	Name string `json:"name"`
}

type MembershipPlanRequest struct {
	Name    string           `json:"name"`
	Members []models.AdminID `json:"members"`
}

type PlanCreatedResponse struct {
	ID models.PlanID `json:"id"`
}

type ExecuteRequest struct {
	Force bool `json:"force"`
}

type AwaitResponse struct {
	State models.PlanState `json:"state"`
}

// HTTPClient calls one replica over HTTP. Faults returned by the replica
// keep their class and code.
type HTTPClient struct {
	base string
	http *http.Client
}

// NewHTTPClient creates a client for the replica at base, e.g.
// http://localhost:8080
func NewHTTPClient(base string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPClient{base: strings.TrimRight(base, "/") + APIPrefix, http: hc}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(err, faults.ClassConnectivity, faults.CodeCannotContactAdmin, "cannot contact admin at %s", c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var f faults.Fault
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil || f.Class == "" {
			return faults.New(faults.ClassInternal, faults.CodeInternal, "%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return &f
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func planPath(id models.PlanID, action string) string {
	p := "/plans/" + strconv.FormatInt(int64(id), 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func candidatePath(name string) string {
	return "/candidates/" + url.PathEscape(name)
}

func (c *HTTPClient) IsAuthoritativeMaster(ctx context.Context) (bool, error) {
	var out MasterResponse
	err := c.do(ctx, http.MethodGet, "/master", nil, &out)
	return out.Authoritative, err
}

func (c *HTTPClient) MasterAddress(ctx context.Context) (*models.AdminAddress, error) {
	var out MasterResponse
	err := c.do(ctx, http.MethodGet, "/master", nil, &out)
	return out.Master, err
}

func (c *HTTPClient) AdminStatus(ctx context.Context) (*models.AdminStatus, error) {
	var out models.AdminStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Topology(ctx context.Context) (*models.Topology, error) {
	var out models.Topology
	if err := c.do(ctx, http.MethodGet, "/topology", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Parameters(ctx context.Context) (*models.Parameters, error) {
	var out models.Parameters
	if err := c.do(ctx, http.MethodGet, "/parameters", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) VerifyTopology(ctx context.Context) ([]models.Violation, error) {
	var out ViolationsResponse
	err := c.do(ctx, http.MethodGet, "/topology/verify", nil, &out)
	return out.Violations, err
}

func (c *HTTPClient) CopyCurrentTopology(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/candidates", CandidateRequest{Name: name}, nil)
}

func (c *HTTPClient) ChangeZoneType(ctx context.Context, candidate string, zone models.ZoneID, zt models.ZoneType) error {
	path := fmt.Sprintf("%s/zones/%d/type", candidatePath(candidate), int(zone))
	return c.do(ctx, http.MethodPut, path, ZoneTypeRequest{Type: zt}, nil)
}

func (c *HTTPClient) ChangeZoneArbiters(ctx context.Context, candidate string, zone models.ZoneID, allow bool) error {
	path := fmt.Sprintf("%s/zones/%d/arbiters", candidatePath(candidate), int(zone))
	return c.do(ctx, http.MethodPut, path, ZoneArbitersRequest{Allow: allow}, nil)
}

func (c *HTTPClient) RebalanceTopology(ctx context.Context, candidate, pool string) ([]models.Violation, error) {
	var out ViolationsResponse
	err := c.do(ctx, http.MethodPost, candidatePath(candidate)+"/rebalance", RebalanceRequest{Pool: pool}, &out)
	return out.Violations, err
}

func (c *HTTPClient) DeleteCandidate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, candidatePath(name), nil, nil)
}

func (c *HTTPClient) Candidate(ctx context.Context, name string) (*models.Candidate, error) {
	var out models.Candidate
	if err := c.do(ctx, http.MethodGet, candidatePath(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListCandidates(ctx context.Context, includeInternal bool) ([]*models.Candidate, error) {
	var out []*models.Candidate
	err := c.do(ctx, http.MethodGet, "/candidates?internal="+strconv.FormatBool(includeInternal), nil, &out)
	return out, err
}

func (c *HTTPClient) RepairAdminQuorum(ctx context.Context, req models.QuorumRepairRequest) ([]models.AdminID, error) {
	var out MembershipResponse
	err := c.do(ctx, http.MethodPost, "/quorum/repair", req, &out)
	return out.Membership, err
}

func (c *HTTPClient) CreateDeployTopologyPlan(ctx context.Context, name, candidate string, opts models.DeployOptions) (models.PlanID, error) {
	var out PlanCreatedResponse
	err := c.do(ctx, http.MethodPost, "/plans/deploy", DeployPlanRequest{Name: name, Candidate: candidate, Options: opts}, &out)
	return out.ID, err
}

func (c *HTTPClient) CreateFailoverPlan(ctx context.Context, req models.FailoverRequest) (models.PlanID, error) {
	var out PlanCreatedResponse
	err := c.do(ctx, http.MethodPost, "/plans/failover", req, &out)
	return out.ID, err
}

func (c *HTTPClient) CreateRepairPlan(ctx context.Context, name string) (models.PlanID, error) {
	var out PlanCreatedResponse
	err := c.do(ctx, http.MethodPost, "/plans/repair", RepairPlanRequest{Name: name}, &out)
	return out.ID, err
}

func (c *HTTPClient) CreateAdminMembershipPlan(ctx context.Context, name string, members []models.AdminID) (models.PlanID, error) {
	var out PlanCreatedResponse
	err := c.do(ctx, http.MethodPost, "/plans/membership", MembershipPlanRequest{Name: name, Members: members}, &out)
	return out.ID, err
}

func (c *HTTPClient) ApprovePlan(ctx context.Context, id models.PlanID) error {
	return c.do(ctx, http.MethodPost, planPath(id, "approve"), nil, nil)
}

func (c *HTTPClient) ExecutePlan(ctx context.Context, id models.PlanID, force bool) error {
	return c.do(ctx, http.MethodPost, planPath(id, "execute"), ExecuteRequest{Force: force}, nil)
}

func (c *HTTPClient) AwaitPlan(ctx context.Context, id models.PlanID, timeout time.Duration) (models.PlanState, error) {
	var out AwaitResponse
	err := c.do(ctx, http.MethodGet, planPath(id, "await")+"?timeout="+url.QueryEscape(timeout.String()), nil, &out)
	return out.State, err
}

func (c *HTTPClient) CancelPlan(ctx context.Context, id models.PlanID) error {
	return c.do(ctx, http.MethodPost, planPath(id, "cancel"), nil, nil)
}

func (c *HTTPClient) InterruptPlan(ctx context.Context, id models.PlanID) error {
	return c.do(ctx, http.MethodPost, planPath(id, "interrupt"), nil, nil)
}

func (c *HTTPClient) AssertSuccess(ctx context.Context, id models.PlanID) error {
	return c.do(ctx, http.MethodGet, planPath(id, "success"), nil, nil)
}

func (c *HTTPClient) Plan(ctx context.Context, id models.PlanID) (*models.Plan, error) {
	var out models.Plan
	if err := c.do(ctx, http.MethodGet, planPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	var out []*models.Plan
	err := c.do(ctx, http.MethodGet, "/plans", nil, &out)
	return out, err
}
