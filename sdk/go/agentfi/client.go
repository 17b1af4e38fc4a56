package agentfi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentFi marketplace REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Capability mirrors a single entry from the capability listing endpoint.
type Capability struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	PricePerCall  float64 `json:"price_per_call"`
	Settlement    bool    `json:"settlement_enabled"`
	PriceCredits  float64 `json:"price_credits"`
	CrossAgent    bool    `json:"allow_cross_agent"`
	EarnedCredits float64 `json:"earned_credits"`
}

// Settlement carries the billing terms attached to a capability registration.
type Settlement struct {
	Enabled          bool    `json:"enabled"`
	PriceCredits     float64 `json:"price_credits"`
	MaxBudgetCredits float64 `json:"max_budget_credits"`
	AllowCrossAgent  bool    `json:"allow_cross_agent"`
	Account          string  `json:"account"`
	OwnerAccount     string  `json:"owner_account"`
}

// Registration is the payload required to publish a new prompt capability.
type Registration struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	PricePerCall float64    `json:"price_per_call"`
	Prompt       string     `json:"prompt"`
	Settlement   Settlement `json:"settlement"`
}

// ExecuteRequest drives a single capability execution.
type ExecuteRequest struct {
	Query         string `json:"query"`
	WalletAddress string `json:"wallet_address"`
	CrossAgent    bool   `json:"cross_agent"`
}

// ReportEntry describes how one cross-agent collaboration target was handled.
type ReportEntry struct {
	Agent  string  `json:"agent"`
	Status string  `json:"status"`
	Cost   float64 `json:"cost,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Payment mirrors a settled credit transfer receipt.
type Payment struct {
	ID     string
	From   string
	Amount float64
	Splits map[string]float64
	TxID   string
}

// ExecuteResult is the outcome of a single capability execution.
type ExecuteResult struct {
	Result           string        `json:"result"`
	AttestationRefs  []string      `json:"attestation_refs"`
	CapabilitiesUsed []string      `json:"capabilities_used"`
	Report           []ReportEntry `json:"cross_agent_report"`
	Payments         []*Payment    `json:"payments"`
}

// PlanStep names one capability invocation inside an orchestration plan.
type PlanStep struct {
	CapabilityID string `json:"capability"`
	Input        string `json:"input"`
}

// OrchestrateRequest submits a multi-step plan for sequential execution.
type OrchestrateRequest struct {
	Query         string     `json:"query"`
	WalletAddress string     `json:"wallet_address"`
	Steps         []PlanStep `json:"steps"`
}

// StepSideEffects reports the settlement side effects of a single plan step.
type StepSideEffects struct {
	PaymentAttempted     bool   `json:"payment_attempted"`
	PaymentOK            bool   `json:"payment_ok"`
	AttestationAttempted bool   `json:"attestation_attempted"`
	AttestationOK        bool   `json:"attestation_ok"`
	AttestationRef       string `json:"attestation_ref,omitempty"`
}

// StepResult is the per-step view of an orchestration outcome.
type StepResult struct {
	Index        int             `json:"index"`
	CapabilityID string          `json:"capability"`
	Output       string          `json:"output"`
	SideEffects  StepSideEffects `json:"side_effects"`
}

// PlanSummary aggregates the settlement view of an orchestration run.
type PlanSummary struct {
	AttestationRefs  []string `json:"attestation_refs"`
	CapabilitiesUsed []string `json:"capabilities_used"`
}

// PlanResult is the full outcome of an orchestration run.
type PlanResult struct {
	Result  string       `json:"result"`
	Steps   []StepResult `json:"steps"`
	Summary PlanSummary  `json:"summary"`
}

// CompliantRequest drives an execution through the compliance gate.
type CompliantRequest struct {
	CapabilityID  string `json:"capability"`
	Query         string `json:"query"`
	PaymentID     uint64 `json:"payment_id"`
	WalletAddress string `json:"wallet_address"`
	CrossAgent    bool   `json:"cross_agent"`
}

// ComplianceMetadata carries the verification context of a gated execution.
type ComplianceMetadata struct {
	KycVerified  bool    `json:"kyc_verified"`
	Jurisdiction string  `json:"jurisdiction"`
	KycTier      uint64  `json:"kyc_tier"`
	Amount       float64 `json:"payment_amount"`
	ReceiptTxID  string  `json:"receipt_tx_id"`
}

// ComplianceOutcome is the result of a gated execution. Rejected is true when
// the gate refused the request before invoking the capability; Reason then
// holds the machine-readable rejection cause.
type ComplianceOutcome struct {
	Rejected   bool               `json:"-"`
	State      string             `json:"state"`
	Reason     string             `json:"reason,omitempty"`
	Result     string             `json:"result,omitempty"`
	Report     []ReportEntry      `json:"cross_agent_report,omitempty"`
	Payments   []*Payment         `json:"payments,omitempty"`
	Compliance ComplianceMetadata `json:"compliance"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentfi api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentFi marketplace API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// ListCapabilities fetches the marketplace catalog.
func (c *Client) ListCapabilities(ctx context.Context) ([]Capability, error) {
	var capabilities []Capability
	if err := c.get(ctx, "/api/v1/capabilities", &capabilities); err != nil {
		return nil, err
	}
	return capabilities, nil
}

// RegisterCapability publishes a new prompt capability and returns its id.
func (c *Client) RegisterCapability(ctx context.Context, reg Registration) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/v1/capabilities", reg, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// ExecuteCapability runs a single capability, optionally with cross-agent
// collaboration enabled.
func (c *Client) ExecuteCapability(ctx context.Context, capabilityID string, req ExecuteRequest) (ExecuteResult, error) {
	var result ExecuteResult
	endpoint := fmt.Sprintf("/api/v1/capabilities/%s/execute", url.PathEscape(capabilityID))
	if err := c.post(ctx, endpoint, req, &result); err != nil {
		return ExecuteResult{}, err
	}
	return result, nil
}

// Orchestrate runs a multi-step plan sequentially.
func (c *Client) Orchestrate(ctx context.Context, req OrchestrateRequest) (PlanResult, error) {
	var result PlanResult
	if err := c.post(ctx, "/api/v1/orchestrate", req, &result); err != nil {
		return PlanResult{}, err
	}
	return result, nil
}

// CompliantExecute runs a capability through the compliance gate. A gate
// rejection is not an error: the returned outcome has Rejected set and Reason
// populated. Transport and validation failures are returned as errors.
func (c *Client) CompliantExecute(ctx context.Context, req CompliantRequest) (ComplianceOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ComplianceOutcome{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/compliant/execute", bytes.NewReader(body))
	if err != nil {
		return ComplianceOutcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ComplianceOutcome{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	env, raw, err := decodeEnvelope(resp)
	if err != nil {
		return ComplianceOutcome{}, err
	}

	if resp.StatusCode == http.StatusForbidden && !env.Success {
		var rejection struct {
			Mode   string `json:"mode"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(env.Data, &rejection); err != nil {
			return ComplianceOutcome{}, fmt.Errorf("decode rejection: %w", err)
		}
		return ComplianceOutcome{Rejected: true, State: "REJECTED", Reason: rejection.Reason}, nil
	}
	if resp.StatusCode >= 400 {
		return ComplianceOutcome{}, envelopeError(resp.StatusCode, env, raw)
	}

	var outcome ComplianceOutcome
	if err := json.Unmarshal(env.Data, &outcome); err != nil {
		return ComplianceOutcome{}, fmt.Errorf("decode response: %w", err)
	}
	return outcome, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// responseEnvelope mirrors the uniform outer structure of every API response.
type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

func decodeEnvelope(resp *http.Response) (responseEnvelope, []byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return responseEnvelope{}, nil, fmt.Errorf("read response: %w", err)
	}
	var env responseEnvelope
	if len(raw) > 0 {
		// Non-JSON bodies (plain text errors) fall through to envelopeError.
		_ = json.Unmarshal(raw, &env)
	}
	return env, raw, nil
}

func envelopeError(status int, env responseEnvelope, raw []byte) error {
	apiErr := &APIError{StatusCode: status}
	if env.Error != nil && *env.Error != "" {
		apiErr.Message = *env.Error
	} else {
		apiErr.Message = string(bytes.TrimSpace(raw))
	}
	return apiErr
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	env, raw, err := decodeEnvelope(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return envelopeError(resp.StatusCode, env, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
