package agentfi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func envelope(success bool, data any, errMsg string) map[string]any {
	env := map[string]any{"success": success, "data": data, "error": nil}
	if errMsg != "" {
		env["error"] = errMsg
	}
	return env
}

func TestListCapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/capabilities" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(envelope(true, []Capability{
			{ID: "risk_scorer", Name: "Risk Scorer", PriceCredits: 0.5},
		}, ""))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	capabilities, err := client.ListCapabilities(context.Background())
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	if len(capabilities) != 1 || capabilities[0].ID != "risk_scorer" {
		t.Fatalf("unexpected catalog: %+v", capabilities)
	}
}

func TestExecuteCapability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/capabilities/portfolio_analyzer/execute" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Query != "analyze my holdings" {
			t.Fatalf("unexpected query: %q", req.Query)
		}
		_ = json.NewEncoder(w).Encode(envelope(true, ExecuteResult{
			Result:           "looks balanced",
			CapabilitiesUsed: []string{"portfolio_analyzer"},
		}, ""))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	result, err := client.ExecuteCapability(context.Background(), "portfolio_analyzer", ExecuteRequest{
		Query: "analyze my holdings",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Result != "looks balanced" {
		t.Fatalf("unexpected result: %q", result.Result)
	}
}

func TestCompliantExecuteRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(envelope(false, map[string]string{
			"mode":   "compliant",
			"reason": "kyc_required",
		}, ""))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	outcome, err := client.CompliantExecute(context.Background(), CompliantRequest{
		CapabilityID:  "risk_scorer",
		PaymentID:     1,
		WalletAddress: "0xabc",
	})
	if err != nil {
		t.Fatalf("rejection must not surface as error: %v", err)
	}
	if !outcome.Rejected || outcome.Reason != "kyc_required" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestAPIErrorFromEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(envelope(false, nil, "unknown capability ghost"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.ExecuteCapability(context.Background(), "ghost", ExecuteRequest{Query: "q"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "unknown capability ghost" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}
