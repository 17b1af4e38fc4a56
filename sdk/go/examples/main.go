package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentFi-Chain/sdk/go/agentfi"
)

func respond(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data, "error": nil})
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/capabilities", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []agentfi.Capability{
			{ID: "portfolio_analyzer", Name: "Portfolio Analyzer", PriceCredits: 1.0, CrossAgent: true},
			{ID: "risk_scorer", Name: "Risk Scorer", PriceCredits: 0.5},
		})
	})
	mux.HandleFunc("/api/v1/capabilities/portfolio_analyzer/execute", func(w http.ResponseWriter, r *http.Request) {
		respond(w, agentfi.ExecuteResult{
			Result:           "Portfolio is 60% stable assets, 40% volatile.",
			CapabilitiesUsed: []string{"portfolio_analyzer"},
			Report: []agentfi.ReportEntry{
				{Agent: "risk_scorer", Status: "success", Cost: 0.5},
			},
		})
	})
	mux.HandleFunc("/api/v1/orchestrate", func(w http.ResponseWriter, r *http.Request) {
		respond(w, agentfi.PlanResult{
			Result: "Moderate risk, rebalance toward stables.",
			Summary: agentfi.PlanSummary{
				CapabilitiesUsed: []string{"portfolio_analyzer", "risk_scorer"},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agentfi.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	capabilities, err := client.ListCapabilities(ctx)
	if err != nil {
		panic(err)
	}
	for _, capability := range capabilities {
		fmt.Printf("capability %s charges %.2f credits\n", capability.ID, capability.PriceCredits)
	}

	result, err := client.ExecuteCapability(ctx, "portfolio_analyzer", agentfi.ExecuteRequest{
		Query:         "analyze my holdings",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		CrossAgent:    true,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed with %d collaboration entries: %s\n", len(result.Report), result.Result)

	planned, err := client.Orchestrate(ctx, agentfi.OrchestrateRequest{
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Steps: []agentfi.PlanStep{
			{CapabilityID: "portfolio_analyzer", Input: "analyze my holdings"},
			{CapabilityID: "risk_scorer", Input: "score this: {step_0}"},
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("orchestrated %v: %s\n", planned.Summary.CapabilitiesUsed, planned.Result)
}
