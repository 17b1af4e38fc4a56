package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentFi-Chain/internal/capability"
	"AgentFi-Chain/internal/collab"
	"AgentFi-Chain/internal/compliance"
	xerrors "AgentFi-Chain/internal/errors"
	"AgentFi-Chain/internal/ledger"
	"AgentFi-Chain/internal/observability/metrics"
	"AgentFi-Chain/internal/plan"
	"AgentFi-Chain/internal/settle"
	"AgentFi-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部驱动能力执行与结算。
type Server struct {
	addr        string
	registry    *capability.Registry
	executor    *plan.Executor
	coordinator *collab.Coordinator
	gate        *compliance.Gate
	generator   capability.Generator
	store       settle.Store
	log         *slog.Logger
}

// NewServer 构造 API 服务实例。generator 用于用户注册的能力，可以为空；
// store 为结算存储，为空时结算查询接口返回 503。
func NewServer(addr string, registry *capability.Registry, executor *plan.Executor,
	coordinator *collab.Coordinator, gate *compliance.Gate, generator capability.Generator,
	store settle.Store) *Server {
	return &Server{
		addr:        addr,
		registry:    registry,
		executor:    executor,
		coordinator: coordinator,
		gate:        gate,
		generator:   generator,
		store:       store,
		log:         logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", instrument("health", s.handleHealth))
	mux.HandleFunc("/api/v1/capabilities", instrument("capabilities", s.handleCapabilities))
	mux.HandleFunc("/api/v1/capabilities/", instrument("capability_execute", s.handleCapabilityExecute))
	mux.HandleFunc("/api/v1/orchestrate", instrument("orchestrate", s.handleOrchestrate))
	mux.HandleFunc("/api/v1/compliant/execute", instrument("compliant_execute", s.handleCompliantExecute))
	mux.HandleFunc("/api/v1/settlement/receipts", instrument("settlement_receipts", s.handleSettlementReceipts))
	mux.HandleFunc("/api/v1/settlement/earnings/", instrument("settlement_earnings", s.handleSettlementEarnings))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// envelope 是所有响应的统一外层结构。
type envelope struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Error   *string `json:"error"`
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data any, errMsg string) {
	env := envelope{Success: success, Data: data}
	if errMsg != "" {
		env.Error = &errMsg
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeEnvelope(w, status, false, nil, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeEnvelope(w, http.StatusOK, true, map[string]string{"status": "ok"}, "")
}

// capabilityView 是能力列表接口的单项结构。
type capabilityView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	PricePerCall  float64 `json:"price_per_call"`
	Settlement    bool    `json:"settlement_enabled"`
	PriceCredits  float64 `json:"price_credits"`
	CrossAgent    bool    `json:"allow_cross_agent"`
	EarnedCredits float64 `json:"earned_credits"`
}

// registerRequest 是用户注册能力的请求体。
type registerRequest struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	PricePerCall float64 `json:"price_per_call"`
	Prompt       string  `json:"prompt"`
	Settlement   struct {
		Enabled          bool    `json:"enabled"`
		PriceCredits     float64 `json:"price_credits"`
		MaxBudgetCredits float64 `json:"max_budget_credits"`
		AllowCrossAgent  bool    `json:"allow_cross_agent"`
		Account          string  `json:"account"`
		OwnerAccount     string  `json:"owner_account"`
	} `json:"settlement"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListCapabilities(w, r)
	case http.MethodPost:
		s.handleRegisterCapability(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	earned := s.registry.EarnedSnapshot()
	views := make([]capabilityView, 0)
	for _, info := range s.registry.List() {
		views = append(views, capabilityView{
			ID:            info.ID,
			Name:          info.Name,
			Description:   info.Description,
			PricePerCall:  info.PricePerCall,
			Settlement:    info.Settlement.Enabled,
			PriceCredits:  info.Settlement.PriceCredits,
			CrossAgent:    info.Settlement.AllowCrossAgent,
			EarnedCredits: earned[info.ID],
		})
	}
	writeEnvelope(w, http.StatusOK, true, views, "")
}

func (s *Server) handleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "id 与 prompt 不能为空"))
		return
	}

	info := capability.Info{
		ID:           req.ID,
		Name:         req.Name,
		Description:  req.Description,
		PricePerCall: req.PricePerCall,
		Settlement: capability.Settlement{
			Enabled:          req.Settlement.Enabled,
			PriceCredits:     req.Settlement.PriceCredits,
			MaxBudgetCredits: req.Settlement.MaxBudgetCredits,
			AllowCrossAgent:  req.Settlement.AllowCrossAgent,
			Account:          req.Settlement.Account,
			OwnerAccount:     req.Settlement.OwnerAccount,
		},
	}
	if err := s.registry.Register(capability.NewPromptCapability(info, req.Prompt, s.generator)); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.log.Info("注册用户能力", slog.String("capability", req.ID))
	writeEnvelope(w, http.StatusCreated, true, map[string]string{"id": req.ID}, "")
}

// executeRequest 是单能力执行接口的请求体。
type executeRequest struct {
	Query         string `json:"query"`
	WalletAddress string `json:"wallet_address"`
	CrossAgent    bool   `json:"cross_agent"`
}

// executeResponse 是免合规执行的响应数据。
type executeResponse struct {
	Result           string                   `json:"result"`
	AttestationRefs  []string                 `json:"attestation_refs"`
	CapabilitiesUsed []string                 `json:"capabilities_used"`
	Report           []collab.ReportEntry     `json:"cross_agent_report"`
	Payments         []*ledger.PaymentReceipt `json:"payments"`
}

func (s *Server) handleCapabilityExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/capabilities/")
	capabilityID, ok := strings.CutSuffix(rest, "/execute")
	if !ok || capabilityID == "" || strings.Contains(capabilityID, "/") {
		http.Error(w, "路径不合法", http.StatusNotFound)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	if _, ok := s.registry.Resolve(capabilityID); !ok {
		writeError(w, http.StatusNotFound, xerrors.New(xerrors.CodeUnknownCapability, "未知能力 "+capabilityID))
		return
	}

	// 单能力执行等价于单步计划，副作用语义与编排路径一致。
	result, err := s.executor.Execute(r.Context(), plan.Plan{
		Steps: []plan.Step{{CapabilityID: capabilityID, Input: req.Query}},
	}, req.WalletAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := executeResponse{
		Result:           result.FinalOutput,
		AttestationRefs:  result.Summary.AttestationRefs,
		CapabilitiesUsed: result.Summary.CapabilityIDs,
		Report:           []collab.ReportEntry{},
		Payments:         []*ledger.PaymentReceipt{},
	}
	if s.coordinator != nil {
		outcome := s.coordinator.Collaborate(r.Context(), capabilityID, req.Query, result.FinalOutput, req.CrossAgent)
		resp.Result = outcome.EnhancedResult
		resp.Report = outcome.Report
		resp.Payments = outcome.Payments
	}
	writeEnvelope(w, http.StatusOK, true, resp, "")
}

// orchestrateRequest 是多能力编排接口的请求体。
type orchestrateRequest struct {
	Query         string      `json:"query"`
	WalletAddress string      `json:"wallet_address"`
	Steps         []plan.Step `json:"steps"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	result, err := s.executor.Execute(r.Context(), plan.Plan{Steps: req.Steps}, req.WalletAddress)
	if err != nil {
		status := http.StatusInternalServerError
		if xerrors.CodeOf(err) == xerrors.CodePlanMalformed {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeEnvelope(w, http.StatusOK, true, result, "")
}

// compliantRequest 是合规执行接口的请求体。
type compliantRequest struct {
	CapabilityID  string `json:"capability"`
	Query         string `json:"query"`
	PaymentID     uint64 `json:"payment_id"`
	WalletAddress string `json:"wallet_address"`
	CrossAgent    bool   `json:"cross_agent"`
}

// rejectionData 是合规拒绝时 data 字段的固定结构。
type rejectionData struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

func (s *Server) handleCompliantExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.gate == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "合规通道未启用"))
		return
	}
	var req compliantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	resp, err := s.gate.Execute(r.Context(), compliance.Request{
		CapabilityID: req.CapabilityID,
		Query:        req.Query,
		PaymentID:    req.PaymentID,
		Wallet:       req.WalletAddress,
		CrossAgent:   req.CrossAgent,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidArgument:
			status = http.StatusBadRequest
		case xerrors.CodeUnknownCapability:
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if resp.Rejected {
		writeEnvelope(w, http.StatusForbidden, false, rejectionData{Mode: "compliant", Reason: resp.Reason}, "")
		return
	}
	writeEnvelope(w, http.StatusOK, true, resp, "")
}

// earningsView 是能力收入查询接口的响应数据。
type earningsView struct {
	CapabilityID  string  `json:"capability"`
	EarnedCredits float64 `json:"earned_credits"`
}

func (s *Server) handleSettlementReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未启用"))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数"))
			return
		}
		limit = parsed
	}

	receipts, err := s.store.ListReceipts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if receipts == nil {
		receipts = []settle.Receipt{}
	}
	writeEnvelope(w, http.StatusOK, true, receipts, "")
}

func (s *Server) handleSettlementEarnings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "结算存储未启用"))
		return
	}
	capabilityID := strings.TrimPrefix(r.URL.Path, "/api/v1/settlement/earnings/")
	if capabilityID == "" || strings.Contains(capabilityID, "/") {
		http.Error(w, "路径不合法", http.StatusNotFound)
		return
	}

	earned, err := s.store.Earnings(r.Context(), capabilityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeEnvelope(w, http.StatusOK, true, earningsView{CapabilityID: capabilityID, EarnedCredits: earned}, "")
}

// statusRecorder 记录写入的响应码，供指标统计使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为单个路由记录请求量、错误量与时延指标。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
