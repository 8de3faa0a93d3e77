// Package server exposes the loan-to-card pipeline over HTTP: preview,
// top-up and borrow runs, strategy discovery, run lookup, health and
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loantocard/internal/amounts"
	"loantocard/internal/chain"
	"loantocard/internal/config"
	"loantocard/internal/hmacauth"
	"loantocard/internal/idempotency"
	"loantocard/internal/journal"
	"loantocard/internal/pipeline"
	"loantocard/internal/rates"
	"loantocard/internal/registry"
	"loantocard/internal/summary"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Resolver     *rates.Resolver
	Registry     *registry.Registry
	Runs         journal.Store
	Idempotency  idempotency.Store
	Chain        chain.Client
	Pipeline     *pipeline.Metrics
	Log          *slog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	orch        *pipeline.Orchestrator
	resolver    *rates.Resolver
	reg         *registry.Registry
	runs        journal.Store
	store       idempotency.Store
	chain       chain.Client
	hmac        *hmacauth.Verifier
	metrics     *metricsRegistry
	log         *slog.Logger
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}

	verifier := &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.HMACSalt,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()
	if deps.Pipeline != nil {
		deps.Pipeline.Register(metrics.registry)
	}

	s := &Server{
		cfg:      cfg,
		orch:     deps.Orchestrator,
		resolver: deps.Resolver,
		reg:      deps.Registry,
		runs:     deps.Runs,
		store:    deps.Idempotency,
		chain:    deps.Chain,
		hmac:     verifier,
		metrics:  metrics,
		log:      logger,
	}

	if checker, ok := deps.Runs.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	} else if checker, ok := deps.Idempotency.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Chain.(chain.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/topups/preview", s.handlePreview)
	mux.Handle("POST /api/v1/topups", s.hmac.Middleware(http.HandlerFunc(s.handleTopUp)))
	mux.Handle("POST /api/v1/borrows", s.hmac.Middleware(http.HandlerFunc(s.handleBorrow)))
	mux.HandleFunc("GET /api/v1/assets", s.handleAssets)
	mux.HandleFunc("GET /api/v1/strategies", s.handleStrategies)
	mux.HandleFunc("GET /api/v1/balance", s.handleBalance)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRun)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware chain, used by the HTTP tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type previewRequest struct {
	Mode     string `json:"mode"`
	ChainID  int64  `json:"chainId"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Strategy string `json:"strategy"`
}

type runRequest struct {
	ChainID  int64  `json:"chainId"`
	Account  string `json:"account"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Strategy string `json:"strategy"`
	Holytag  string `json:"holytag,omitempty"`
	Confirm  bool   `json:"confirm"`
}

type runResponse struct {
	RunID        string               `json:"runId"`
	Mode         string               `json:"mode"`
	Status       string               `json:"status"`
	ApproveTx    string               `json:"approveTx,omitempty"`
	DepositTx    string               `json:"depositTx,omitempty"`
	MintTx       string               `json:"mintTx,omitempty"`
	TopUpTx      string               `json:"topUpTx,omitempty"`
	MintedAmount string               `json:"mintedAmount,omitempty"`
	FiatAmount   string               `json:"fiatAmount,omitempty"`
	Steps        []journal.StepRecord `json:"steps"`
}

type runErrorResponse struct {
	Error      string               `json:"error"`
	FailedStep string               `json:"failedStep,omitempty"`
	Partial    bool                 `json:"partial"`
	Committed  []journal.StepRecord `json:"committedSteps,omitempty"`
}

type strategyResponse struct {
	Address      string `json:"address"`
	Label        string `json:"label"`
	Underlying   string `json:"underlying"`
	APR          string `json:"apr"`
	APRAvailable bool   `json:"aprAvailable"`
	WETHGateway  string `json:"wethGateway,omitempty"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var payload previewRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.metrics.incPreview("invalid")
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	mode := payload.Mode
	if mode == "" {
		mode = string(pipeline.ModeTopUp)
	}
	if mode != string(pipeline.ModeTopUp) && mode != string(pipeline.ModeBorrowOnly) {
		s.metrics.incPreview("invalid")
		http.Error(w, "unknown mode: "+mode, http.StatusBadRequest)
		return
	}
	asset := registry.DepositAsset(payload.Asset)
	if !registry.IsDepositAsset(asset) {
		s.metrics.incPreview("invalid")
		http.Error(w, "unknown deposit asset: "+payload.Asset, http.StatusBadRequest)
		return
	}

	candidates := s.resolver.StrategiesFor(r.Context(), payload.ChainID, asset)
	var strategy *rates.RatedVault
	for i := range candidates {
		if candidates[i].Address == payload.Strategy {
			strategy = &candidates[i]
			break
		}
	}
	if strategy == nil {
		s.metrics.incPreview("invalid")
		http.Error(w, "strategy does not accept "+payload.Asset, http.StatusBadRequest)
		return
	}

	conf, err := summary.Build(mode, asset, payload.Amount, *strategy)
	if err != nil {
		s.metrics.incPreview("invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.metrics.incPreview("ok")
	writeJSON(w, http.StatusOK, conf)
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	s.handlePipelineRun(w, r, pipeline.ModeTopUp)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.handlePipelineRun(w, r, pipeline.ModeBorrowOnly)
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request, mode pipeline.Mode) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		s.metrics.incRun(mode, "invalid")
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	var payload runRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.metrics.incRun(mode, "invalid")
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if !payload.Confirm {
		s.metrics.incRun(mode, "invalid")
		http.Error(w, "plan must be confirmed", http.StatusBadRequest)
		return
	}
	if mode == pipeline.ModeTopUp && payload.Holytag == "" {
		s.metrics.incRun(mode, "invalid")
		http.Error(w, "holytag is required", http.StatusBadRequest)
		return
	}

	// Claim the key before anything runs. A retry after any finished run,
	// failed ones included, replays the recorded outcome instead of
	// submitting transactions again; a concurrent duplicate is rejected.
	now := time.Now()
	existing, err := s.store.Reserve(ctx, key, idempotency.Record{
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Service.IdempotencyWindow),
	})
	if err != nil {
		s.metrics.incRun(mode, "failed")
		http.Error(w, "idempotency store unavailable", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		if existing.InFlight() {
			s.metrics.incRun(mode, "conflict")
			http.Error(w, "a run with this idempotency key is in progress", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incRun(mode, "cached")
		return
	}

	plan := pipeline.Plan{
		ChainID:      payload.ChainID,
		Account:      payload.Account,
		DepositAsset: registry.DepositAsset(payload.Asset),
		Amount:       payload.Amount,
		Strategy:     payload.Strategy,
		Holytag:      payload.Holytag,
	}

	var result *pipeline.Result
	if mode == pipeline.ModeTopUp {
		result, err = s.orch.RunTopUp(ctx, plan)
	} else {
		result, err = s.orch.RunBorrowOnly(ctx, plan)
	}
	if err != nil {
		s.writeRunError(ctx, w, mode, key, err)
		return
	}

	resp := runResponse{
		RunID:        result.RunID,
		Mode:         string(result.Mode),
		Status:       "completed",
		ApproveTx:    result.ApproveTx,
		DepositTx:    result.DepositTx,
		MintTx:       result.MintTx,
		TopUpTx:      result.TopUpTx,
		MintedAmount: result.MintedAmount,
		FiatAmount:   result.FiatAmount,
		Steps:        result.Steps,
	}
	body, _ := json.Marshal(resp)

	record := idempotency.Record{
		RunID:      result.RunID,
		StatusCode: http.StatusCreated,
		Response:   body,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	}
	_ = s.store.Save(ctx, key, record)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
	s.metrics.incRun(mode, "created")
}

// writeRunError maps a pipeline failure to HTTP and records it under the
// idempotency key, so a same-key retry replays the failure with its
// partial-completion detail instead of starting a second run. Validation
// failures are the caller's fault; anything later is an upstream failure,
// reported with the steps that already committed so the caller can recover
// a partial run.
func (s *Server) writeRunError(ctx context.Context, w http.ResponseWriter, mode pipeline.Mode, key string, err error) {
	s.metrics.incRun(mode, "failed")

	status := http.StatusInternalServerError
	resp := runErrorResponse{Error: err.Error()}

	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		status = http.StatusBadGateway
		if stepErr.Step == pipeline.StepValidating || stepErr.Step == pipeline.StepResolvingAlchemist || stepErr.Step == pipeline.StepValidatingTag {
			status = http.StatusBadRequest
		}
		if stepErr.Partial() {
			status = http.StatusUnprocessableEntity
		}
		resp.FailedStep = string(stepErr.Step)
		resp.Partial = stepErr.Partial()
		resp.Committed = stepErr.Committed
	}

	body, _ := json.Marshal(resp)
	_ = s.store.Save(ctx, key, idempotency.Record{
		StatusCode: status,
		Response:   body,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseInt(r.URL.Query().Get("chainId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chainId", http.StatusBadRequest)
		return
	}
	if _, err := s.reg.Chain(chainID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ChainID int64                   `json:"chainId"`
		Assets  []registry.DepositAsset `json:"assets"`
	}{ChainID: chainID, Assets: s.reg.DepositAssetsFor(chainID)})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseInt(r.URL.Query().Get("chainId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chainId", http.StatusBadRequest)
		return
	}
	asset := registry.DepositAsset(r.URL.Query().Get("asset"))
	if !registry.IsDepositAsset(asset) {
		http.Error(w, "unknown deposit asset", http.StatusBadRequest)
		return
	}
	if _, err := s.reg.Chain(chainID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	rated := s.resolver.StrategiesFor(r.Context(), chainID, asset)
	out := make([]strategyResponse, len(rated))
	for i, v := range rated {
		out[i] = strategyResponse{
			Address:      v.Address,
			Label:        v.Label,
			Underlying:   v.UnderlyingSymbol,
			APR:          v.APR.String(),
			APRAvailable: v.Available,
			WETHGateway:  v.WETHGateway,
		}
	}

	writeJSON(w, http.StatusOK, struct {
		ChainID    int64              `json:"chainId"`
		Asset      string             `json:"asset"`
		Strategies []strategyResponse `json:"strategies"`
	}{ChainID: chainID, Asset: string(asset), Strategies: out})
}

// handleBalance reports an account's balance in asset together with the
// amount that can actually be committed to a deposit. For the native asset
// the configured gas reserve is held back.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chainID, err := strconv.ParseInt(q.Get("chainId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chainId", http.StatusBadRequest)
		return
	}
	account := q.Get("account")
	if account == "" {
		http.Error(w, "account is required", http.StatusBadRequest)
		return
	}
	asset := registry.DepositAsset(q.Get("asset"))
	if !registry.IsDepositAsset(asset) {
		http.Error(w, "unknown deposit asset", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	native := asset == registry.AssetETH

	var units *big.Int
	var assetDecimals int
	if native {
		chainMeta, err := s.reg.Chain(chainID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		units, err = s.chain.NativeBalance(ctx, account)
		if err != nil {
			http.Error(w, "balance lookup failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		assetDecimals = chainMeta.NativeDecimals
	} else {
		token, err := s.reg.TokenFor(chainID, asset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		units, err = s.chain.BalanceOf(ctx, token.Address, account)
		if err != nil {
			http.Error(w, "balance lookup failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		assetDecimals = token.Decimals
	}

	balance := decimal.NewFromBigInt(units, -int32(assetDecimals))
	reserve, err := decimal.NewFromString(s.cfg.Seed.Pipeline.GasReserve)
	if err != nil {
		reserve = decimal.Zero
	}

	writeJSON(w, http.StatusOK, struct {
		ChainID      int64  `json:"chainId"`
		Asset        string `json:"asset"`
		Balance      string `json:"balance"`
		MaxSpendable string `json:"maxSpendable"`
	}{
		ChainID:      chainID,
		Asset:        string(asset),
		Balance:      balance.String(),
		MaxSpendable: amounts.MaxSpendable(balance, native, reserve).String(),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.runs.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "run lookup failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
		Chains   []int64     `json:"chains"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Chains:   s.reg.ChainIDs(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
