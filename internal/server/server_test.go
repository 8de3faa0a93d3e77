package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"loantocard/internal/chain"
	"loantocard/internal/config"
	"loantocard/internal/hmacauth"
	"loantocard/internal/idempotency"
	"loantocard/internal/journal"
	"loantocard/internal/pipeline"
	"loantocard/internal/rates"
	"loantocard/internal/registry"
	"loantocard/internal/topup"
)

const hmacSecret = "test-secret"

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.ChainConfig{
		{
			Chain: registry.Chain{ID: 1, Name: "Ethereum", NativeSymbol: "ETH", NativeDecimals: 18},
			Tokens: []registry.Token{
				{Symbol: "WETH", Address: "0xweth", Decimals: 18},
				{Symbol: "USDC", Address: "0xusdc", Decimals: 6},
			},
			Vaults: []registry.Vault{
				{Address: "0xv1", Label: "yvWETH", UnderlyingSymbol: "WETH", YieldSymbol: "yvWETH", WETHGateway: "0xgw"},
				{Address: "0xv3", Label: "yvUSDC", UnderlyingSymbol: "USDC", YieldSymbol: "yvUSDC"},
			},
			Alchemists: []registry.Alchemist{
				{Address: "0xalusd", SynthType: registry.SynthALUSD},
				{Address: "0xaleth", SynthType: registry.SynthALETH},
			},
			SynthTokens: map[registry.SynthAsset]registry.Token{
				registry.SynthALUSD: {Symbol: "alUSD", Address: "0xsalusd", Decimals: 18},
				registry.SynthALETH: {Symbol: "alETH", Address: "0xsaleth", Decimals: 18},
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

type harness struct {
	srv      *Server
	chain    *chain.FakeClient
	provider *topup.FakeProvider
	runs     *journal.MemoryStore
	idem     *idempotency.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:          0,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
	cfg.Seed.Secrets.HMACSalt = hmacSecret
	cfg.Seed.Pipeline.GasReserve = "0.01"

	reg := testRegistry(t)
	fakeChain := chain.NewFakeClient()
	fakeChain.MintToken = "0xsalusd"
	provider := topup.NewFakeProvider()
	provider.ValidTags["alice"] = true
	runs := journal.NewMemoryStore()
	idem := idempotency.NewMemoryStore()

	orch := pipeline.New(fakeChain, reg, provider, runs, nil, nil, nil, pipeline.Config{
		DepositGrace: 50 * time.Millisecond,
		MintGrace:    50 * time.Millisecond,
		PollInterval: time.Millisecond,
	})

	source := rates.StaticSource{Rates: map[string]decimal.Decimal{
		"0xusdc": decimal.NewFromFloat(3.5),
		"0xweth": decimal.NewFromFloat(1.2),
	}}
	resolver := rates.NewResolver(source, reg, nil)

	srv := NewServer(cfg, Deps{
		Orchestrator: orch,
		Resolver:     resolver,
		Registry:     reg,
		Runs:         runs,
		Idempotency:  idem,
		Chain:        fakeChain,
		Pipeline:     pipeline.NewMetrics(),
	})

	return &harness{srv: srv, chain: fakeChain, provider: provider, runs: runs, idem: idem}
}

func signedRequest(t *testing.T, method, target string, body []byte, idemKey string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hmacauth.Sign(hmacSecret, ts, body))
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	return req
}

func topUpBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(runRequest{
		ChainID:  1,
		Account:  "0xme",
		Asset:    "USDC",
		Amount:   "100",
		Strategy: "0xv3",
		Holytag:  "alice",
		Confirm:  true,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestTopUpRunAndIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	body := topUpBody(t)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/topups", body, "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RunID == "" || resp.Status != "completed" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.FiatAmount != "50" {
		t.Fatalf("fiat amount = %q, want 50", resp.FiatAmount)
	}

	first := rec.Body.Bytes()

	rec2 := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec2, signedRequest(t, http.MethodPost, "/api/v1/topups", body, "key-1"))
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected identical body on replay")
	}
	if n := h.chain.CountOp("deposit"); n != 1 {
		t.Fatalf("expected one deposit across replayed requests, got %d", n)
	}
}

func TestTopUpRequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/topups", topUpBody(t), ""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if len(h.chain.Ops()) != 0 {
		t.Fatalf("expected no chain activity, got %v", h.chain.Ops())
	}
}

func TestTopUpRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(runRequest{
		ChainID:  1,
		Account:  "0xme",
		Asset:    "USDC",
		Amount:   "100",
		Strategy: "0xv3",
		Holytag:  "alice",
	})

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/topups", body, "key-c"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unconfirmed plan, got %d", rec.Code)
	}
	if len(h.chain.Ops()) != 0 {
		t.Fatalf("expected no chain activity, got %v", h.chain.Ops())
	}
}

func TestTopUpRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	body := topUpBody(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/topups", bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", "deadbeef")
	req.Header.Set("X-Idempotency-Key", "key-x")

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestBorrowRunSkipsProvider(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(runRequest{
		ChainID:  1,
		Account:  "0xme",
		Asset:    "USDC",
		Amount:   "100",
		Strategy: "0xv3",
		Confirm:  true,
	})

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/borrows", body, "key-b"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Mode != "borrowOnly" {
		t.Fatalf("mode = %q, want borrowOnly", resp.Mode)
	}
	if resp.FiatAmount != "" || resp.TopUpTx != "" {
		t.Fatalf("borrow response should carry no fiat fields: %+v", resp)
	}
	if calls := h.provider.Calls(); len(calls) != 0 {
		t.Fatalf("expected no provider calls, got %v", calls)
	}
}

func TestTopUpFailureReportsFailedStep(t *testing.T) {
	h := newHarness(t)
	h.provider.Settings = topup.ServerSettings{TopUpEnabled: false}

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/topups", topUpBody(t), "key-f"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp runErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.FailedStep != "checkingServerAvailability" {
		t.Fatalf("failedStep = %q", resp.FailedStep)
	}
	if resp.Partial {
		t.Fatalf("nothing moved on-chain; failure must not be partial")
	}
	if len(h.chain.Ops()) != 0 {
		t.Fatalf("expected no chain activity, got %v", h.chain.Ops())
	}
}

func TestFailedRunReplaysRecordedOutcome(t *testing.T) {
	h := newHarness(t)
	h.chain.Errs["mint"] = errors.New("alchemist reverted")
	body := topUpBody(t)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/topups", body, "key-r"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp runErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.FailedStep != "minting" || !resp.Partial {
		t.Fatalf("unexpected failure detail: %+v", resp)
	}

	// The same key must replay the recorded failure, not run the pipeline
	// again with a fresh deposit.
	rec2 := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec2, signedRequest(t, http.MethodPost, "/api/v1/topups", body, "key-r"))
	if rec2.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected replayed 422 got %d: %s", rec2.Code, rec2.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("expected identical body on replay")
	}
	if n := h.chain.CountOp("deposit"); n != 1 {
		t.Fatalf("expected one deposit across retried requests, got %d", n)
	}
}

func TestInFlightKeyIsRejected(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	if _, err := h.idem.Reserve(context.Background(), "key-busy", idempotency.Record{
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/topups", topUpBody(t), "key-busy"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(h.chain.Ops()) != 0 {
		t.Fatalf("expected no chain activity, got %v", h.chain.Ops())
	}
}

func TestPreview(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(previewRequest{
		Mode:     "topup",
		ChainID:  1,
		Asset:    "USDC",
		Amount:   "100",
		Strategy: "0xv3",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/topups/preview", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var conf struct {
		ExpectedDebt string `json:"expectedDebt"`
		LoanAsset    string `json:"loanAsset"`
		APRAvailable bool   `json:"aprAvailable"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &conf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conf.ExpectedDebt != "50" {
		t.Fatalf("expectedDebt = %q, want 50", conf.ExpectedDebt)
	}
	if conf.LoanAsset != "alUSD" {
		t.Fatalf("loanAsset = %q, want alUSD", conf.LoanAsset)
	}
	if !conf.APRAvailable {
		t.Fatalf("expected APR from the static feed to be available")
	}
}

func TestPreviewRejectsUnknownStrategy(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(previewRequest{
		ChainID:  1,
		Asset:    "USDC",
		Amount:   "100",
		Strategy: "0xnope",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/topups/preview", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestPreviewRejectsUnknownMode(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(previewRequest{
		Mode:     "instant",
		ChainID:  1,
		Asset:    "USDC",
		Amount:   "100",
		Strategy: "0xv3",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/topups/preview", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestStrategiesFiltersByGateway(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/strategies?chainId=1&asset=ETH", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Strategies []strategyResponse `json:"strategies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Strategies) != 1 || resp.Strategies[0].Address != "0xv1" {
		t.Fatalf("expected only the gateway WETH vault, got %+v", resp.Strategies)
	}
	if resp.Strategies[0].APR != "1.2" || !resp.Strategies[0].APRAvailable {
		t.Fatalf("unexpected APR annotation: %+v", resp.Strategies[0])
	}
}

func TestAssetsListsDepositableAssets(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/assets?chainId=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Assets []string `json:"assets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := map[string]bool{}
	for _, a := range resp.Assets {
		got[a] = true
	}
	// WETH tokens make both WETH and native ETH depositable.
	for _, want := range []string{"ETH", "WETH", "USDC"} {
		if !got[want] {
			t.Errorf("assets = %v, missing %s", resp.Assets, want)
		}
	}

	missing := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/v1/assets?chainId=999", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chain, got %d", missing.Code)
	}
}

func TestBalanceHoldsBackGasReserve(t *testing.T) {
	h := newHarness(t)
	h.chain.NativeValue = new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))
	h.chain.Balances["0xusdc"] = big.NewInt(5_000_000)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/balance?chainId=1&asset=ETH&account=0xme", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Balance      string `json:"balance"`
		MaxSpendable string `json:"maxSpendable"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != "2" || resp.MaxSpendable != "1.99" {
		t.Fatalf("native balance = %q max = %q", resp.Balance, resp.MaxSpendable)
	}

	rec2 := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/v1/balance?chainId=1&asset=USDC&account=0xme", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec2.Code, rec2.Body.String())
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != "5" || resp.MaxSpendable != "5" {
		t.Fatalf("erc20 balance = %q max = %q; no reserve applies", resp.Balance, resp.MaxSpendable)
	}
}

func TestRunLookup(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/topups", topUpBody(t), "key-r"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("run failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	getRec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+resp.RunID, nil))
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", getRec.Code)
	}
	var record journal.Record
	if err := json.Unmarshal(getRec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.RunID != resp.RunID || !record.Completed() {
		t.Fatalf("unexpected record: %+v", record)
	}

	missing := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", missing.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}
