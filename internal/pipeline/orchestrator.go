package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loantocard/internal/amounts"
	"loantocard/internal/chain"
	"loantocard/internal/journal"
	"loantocard/internal/registry"
	"loantocard/internal/topup"
)

// Config tunes the settlement waits inserted after deposit and mint
// confirmations. The graces bound how long the run polls for the on-chain
// effect to be reflected in dependent accounting; once the grace elapses the
// run proceeds regardless. A zero PollInterval degrades each wait to a plain
// fixed delay.
type Config struct {
	DepositGrace time.Duration
	MintGrace    time.Duration
	PollInterval time.Duration
}

// DefaultConfig mirrors the settlement windows the protocol frontends use.
func DefaultConfig() Config {
	return Config{
		DepositGrace: 15 * time.Second,
		MintGrace:    10 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// Orchestrator executes transaction plans. Collaborators are injected; a
// single Orchestrator serves many runs, but the caller must not start a
// second run for the same session while one is in flight.
type Orchestrator struct {
	chain    chain.Client
	reg      *registry.Registry
	provider topup.Provider
	store    journal.Store
	metrics  *Metrics
	log      *slog.Logger
	observer Observer
	cfg      Config
}

func New(c chain.Client, reg *registry.Registry, provider topup.Provider, store journal.Store, metrics *Metrics, log *slog.Logger, observer Observer, cfg Config) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = journal.NewMemoryStore()
	}
	return &Orchestrator{
		chain:    c,
		reg:      reg,
		provider: provider,
		store:    store,
		metrics:  metrics,
		log:      log,
		observer: observer,
		cfg:      cfg,
	}
}

// RunTopUp executes the full pipeline: preconditions, approve as needed,
// deposit, mint, fiat quote, top-up.
func (o *Orchestrator) RunTopUp(ctx context.Context, plan Plan) (*Result, error) {
	plan.Mode = ModeTopUp
	return o.execute(ctx, plan)
}

// RunBorrowOnly executes the truncated pipeline: deposit and mint only.
func (o *Orchestrator) RunBorrowOnly(ctx context.Context, plan Plan) (*Result, error) {
	plan.Mode = ModeBorrowOnly
	return o.execute(ctx, plan)
}

func (o *Orchestrator) execute(ctx context.Context, plan Plan) (*Result, error) {
	r := &run{
		o:       o,
		id:      uuid.NewString(),
		plan:    plan,
		started: time.Now(),
	}
	r.log = o.log.With("runId", r.id, "mode", string(plan.Mode))

	if o.metrics != nil {
		o.metrics.runStarted()
	}

	result, err := r.do(ctx)

	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	if o.metrics != nil {
		o.metrics.runFinished(plan.Mode, outcome, time.Since(r.started))
	}
	r.persist(err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// run owns the working set of one pipeline execution.
type run struct {
	o       *Orchestrator
	id      string
	plan    Plan
	started time.Time
	log     *slog.Logger

	committed  []journal.StepRecord
	failedStep Step
	settings   *topup.ServerSettings
}

func (r *run) emit(step Step, txHash string) {
	if r.o.observer != nil {
		r.o.observer(Event{RunID: r.id, Step: step, TxHash: txHash})
	}
}

func (r *run) emitProviderStep(step int) {
	if r.o.observer != nil {
		r.o.observer(Event{RunID: r.id, Step: StepToppingUp, ProviderStep: step})
	}
}

func (r *run) commit(step Step, txHash string) {
	r.committed = append(r.committed, journal.StepRecord{Step: string(step), TxHash: txHash})
}

func (r *run) fail(step Step, err error) *StepError {
	r.failedStep = step
	if r.o.metrics != nil {
		r.o.metrics.stepFailed(step)
	}
	committed := make([]journal.StepRecord, len(r.committed))
	copy(committed, r.committed)
	stepErr := &StepError{Step: step, Committed: committed, Err: err}
	r.log.Error("pipeline step failed", "step", string(step), "partial", stepErr.Partial(), "err", err)
	return stepErr
}

func (r *run) persist(runErr error) {
	rec := journal.Record{
		RunID:      r.id,
		Mode:       string(r.plan.Mode),
		ChainID:    r.plan.ChainID,
		Asset:      string(r.plan.DepositAsset),
		Amount:     r.plan.Amount,
		Steps:      r.committed,
		StartedAt:  r.started,
		FinishedAt: time.Now(),
	}
	if runErr != nil {
		rec.FailedStep = string(r.failedStep)
		rec.Error = runErr.Error()
		rec.Partial = len(r.committed) > 0
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.o.store.Save(saveCtx, rec); err != nil {
		r.log.Error("journal save failed", "err", err)
	}
}

func (r *run) do(ctx context.Context) (*Result, error) {
	// Validation: reject the plan before any network call.
	r.emit(StepValidating, "")
	amountDec, err := r.validate()
	if err != nil {
		return nil, r.fail(StepValidating, err)
	}

	// Resolve the synth mapping and every address up front; a gap in the
	// tables is fatal before anything moves.
	r.emit(StepResolvingAlchemist, "")
	res, err := r.resolve()
	if err != nil {
		return nil, r.fail(StepResolvingAlchemist, err)
	}

	if r.plan.Mode == ModeTopUp {
		if err := r.checkPreconditions(ctx); err != nil {
			return nil, err
		}
	}

	depositUnits := toUnits(amountDec, res.token.Decimals)

	result := &Result{RunID: r.id, Mode: r.plan.Mode}

	// Approval is skipped for the native path and whenever the existing
	// allowance already covers the deposit.
	if r.plan.DepositAsset != registry.AssetETH {
		if err := r.ensureAllowance(ctx, res, depositUnits, result); err != nil {
			return nil, err
		}
	}

	if err := r.deposit(ctx, res, depositUnits, result); err != nil {
		return nil, err
	}

	debt := amounts.ExpectedDebt(amountDec)
	mintUnits := toUnits(debt, res.synthToken.Decimals)

	if err := r.mint(ctx, res, mintUnits, result); err != nil {
		return nil, err
	}

	if r.plan.Mode == ModeBorrowOnly {
		r.commit(StepCompleted, "")
		r.emit(StepCompleted, "")
		result.Steps = r.committed
		r.log.Info("borrow completed", "deposit", result.DepositTx, "mint", result.MintTx)
		return result, nil
	}

	if err := r.convertAndTopUp(ctx, res, mintUnits, result); err != nil {
		return nil, err
	}

	r.commit(StepCompleted, "")
	r.emit(StepCompleted, "")
	result.Steps = r.committed
	r.log.Info("top-up completed", "deposit", result.DepositTx, "mint", result.MintTx, "fiat", result.FiatAmount)
	return result, nil
}

func (r *run) validate() (decimal.Decimal, error) {
	if r.o.chain == nil {
		return decimal.Zero, fmt.Errorf("chain client is not connected")
	}
	if r.plan.Account == "" {
		return decimal.Zero, fmt.Errorf("wallet account is required")
	}
	if !registry.IsDepositAsset(r.plan.DepositAsset) {
		return decimal.Zero, fmt.Errorf("invalid deposit asset: %s", r.plan.DepositAsset)
	}
	amountDec, err := decimal.NewFromString(r.plan.Amount)
	if err != nil || amountDec.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("invalid deposit amount: %q", r.plan.Amount)
	}
	if _, err := r.o.reg.Chain(r.plan.ChainID); err != nil {
		return decimal.Zero, err
	}
	token, err := r.o.reg.TokenFor(r.plan.ChainID, r.plan.DepositAsset)
	if err != nil {
		return decimal.Zero, err
	}
	// An amount finer than the token's smallest unit would silently scale
	// to fewer units than requested, possibly zero.
	if !amountDec.Shift(int32(token.Decimals)).IsInteger() {
		return decimal.Zero, fmt.Errorf("amount %s exceeds the %d decimal precision of %s", r.plan.Amount, token.Decimals, r.plan.DepositAsset)
	}

	candidates := r.o.reg.StrategiesFor(r.plan.ChainID, r.plan.DepositAsset)
	if len(candidates) == 0 {
		return decimal.Zero, fmt.Errorf("no strategies available for %s on chain %d", r.plan.DepositAsset, r.plan.ChainID)
	}
	for _, v := range candidates {
		if v.Address == r.plan.Strategy {
			return amountDec, nil
		}
	}
	return decimal.Zero, fmt.Errorf("strategy %s does not accept %s on chain %d", r.plan.Strategy, r.plan.DepositAsset, r.plan.ChainID)
}

// resolved is the address working set of one run.
type resolved struct {
	chainMeta  registry.Chain
	vault      registry.Vault
	alchemist  registry.Alchemist
	token      registry.Token
	synthToken registry.Token
	synth      registry.SynthAsset
}

func (r *run) resolve() (*resolved, error) {
	synth, err := registry.SynthFor(r.plan.DepositAsset)
	if err != nil {
		return nil, err
	}
	alchemist, err := r.o.reg.AlchemistFor(r.plan.ChainID, synth)
	if err != nil {
		return nil, err
	}
	token, err := r.o.reg.TokenFor(r.plan.ChainID, r.plan.DepositAsset)
	if err != nil {
		return nil, err
	}
	synthToken, err := r.o.reg.SynthTokenFor(r.plan.ChainID, synth)
	if err != nil {
		return nil, err
	}
	chainMeta, err := r.o.reg.Chain(r.plan.ChainID)
	if err != nil {
		return nil, err
	}
	vault, ok := r.o.reg.VaultByAddress(r.plan.ChainID, r.plan.Strategy)
	if !ok {
		return nil, fmt.Errorf("strategy %s not configured on chain %d", r.plan.Strategy, r.plan.ChainID)
	}
	if r.plan.DepositAsset == registry.AssetETH && vault.WETHGateway == "" {
		return nil, fmt.Errorf("strategy %s does not support native ETH deposits", vault.Address)
	}
	return &resolved{
		chainMeta:  chainMeta,
		vault:      vault,
		alchemist:  alchemist,
		token:      token,
		synthToken: synthToken,
		synth:      synth,
	}, nil
}

// checkPreconditions runs the provider reads that must pass before any funds
// move: the top-up feature gate and the recipient tag.
func (r *run) checkPreconditions(ctx context.Context) error {
	r.emit(StepCheckingServer, "")
	settings, err := r.o.provider.ServerSettings(ctx)
	if err != nil {
		return r.fail(StepCheckingServer, err)
	}
	if !settings.TopUpEnabled {
		return r.fail(StepCheckingServer, fmt.Errorf("top-up is currently disabled"))
	}
	r.settings = &settings

	r.emit(StepValidatingTag, "")
	valid, err := r.o.provider.ValidateTag(ctx, r.plan.Holytag)
	if err != nil {
		return r.fail(StepValidatingTag, err)
	}
	if !valid {
		return r.fail(StepValidatingTag, fmt.Errorf("invalid holytag: %s", r.plan.Holytag))
	}
	return nil
}

func (r *run) ensureAllowance(ctx context.Context, res *resolved, depositUnits *big.Int, result *Result) error {
	r.emit(StepCheckingAllowance, "")
	allowance, err := r.o.chain.Allowance(ctx, res.token.Address, r.plan.Account, res.alchemist.Address)
	if err != nil {
		return r.fail(StepCheckingAllowance, err)
	}
	if allowance.Cmp(depositUnits) >= 0 {
		r.log.Info("allowance sufficient, skipping approval", "allowance", allowance.String())
		return nil
	}

	r.emit(StepApproving, "")
	hash, err := r.o.chain.Approve(ctx, res.token.Address, res.alchemist.Address, depositUnits)
	if err != nil {
		return r.fail(StepApproving, err)
	}
	r.emit(StepApproving, hash)
	receipt, err := r.o.chain.WaitForReceipt(ctx, hash)
	if err != nil {
		return r.fail(StepApproving, err)
	}
	if !receipt.Succeeded() {
		return r.fail(StepApproving, fmt.Errorf("approve transaction failed: %s", hash))
	}
	result.ApproveTx = hash
	r.commit(StepApproving, hash)
	return nil
}

func (r *run) deposit(ctx context.Context, res *resolved, depositUnits *big.Int, result *Result) error {
	sharesBefore, sharesErr := r.o.chain.Shares(ctx, res.alchemist.Address, r.plan.Account, res.vault.Address)

	r.emit(StepDepositing, "")
	var hash string
	var err error
	if r.plan.DepositAsset == registry.AssetETH {
		hash, err = r.o.chain.DepositGateway(ctx, res.vault.WETHGateway, res.alchemist.Address, res.vault.Address, depositUnits, r.plan.Account)
	} else {
		hash, err = r.o.chain.DepositUnderlying(ctx, res.alchemist.Address, res.vault.Address, depositUnits, r.plan.Account)
	}
	if err != nil {
		return r.fail(StepDepositing, err)
	}
	r.emit(StepDepositing, hash)

	r.emit(StepAwaitingDeposit, hash)
	receipt, err := r.o.chain.WaitForReceipt(ctx, hash)
	if err != nil {
		return r.fail(StepAwaitingDeposit, err)
	}
	if !receipt.Succeeded() {
		return r.fail(StepAwaitingDeposit, fmt.Errorf("deposit transaction failed: %s", hash))
	}
	result.DepositTx = hash
	r.commit(StepDepositing, hash)

	// Vault accounting lags the receipt; wait for the position to reflect
	// the deposit, bounded by the configured grace.
	r.emit(StepDepositSettling, "")
	var observed func(context.Context) bool
	if sharesErr == nil {
		observed = func(ctx context.Context) bool {
			shares, err := r.o.chain.Shares(ctx, res.alchemist.Address, r.plan.Account, res.vault.Address)
			return err == nil && shares.Cmp(sharesBefore) > 0
		}
	}
	if err := r.waitSettled(ctx, r.o.cfg.DepositGrace, observed); err != nil {
		return r.fail(StepDepositSettling, err)
	}
	return nil
}

func (r *run) mint(ctx context.Context, res *resolved, mintUnits *big.Int, result *Result) error {
	r.emit(StepMinting, "")
	hash, err := r.o.chain.Mint(ctx, res.alchemist.Address, mintUnits, r.plan.Account)
	if err != nil {
		return r.fail(StepMinting, err)
	}
	r.emit(StepMinting, hash)

	r.emit(StepAwaitingMint, hash)
	receipt, err := r.o.chain.WaitForReceipt(ctx, hash)
	if err != nil {
		return r.fail(StepAwaitingMint, err)
	}
	if !receipt.Succeeded() {
		return r.fail(StepAwaitingMint, fmt.Errorf("mint transaction failed: %s", hash))
	}
	result.MintTx = hash
	r.commit(StepMinting, hash)

	if r.plan.Mode == ModeBorrowOnly {
		return nil
	}

	// Same indexing lag after the mint, with a shorter window.
	r.emit(StepMintSettling, "")
	observed := func(ctx context.Context) bool {
		balance, err := r.o.chain.BalanceOf(ctx, res.synthToken.Address, r.plan.Account)
		return err == nil && balance.Cmp(mintUnits) >= 0
	}
	if err := r.waitSettled(ctx, r.o.cfg.MintGrace, observed); err != nil {
		return r.fail(StepMintSettling, err)
	}
	return nil
}

func (r *run) convertAndTopUp(ctx context.Context, res *resolved, mintUnits *big.Int, result *Result) error {
	r.emit(StepResolvingDecimals, "")
	decimals, err := r.o.chain.Decimals(ctx, res.synthToken.Address)
	if err != nil {
		return r.fail(StepResolvingDecimals, err)
	}
	minted := fromUnits(mintUnits, int(decimals))
	result.MintedAmount = minted.String()

	r.emit(StepQuoting, "")
	network := topup.MapNetwork(res.chainMeta.Name)
	quote, err := r.o.provider.QuoteFiat(ctx, res.synthToken.Address, decimals, minted.String(), network)
	if err != nil {
		return r.fail(StepQuoting, err)
	}
	result.FiatAmount = quote.FiatAmount.String()
	r.log.Info("fiat quote received", "amount", minted.String(), "fiat", quote.FiatAmount.String(), "network", network)

	// The provider publishes its card-loading bounds with the feature gate.
	if r.settings != nil {
		if quote.FiatAmount.LessThan(r.settings.MinAmountEUR) {
			return r.fail(StepQuoting, fmt.Errorf("quoted %s EUR is below the provider minimum %s", quote.FiatAmount, r.settings.MinAmountEUR))
		}
		if r.settings.MaxAmountEUR.Sign() > 0 && quote.FiatAmount.GreaterThan(r.settings.MaxAmountEUR) {
			return r.fail(StepQuoting, fmt.Errorf("quoted %s EUR is above the provider maximum %s", quote.FiatAmount, r.settings.MaxAmountEUR))
		}
	}

	r.emit(StepToppingUp, "")
	hooks := topup.Hooks{
		OnHashGenerate: func(txHash string) {
			result.TopUpTx = txHash
			r.emit(StepToppingUp, txHash)
		},
		OnStepChange: r.emitProviderStep,
	}
	err = r.o.provider.ExecuteTopUp(ctx, topup.Request{
		Account:      r.plan.Account,
		TokenAddress: res.synthToken.Address,
		Decimals:     decimals,
		Amount:       minted.String(),
		Network:      network,
		Tag:          r.plan.Holytag,
		TransferData: quote.TransferData,
	}, hooks)
	if err != nil {
		return r.fail(StepToppingUp, err)
	}
	r.commit(StepToppingUp, result.TopUpTx)
	return nil
}

// waitSettled blocks until observed reports true, the grace elapses, or ctx
// is cancelled. With no observable condition, or a zero poll interval, it
// degrades to a plain fixed delay.
func (r *run) waitSettled(ctx context.Context, grace time.Duration, observed func(context.Context) bool) error {
	if grace <= 0 {
		return nil
	}
	if observed != nil && r.o.cfg.PollInterval > 0 && observed(ctx) {
		return nil
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	if observed == nil || r.o.cfg.PollInterval <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		}
	}

	ticker := time.NewTicker(r.o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if observed(ctx) {
				return nil
			}
		}
	}
}

func toUnits(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).BigInt()
}

func fromUnits(units *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -int32(decimals))
}
