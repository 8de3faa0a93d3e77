// Package pipeline sequences the on-chain and provider operations that turn
// a collateral deposit into minted synthetic debt and, in top-up mode, a
// card top-up: approve, deposit, mint, quote, top-up. Every transaction is
// confirmed before the next step starts; nothing is retried or rolled back
// within a run.
package pipeline

import (
	"fmt"
	"strings"

	"loantocard/internal/journal"
	"loantocard/internal/registry"
)

// Mode selects the full top-up pipeline or the deposit+mint truncation.
type Mode string

const (
	ModeTopUp      Mode = "topup"
	ModeBorrowOnly Mode = "borrowOnly"
)

// Step names a pipeline state. Steps are entered strictly in order; a run
// that fails stops at its current step.
type Step string

const (
	StepValidating         Step = "validating"
	StepResolvingAlchemist Step = "resolvingAlchemist"
	StepCheckingServer     Step = "checkingServerAvailability"
	StepValidatingTag      Step = "validatingRecipientTag"
	StepCheckingAllowance  Step = "checkingAllowance"
	StepApproving          Step = "approving"
	StepDepositing         Step = "depositing"
	StepAwaitingDeposit    Step = "awaitingDepositReceipt"
	StepDepositSettling    Step = "awaitingDepositSettlement"
	StepMinting            Step = "minting"
	StepAwaitingMint       Step = "awaitingMintReceipt"
	StepMintSettling       Step = "awaitingMintSettlement"
	StepResolvingDecimals  Step = "resolvingSynthDecimals"
	StepQuoting            Step = "convertingToFiatQuote"
	StepToppingUp          Step = "toppingUp"
	StepCompleted          Step = "completed"
)

// Plan is a user-confirmed intent. It is consumed by exactly one run and
// never retried automatically.
type Plan struct {
	Mode         Mode
	ChainID      int64
	Account      string
	DepositAsset registry.DepositAsset
	Amount       string
	Strategy     string
	Holytag      string
}

// Event reports pipeline progress to an observer.
type Event struct {
	RunID        string
	Step         Step
	TxHash       string
	ProviderStep int
}

// Observer receives step events as the run advances.
type Observer func(Event)

// Result is the outcome of a completed run.
type Result struct {
	RunID        string
	Mode         Mode
	ApproveTx    string
	DepositTx    string
	MintTx       string
	TopUpTx      string
	MintedAmount string
	FiatAmount   string
	Steps        []journal.StepRecord
}

// StepError reports the step a run failed at together with the on-chain
// actions that had already been confirmed. Committed transactions stay
// on-chain; a non-empty Committed list is a partial completion, not a clean
// no-op failure.
type StepError struct {
	Step      Step
	Committed []journal.StepRecord
	Err       error
}

func (e *StepError) Error() string {
	if len(e.Committed) == 0 {
		return fmt.Sprintf("pipeline failed at %s: %v", e.Step, e.Err)
	}
	done := make([]string, len(e.Committed))
	for i, s := range e.Committed {
		done[i] = s.Step
	}
	return fmt.Sprintf("pipeline failed at %s after confirmed steps [%s]: %v",
		e.Step, strings.Join(done, ", "), e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Partial reports whether earlier on-chain steps were already committed.
func (e *StepError) Partial() bool {
	return len(e.Committed) > 0
}
