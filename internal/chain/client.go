// Package chain abstracts the on-chain interaction the pipeline depends on:
// ERC20 reads and approvals, vault deposits (direct or through the WETH
// gateway), synthetic debt minting, and receipt waits.
package chain

import (
	"context"
	"math/big"
)

// ReceiptStatusSuccess mirrors the EVM receipt status for a successful
// transaction.
const ReceiptStatusSuccess = uint64(1)

// Receipt is the settled outcome of a submitted transaction.
type Receipt struct {
	TxHash string
	Status uint64
}

func (r Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccess
}

// Client is the chain-facing port of the pipeline. Every method that submits
// a transaction returns its hash; callers must wait for the receipt before
// depending on the transaction's effect.
type Client interface {
	// Allowance reads the ERC20 allowance granted by owner to spender.
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	// Approve submits an ERC20 approval of amount for spender.
	Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error)
	// Decimals reads the ERC20 decimal precision of token.
	Decimals(ctx context.Context, token string) (uint8, error)
	// BalanceOf reads owner's ERC20 balance of token.
	BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	// NativeBalance reads owner's native-currency balance.
	NativeBalance(ctx context.Context, owner string) (*big.Int, error)

	// DepositUnderlying deposits amount of the vault's underlying ERC20
	// into yieldToken via the alchemist, crediting recipient.
	DepositUnderlying(ctx context.Context, alchemist, yieldToken string, amount *big.Int, recipient string) (string, error)
	// DepositGateway deposits native currency through a WETH gateway into
	// yieldToken, crediting recipient. amount travels as the tx value.
	DepositGateway(ctx context.Context, gateway, alchemist, yieldToken string, amount *big.Int, recipient string) (string, error)
	// Mint mints amount of synthetic debt against recipient's collateral.
	Mint(ctx context.Context, alchemist string, amount *big.Int, recipient string) (string, error)
	// Shares reads owner's vault shares recorded on the alchemist, the
	// observable condition used for deposit settlement.
	Shares(ctx context.Context, alchemist, owner, yieldToken string) (*big.Int, error)

	// WaitForReceipt blocks until the transaction is mined or ctx expires.
	WaitForReceipt(ctx context.Context, txHash string) (Receipt, error)
}

// HealthChecker is implemented by clients that can probe their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
