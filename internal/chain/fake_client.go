package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// FakeClient emulates the chain for tests and for running the service
// without a signing key. It records every operation in order, supports
// per-operation failure injection, and reflects deposits and mints in its
// share/balance reads so settlement polls observe them.
type FakeClient struct {
	mu   sync.Mutex
	seq  int
	ops  []string
	txns map[string]string // hash -> op

	AllowanceValue *big.Int
	DecimalsValue  map[string]uint8
	Balances       map[string]*big.Int
	NativeValue    *big.Int
	shares         *big.Int

	// MintToken is the balance key credited by Mint, so settlement polls
	// against the synth token address observe the minted amount.
	MintToken string

	// Errs injects an error for the named operation (allowance, approve,
	// deposit, gatewayDeposit, mint, decimals, receipt).
	Errs map[string]error
	// FailedReceipts marks ops whose receipt reports a non-success status.
	FailedReceipts map[string]bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		txns:           make(map[string]string),
		AllowanceValue: big.NewInt(0),
		DecimalsValue:  make(map[string]uint8),
		Balances:       make(map[string]*big.Int),
		NativeValue:    big.NewInt(0),
		shares:         big.NewInt(0),
		Errs:           make(map[string]error),
		FailedReceipts: make(map[string]bool),
	}
}

// Ops returns the recorded operation names in submission order.
func (f *FakeClient) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

// CountOp returns how many times op was recorded.
func (f *FakeClient) CountOp(op string) int {
	n := 0
	for _, o := range f.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (f *FakeClient) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return f.Errs[op]
}

func (f *FakeClient) submit(op string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if err := f.Errs[op]; err != nil {
		return "", err
	}
	f.seq++
	hash := fmt.Sprintf("0xfake%04d", f.seq)
	f.txns[hash] = op
	return hash, nil
}

func (f *FakeClient) Allowance(_ context.Context, _, _, _ string) (*big.Int, error) {
	if err := f.record("allowance"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.AllowanceValue), nil
}

func (f *FakeClient) Approve(_ context.Context, _, _ string, amount *big.Int) (string, error) {
	hash, err := f.submit("approve")
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.AllowanceValue = new(big.Int).Set(amount)
	f.mu.Unlock()
	return hash, nil
}

func (f *FakeClient) Decimals(_ context.Context, token string) (uint8, error) {
	if err := f.record("decimals"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.DecimalsValue[token]; ok {
		return d, nil
	}
	return 18, nil
}

func (f *FakeClient) BalanceOf(_ context.Context, token, _ string) (*big.Int, error) {
	if err := f.record("balanceOf"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Balances[token]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) NativeBalance(_ context.Context, _ string) (*big.Int, error) {
	if err := f.record("nativeBalance"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.NativeValue), nil
}

func (f *FakeClient) DepositUnderlying(_ context.Context, _, _ string, amount *big.Int, _ string) (string, error) {
	hash, err := f.submit("deposit")
	if err != nil {
		return "", err
	}
	f.creditShares("deposit", amount)
	return hash, nil
}

func (f *FakeClient) DepositGateway(_ context.Context, _, _, _ string, amount *big.Int, _ string) (string, error) {
	hash, err := f.submit("gatewayDeposit")
	if err != nil {
		return "", err
	}
	f.creditShares("gatewayDeposit", amount)
	return hash, nil
}

func (f *FakeClient) creditShares(op string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailedReceipts[op] {
		return
	}
	f.shares = new(big.Int).Add(f.shares, amount)
}

func (f *FakeClient) Mint(_ context.Context, _ string, amount *big.Int, _ string) (string, error) {
	hash, err := f.submit("mint")
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	if !f.FailedReceipts["mint"] {
		key := f.MintToken
		if key == "" {
			key = "minted"
		}
		f.Balances[key] = new(big.Int).Add(f.balanceLocked(key), amount)
	}
	f.mu.Unlock()
	return hash, nil
}

func (f *FakeClient) balanceLocked(token string) *big.Int {
	if b, ok := f.Balances[token]; ok {
		return b
	}
	return big.NewInt(0)
}

func (f *FakeClient) Shares(_ context.Context, _, _, _ string) (*big.Int, error) {
	if err := f.record("shares"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.shares), nil
}

func (f *FakeClient) WaitForReceipt(_ context.Context, txHash string) (Receipt, error) {
	if err := f.record("receipt"); err != nil {
		return Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.txns[txHash]
	if !ok {
		return Receipt{}, fmt.Errorf("unknown transaction %s", txHash)
	}
	status := ReceiptStatusSuccess
	if f.FailedReceipts[op] {
		status = 0
	}
	return Receipt{TxHash: txHash, Status: status}, nil
}

func (f *FakeClient) Ping(_ context.Context) error {
	return nil
}
