package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"loantocard/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient talks to an EVM node over RPC and signs with a configured key.
type EthClient struct {
	client    *ethclient.Client
	erc20     abi.ABI
	alchemist abi.ABI
	gateway   abi.ABI
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	erc20ABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	alchemistABI, err := abi.JSON(strings.NewReader(contracts.AlchemistABI))
	if err != nil {
		return nil, fmt.Errorf("parse alchemist abi: %w", err)
	}
	gatewayABI, err := abi.JSON(strings.NewReader(contracts.WETHGatewayABI))
	if err != nil {
		return nil, fmt.Errorf("parse gateway abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	return &EthClient{
		client:    cli,
		erc20:     erc20ABI,
		alchemist: alchemistABI,
		gateway:   gatewayABI,
		chainID:   chainID,
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) bound(address string, contractABI abi.ABI) (*bind.BoundContract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address: %s", address)
	}
	return bind.NewBoundContract(common.HexToAddress(address), contractABI, c.client, c.client, c.client), nil
}

func (c *EthClient) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	contract, err := c.bound(token, c.erc20)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender)); err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *EthClient) Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	contract, err := c.bound(token, c.erc20)
	if err != nil {
		return "", err
	}
	opts := *c.transacts
	opts.Context = ctx
	tx, err := contract.Transact(&opts, "approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", fmt.Errorf("approve tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Decimals(ctx context.Context, token string) (uint8, error) {
	contract, err := c.bound(token, c.erc20)
	if err != nil {
		return 0, err
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("read decimals: %w", err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (c *EthClient) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	contract, err := c.bound(token, c.erc20)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", common.HexToAddress(owner)); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *EthClient) NativeBalance(ctx context.Context, owner string) (*big.Int, error) {
	return c.client.BalanceAt(ctx, common.HexToAddress(owner), nil)
}

func (c *EthClient) DepositUnderlying(ctx context.Context, alchemist, yieldToken string, amount *big.Int, recipient string) (string, error) {
	contract, err := c.bound(alchemist, c.alchemist)
	if err != nil {
		return "", err
	}
	opts := *c.transacts
	opts.Context = ctx
	tx, err := contract.Transact(&opts, "depositUnderlying",
		common.HexToAddress(yieldToken), amount, common.HexToAddress(recipient), big.NewInt(0))
	if err != nil {
		return "", fmt.Errorf("deposit tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) DepositGateway(ctx context.Context, gateway, alchemist, yieldToken string, amount *big.Int, recipient string) (string, error) {
	contract, err := c.bound(gateway, c.gateway)
	if err != nil {
		return "", err
	}
	opts := *c.transacts
	opts.Context = ctx
	opts.Value = amount
	tx, err := contract.Transact(&opts, "depositUnderlying",
		common.HexToAddress(alchemist), common.HexToAddress(yieldToken), amount,
		common.HexToAddress(recipient), big.NewInt(0))
	if err != nil {
		return "", fmt.Errorf("gateway deposit tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Mint(ctx context.Context, alchemist string, amount *big.Int, recipient string) (string, error) {
	contract, err := c.bound(alchemist, c.alchemist)
	if err != nil {
		return "", err
	}
	opts := *c.transacts
	opts.Context = ctx
	tx, err := contract.Transact(&opts, "mint", amount, common.HexToAddress(recipient))
	if err != nil {
		return "", fmt.Errorf("mint tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Shares(ctx context.Context, alchemist, owner, yieldToken string) (*big.Int, error) {
	contract, err := c.bound(alchemist, c.alchemist)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "positions",
		common.HexToAddress(owner), common.HexToAddress(yieldToken)); err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// WaitForReceipt polls until the transaction is mined or ctx is cancelled.
func (c *EthClient) WaitForReceipt(ctx context.Context, txHash string) (Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	hash := common.HexToHash(txHash)
	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return Receipt{TxHash: txHash, Status: receipt.Status}, nil
		}
		if err != nil && err.Error() != "not found" {
			return Receipt{}, err
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
