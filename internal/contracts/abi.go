// Package contracts holds the ABI fragments the chain client binds against.
package contracts

// ERC20ABI covers the token surface the pipeline needs: allowance reads,
// approvals, decimals and balances.
const ERC20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// AlchemistABI covers collateral deposits, debt minting and the position
// read used to observe deposit settlement.
const AlchemistABI = `[
  {"inputs":[{"name":"yieldToken","type":"address"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"minimumAmountOut","type":"uint256"}],"name":"depositUnderlying","outputs":[{"name":"sharesIssued","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"owner","type":"address"},{"name":"yieldToken","type":"address"}],"name":"positions","outputs":[{"name":"shares","type":"uint256"},{"name":"lastAccruedWeight","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// WETHGatewayABI wraps native ETH into a WETH vault deposit.
const WETHGatewayABI = `[
  {"inputs":[{"name":"alchemist","type":"address"},{"name":"yieldToken","type":"address"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"minimumAmountOut","type":"uint256"}],"name":"depositUnderlying","outputs":[],"stateMutability":"payable","type":"function"}
]`
