package web3

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// VaultParams are the constructor arguments of a PolicyVault.
type VaultParams struct {
	Token           common.Address
	MaxPerTx        *big.Int
	DailyLimit      *big.Int
	TrustedExecutor common.Address
}

// VaultState is the live storage of a PolicyVault.
type VaultState struct {
	Address         common.Address
	Owner           common.Address
	Token           common.Address
	TrustedExecutor common.Address
	MaxPerTx        *big.Int
	DailyLimit      *big.Int
	SpentToday      *big.Int
	LastReset       time.Time
}

// TokenInfo is the ERC20 metadata needed to render amounts.
type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// MerchantRecord is a registry entry. ID 0 means the merchant is unknown.
type MerchantRecord struct {
	ID            uint64
	Admin         common.Address
	PayoutAddress common.Address
	Active        bool
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash       common.Hash
	BlockNumber  uint64
	Reverted     bool
	RevertReason string
}

// VaultCreation is the typed result of createPolicyVault.
type VaultCreation struct {
	Vault  common.Address
	Owner  common.Address
	TxHash common.Hash
}

// MerchantRegistration is the typed result of registerMerchant.
type MerchantRegistration struct {
	MerchantID uint64
	TxHash     common.Hash
}

// Client defines the chain operations the daemon relies on. Calls that take a
// from address are signed by that account; implementations return
// ErrSignerUnavailable when they hold no key for it. Mutating calls other
// than SubmitPayment wait for the receipt and fail on revert.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ChainID() uint64
	ExecutorAddress() common.Address
	LatestBlockTime(ctx context.Context) (time.Time, error)

	CreatePolicyVault(ctx context.Context, from common.Address, params VaultParams) (VaultCreation, error)
	UserVaults(ctx context.Context, owner common.Address) ([]common.Address, error)
	VaultState(ctx context.Context, vault common.Address) (VaultState, error)
	Deposit(ctx context.Context, from, vault common.Address, amount *big.Int) (Receipt, error)
	Withdraw(ctx context.Context, from, vault common.Address, amount *big.Int) (Receipt, error)
	SetRules(ctx context.Context, from, vault common.Address, maxPerTx, dailyLimit *big.Int) (Receipt, error)
	SetTrustedExecutor(ctx context.Context, from, vault, executor common.Address) (Receipt, error)

	// SubmitPayment sends executePayment signed by the executor key and
	// returns as soon as the transaction hash is known.
	SubmitPayment(ctx context.Context, vault, merchant common.Address, amount *big.Int) (common.Hash, error)
	// WaitReceipt blocks until the transaction is mined or ctx is done.
	WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
	// TransactionReceipt returns ErrReceiptNotFound while the transaction is
	// unknown or pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (Receipt, error)

	TokenInfo(ctx context.Context, token common.Address) (TokenInfo, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)

	RegisterMerchant(ctx context.Context, from, payout common.Address) (MerchantRegistration, error)
	UpdatePayoutAddress(ctx context.Context, from common.Address, merchantID uint64, payout common.Address) (Receipt, error)
	SetMerchantActive(ctx context.Context, from common.Address, merchantID uint64, active bool) (Receipt, error)
	Merchant(ctx context.Context, merchantID uint64) (MerchantRecord, error)
	MerchantIDByAdmin(ctx context.Context, admin common.Address) (uint64, error)

	Close()
}
