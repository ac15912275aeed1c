package contracts

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VaultSnapshot is a read-only copy of the vault storage.
type VaultSnapshot struct {
	Address         common.Address
	Owner           common.Address
	Token           common.Address
	TrustedExecutor common.Address
	MaxPerTx        *big.Int
	DailyLimit      *big.Int
	SpentToday      *big.Int
	LastReset       time.Time
	Balance         *big.Int
}

// PolicyVault custodies a single token and releases it to merchants only
// within the configured ceilings. Every mutating call either applies fully
// or leaves the storage untouched.
type PolicyVault struct {
	address  common.Address
	owner    common.Address
	token    *Token
	executor common.Address
	policy   Policy
	window   Window
}

// NewPolicyVault initialises vault storage. The first window starts at now.
func NewPolicyVault(address, owner common.Address, token *Token, executor common.Address, policy Policy, now time.Time) *PolicyVault {
	return &PolicyVault{
		address:  address,
		owner:    owner,
		token:    token,
		executor: executor,
		policy:   Policy{MaxPerTx: valueOrZero(policy.MaxPerTx), DailyLimit: valueOrZero(policy.DailyLimit)},
		window:   Window{SpentToday: new(big.Int), LastReset: now},
	}
}

// Address returns the vault address.
func (v *PolicyVault) Address() common.Address { return v.address }

// Snapshot copies the current storage.
func (v *PolicyVault) Snapshot() VaultSnapshot {
	return VaultSnapshot{
		Address:         v.address,
		Owner:           v.owner,
		Token:           v.token.Address(),
		TrustedExecutor: v.executor,
		MaxPerTx:        valueOrZero(v.policy.MaxPerTx),
		DailyLimit:      valueOrZero(v.policy.DailyLimit),
		SpentToday:      valueOrZero(v.window.SpentToday),
		LastReset:       v.window.LastReset,
		Balance:         v.token.BalanceOf(v.address),
	}
}

// Deposit pulls amount from the caller using its token allowance.
func (v *PolicyVault) Deposit(from common.Address, amount *big.Int) (Deposited, error) {
	if err := v.token.TransferFrom(v.address, from, v.address, amount); err != nil {
		return Deposited{}, err
	}
	return Deposited{Vault: v.address, From: from, Amount: new(big.Int).Set(amount)}, nil
}

// Withdraw sends amount back to the owner.
func (v *PolicyVault) Withdraw(caller common.Address, amount *big.Int) (Withdrawn, error) {
	if caller != v.owner {
		return Withdrawn{}, ErrNotOwner
	}
	if amount == nil || amount.Sign() < 0 {
		return Withdrawn{}, ErrNegativeAmount
	}
	if v.token.BalanceOf(v.address).Cmp(amount) < 0 {
		return Withdrawn{}, ErrInsufficientBalance
	}
	if err := v.token.Transfer(v.address, v.owner, amount); err != nil {
		return Withdrawn{}, err
	}
	return Withdrawn{Vault: v.address, To: v.owner, Amount: new(big.Int).Set(amount)}, nil
}

// SetRules replaces both ceilings. The spend counter is left as is.
func (v *PolicyVault) SetRules(caller common.Address, maxPerTx, dailyLimit *big.Int) (RulesUpdated, error) {
	if caller != v.owner {
		return RulesUpdated{}, ErrNotOwner
	}
	if maxPerTx == nil || dailyLimit == nil || maxPerTx.Sign() < 0 || dailyLimit.Sign() < 0 {
		return RulesUpdated{}, ErrNegativeAmount
	}
	v.policy = Policy{MaxPerTx: new(big.Int).Set(maxPerTx), DailyLimit: new(big.Int).Set(dailyLimit)}
	return RulesUpdated{Vault: v.address, MaxPerTx: valueOrZero(maxPerTx), DailyLimit: valueOrZero(dailyLimit)}, nil
}

// SetTrustedExecutor replaces the key allowed to execute payments.
func (v *PolicyVault) SetTrustedExecutor(caller, executor common.Address) (TrustedExecutorUpdated, error) {
	if caller != v.owner {
		return TrustedExecutorUpdated{}, ErrNotOwner
	}
	if executor == (common.Address{}) {
		return TrustedExecutorUpdated{}, ErrZeroExecutor
	}
	v.executor = executor
	return TrustedExecutorUpdated{Vault: v.address, Executor: executor}, nil
}

// ExecutePayment releases amount to merchant on behalf of the owner.
func (v *PolicyVault) ExecutePayment(caller, merchant common.Address, amount *big.Int, now time.Time) (PaymentExecuted, error) {
	if caller != v.executor {
		return PaymentExecuted{}, ErrNotExecutor
	}
	window := v.window.Rollover(now)
	if err := CheckSpend(v.policy, window, amount); err != nil {
		return PaymentExecuted{}, err
	}
	if v.token.BalanceOf(v.address).Cmp(amount) < 0 {
		return PaymentExecuted{}, ErrInsufficientBalance
	}
	if err := v.token.Transfer(v.address, merchant, amount); err != nil {
		return PaymentExecuted{}, err
	}
	window.SpentToday.Add(window.SpentToday, amount)
	v.window = window
	return PaymentExecuted{Vault: v.address, Merchant: merchant, Amount: new(big.Int).Set(amount)}, nil
}
