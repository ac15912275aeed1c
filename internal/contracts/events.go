package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a log entry emitted by one of the contracts.
type Event interface {
	EventName() string
	Emitter() common.Address
}

// Deposited is emitted when tokens enter a vault.
type Deposited struct {
	Vault  common.Address
	From   common.Address
	Amount *big.Int
}

// Withdrawn is emitted when the owner pulls tokens out of a vault.
type Withdrawn struct {
	Vault  common.Address
	To     common.Address
	Amount *big.Int
}

// RulesUpdated is emitted by setRules.
type RulesUpdated struct {
	Vault      common.Address
	MaxPerTx   *big.Int
	DailyLimit *big.Int
}

// TrustedExecutorUpdated is emitted by setTrustedExecutor.
type TrustedExecutorUpdated struct {
	Vault    common.Address
	Executor common.Address
}

// PaymentExecuted is emitted for every settled payment.
type PaymentExecuted struct {
	Vault    common.Address
	Merchant common.Address
	Amount   *big.Int
}

// PolicyVaultCreated is emitted by the factory.
type PolicyVaultCreated struct {
	Factory    common.Address
	Owner      common.Address
	Vault      common.Address
	Token      common.Address
	MaxPerTx   *big.Int
	DailyLimit *big.Int
}

// MerchantRegistered is emitted on first registration of an admin.
type MerchantRegistered struct {
	Registry      common.Address
	MerchantID    uint64
	Admin         common.Address
	PayoutAddress common.Address
}

// MerchantUpdated is emitted when the payout address changes.
type MerchantUpdated struct {
	Registry      common.Address
	MerchantID    uint64
	PayoutAddress common.Address
}

// MerchantStatusUpdated is emitted when a merchant is toggled.
type MerchantStatusUpdated struct {
	Registry   common.Address
	MerchantID uint64
	Active     bool
}

func (e Deposited) EventName() string { return "Deposited" }
func (e Withdrawn) EventName() string { return "Withdrawn" }
func (e RulesUpdated) EventName() string { return "RulesUpdated" }
func (e TrustedExecutorUpdated) EventName() string { return "TrustedExecutorUpdated" }
func (e PaymentExecuted) EventName() string { return "PaymentExecuted" }
func (e PolicyVaultCreated) EventName() string { return "PolicyVaultCreated" }
func (e MerchantRegistered) EventName() string { return "MerchantRegistered" }
func (e MerchantUpdated) EventName() string { return "MerchantUpdated" }
func (e MerchantStatusUpdated) EventName() string { return "MerchantStatusUpdated" }
func (e Deposited) Emitter() common.Address { return e.Vault }
func (e Withdrawn) Emitter() common.Address { return e.Vault }
func (e RulesUpdated) Emitter() common.Address { return e.Vault }
func (e TrustedExecutorUpdated) Emitter() common.Address { return e.Vault }
func (e PaymentExecuted) Emitter() common.Address { return e.Vault }
func (e PolicyVaultCreated) Emitter() common.Address { return e.Factory }
func (e MerchantRegistered) Emitter() common.Address { return e.Registry }
func (e MerchantUpdated) Emitter() common.Address { return e.Registry }
func (e MerchantStatusUpdated) Emitter() common.Address { return e.Registry }
