package contracts

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Factory deploys PolicyVaults for an allow-listed set of tokens and keeps
// an append-only index of vaults per owner.
type Factory struct {
	address common.Address
	nonce   uint64
	allowed map[common.Address]*Token
	vaults  map[common.Address]*PolicyVault
	byOwner map[common.Address][]common.Address
}

// NewFactory creates a factory accepting the given tokens.
func NewFactory(address common.Address, tokens ...*Token) *Factory {
	allowed := make(map[common.Address]*Token, len(tokens))
	for _, t := range tokens {
		if t != nil {
			allowed[t.Address()] = t
		}
	}
	return &Factory{
		address: address,
		nonce:   1,
		allowed: allowed,
		vaults:  make(map[common.Address]*PolicyVault),
		byOwner: make(map[common.Address][]common.Address),
	}
}

// Address returns the factory address.
func (f *Factory) Address() common.Address { return f.address }

// IsAllowed reports whether vaults may be created for token.
func (f *Factory) IsAllowed(token common.Address) bool {
	_, ok := f.allowed[token]
	return ok
}

// CreatePolicyVault deploys a vault owned by caller. The address is derived
// from the factory address and its deployment nonce like a CREATE opcode.
func (f *Factory) CreatePolicyVault(caller, token common.Address, maxPerTx, dailyLimit *big.Int, executor common.Address, now time.Time) (*PolicyVault, PolicyVaultCreated, error) {
	asset, ok := f.allowed[token]
	if !ok {
		return nil, PolicyVaultCreated{}, ErrTokenNotAllowed
	}
	if maxPerTx == nil || dailyLimit == nil || maxPerTx.Sign() < 0 || dailyLimit.Sign() < 0 {
		return nil, PolicyVaultCreated{}, ErrNegativeAmount
	}
	if executor == (common.Address{}) {
		return nil, PolicyVaultCreated{}, ErrZeroExecutor
	}

	address := crypto.CreateAddress(f.address, f.nonce)
	f.nonce++

	vault := NewPolicyVault(address, caller, asset, executor, Policy{MaxPerTx: maxPerTx, DailyLimit: dailyLimit}, now)
	f.vaults[address] = vault
	f.byOwner[caller] = append(f.byOwner[caller], address)

	return vault, PolicyVaultCreated{
		Factory:    f.address,
		Owner:      caller,
		Vault:      address,
		Token:      token,
		MaxPerTx:   valueOrZero(maxPerTx),
		DailyLimit: valueOrZero(dailyLimit),
	}, nil
}

// Vault returns a deployed vault by address.
func (f *Factory) Vault(address common.Address) (*PolicyVault, bool) {
	v, ok := f.vaults[address]
	return v, ok
}

// UserVaults returns the owner's vaults in creation order.
func (f *Factory) UserVaults(owner common.Address) []common.Address {
	list := f.byOwner[owner]
	out := make([]common.Address, len(list))
	copy(out, list)
	return out
}
