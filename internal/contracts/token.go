package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an in-memory ERC20 ledger. It is not safe for concurrent use; the
// chain that owns it serializes every call.
type Token struct {
	address    common.Address
	symbol     string
	decimals   uint8
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// NewToken creates an empty token ledger.
func NewToken(address common.Address, symbol string, decimals uint8) *Token {
	return &Token{
		address:    address,
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Address returns the token contract address.
func (t *Token) Address() common.Address { return t.address }

// Symbol returns the ERC20 symbol.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the ERC20 decimals.
func (t *Token) Decimals() uint8 { return t.decimals }

// TotalSupply returns the amount minted so far.
func (t *Token) TotalSupply() *big.Int { return new(big.Int).Set(t.supply) }

// BalanceOf returns a copy of the holder's balance.
func (t *Token) BalanceOf(holder common.Address) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Allowance returns what spender may still pull from owner.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return new(big.Int)
}

// Mint credits amount to the holder.
func (t *Token) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrTransferToZero
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	t.balances[to] = new(big.Int).Add(t.BalanceOf(to), amount)
	t.supply.Add(t.supply, amount)
	return nil
}

// Approve sets the allowance of spender over the owner's tokens.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if spender == (common.Address{}) {
		return ErrTransferToZero
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves amount from one holder to another.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrTransferToZero
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	balance := t.BalanceOf(from)
	if balance.Cmp(amount) < 0 {
		return ErrTransferExceeds
	}
	t.balances[from] = balance.Sub(balance, amount)
	t.balances[to] = new(big.Int).Add(t.BalanceOf(to), amount)
	return nil
}

// TransferFrom moves tokens on behalf of from, consuming spender's allowance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	allowance := t.Allowance(from, spender)
	if allowance.Cmp(amount) < 0 {
		return ErrAllowanceExceeded
	}
	if err := t.Transfer(from, to, amount); err != nil {
		return err
	}
	if m, ok := t.allowances[from]; ok {
		m[spender] = allowance.Sub(allowance, amount)
	}
	return nil
}
