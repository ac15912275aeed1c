package simulated

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ShadowStream/internal/contracts"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Option customises a simulated chain.
type Option func(*Client)

// WithClock replaces the wall clock used for block timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithName sets the name reported in chain snapshots.
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

type txRecord struct {
	receipt web3.Receipt
	events  []contracts.Event
}

// Client is an in-process chain running the ShadowStream contracts. Every
// transaction is mined immediately in its own block, in call order, and every
// account is treated as unlocked.
type Client struct {
	mu       sync.Mutex
	name     string
	chainID  uint64
	notes    string
	now      func() time.Time
	offset   time.Duration
	executor common.Address

	tokens   map[common.Address]*contracts.Token
	factory  *contracts.Factory
	registry *contracts.Registry
	receipts map[common.Hash]txRecord
	block    uint64
	txCount  uint64
}

var _ web3.Client = (*Client)(nil)

// New deploys the factory, registry and allow-listed tokens described by def.
// The executor key signs payments; its address is the default trusted
// executor of new vaults.
func New(executorKey *ecdsa.PrivateKey, def web3.ChainDefinition, opts ...Option) (*Client, error) {
	if executorKey == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "executor key is required")
	}
	executor := crypto.PubkeyToAddress(executorKey.PublicKey)
	chainID := def.ChainID
	if chainID == 0 {
		chainID = web3.DefaultChainID
	}
	tokensDef := def.Tokens
	if len(tokensDef) == 0 {
		tokensDef = web3.DefaultTokens()
	}

	c := &Client{
		name:     "simulated",
		chainID:  chainID,
		notes:    def.Description,
		now:      time.Now,
		executor: executor,
		tokens:   make(map[common.Address]*contracts.Token),
		receipts: make(map[common.Hash]txRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	allowed := make([]*contracts.Token, 0, len(tokensDef))
	for _, t := range tokensDef {
		if !common.IsHexAddress(t.Address) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("token %s has invalid address", t.Symbol))
		}
		decimals := t.Decimals
		if decimals == 0 {
			decimals = web3.StablecoinDecimals
		}
		token := contracts.NewToken(common.HexToAddress(t.Address), t.Symbol, decimals)
		c.tokens[token.Address()] = token
		allowed = append(allowed, token)
	}

	factoryAddr := crypto.CreateAddress(executor, 0)
	if common.IsHexAddress(def.FactoryAddress) {
		factoryAddr = common.HexToAddress(def.FactoryAddress)
	}
	registryAddr := crypto.CreateAddress(executor, 1)
	if common.IsHexAddress(def.RegistryAddress) {
		registryAddr = common.HexToAddress(def.RegistryAddress)
	}
	c.factory = contracts.NewFactory(factoryAddr, allowed...)
	c.registry = contracts.NewRegistry(registryAddr)

	for _, g := range def.Genesis {
		tokenDef, ok := web3.ChainDefinition{Tokens: tokensDef}.ResolveToken(g.Token)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("genesis token %s is not allow-listed", g.Token))
		}
		if !common.IsHexAddress(g.Account) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("genesis account %q is invalid", g.Account))
		}
		amount, err := web3.ParseUnits(g.Amount, tokenDef.Decimals)
		if err != nil {
			return nil, err
		}
		token := c.tokens[common.HexToAddress(tokenDef.Address)]
		if err := token.Mint(common.HexToAddress(g.Account), amount); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FactoryAddress returns the deployed factory address.
func (c *Client) FactoryAddress() common.Address { return c.factory.Address() }

// RegistryAddress returns the deployed registry address.
func (c *Client) RegistryAddress() common.Address { return c.registry.Address() }

// AdjustTime moves the chain clock forward, like evm_increaseTime.
func (c *Client) AdjustTime(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

// Mint credits tokens to an account. Only available on the simulated chain.
func (c *Client) Mint(token, to common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[token]
	if !ok {
		return contracts.ErrTokenNotAllowed
	}
	return t.Mint(to, amount)
}

// Events returns the events emitted by a mined transaction.
func (c *Client) Events(hash common.Hash) []contracts.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.receipts[hash]
	if !ok {
		return nil
	}
	out := make([]contracts.Event, len(rec.events))
	copy(out, rec.events)
	return out
}

func (c *Client) blockTime() time.Time {
	return c.now().Add(c.offset)
}

// mine runs fn as one transaction. Callers hold c.mu. A failing fn produces
// a reverted receipt carrying the revert reason.
func (c *Client) mine(from common.Address, method string, fn func(now time.Time) ([]contracts.Event, error)) (web3.Receipt, []contracts.Event, error) {
	c.txCount++
	c.block++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], c.txCount)
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], c.chainID)
	hash := crypto.Keccak256Hash(chain[:], nonce[:], from.Bytes(), []byte(method))

	events, err := fn(c.blockTime())
	receipt := web3.Receipt{TxHash: hash, BlockNumber: c.block}
	if err != nil {
		receipt.Reverted = true
		receipt.RevertReason = revertReason(err)
		events = nil
	}
	c.receipts[hash] = txRecord{receipt: receipt, events: events}
	return receipt, events, err
}

func revertReason(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

func (c *Client) vault(address common.Address) (*contracts.PolicyVault, error) {
	v, ok := c.factory.Vault(address)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("vault %s not found", address.Hex()))
	}
	return v, nil
}

// FetchChainSnapshot reports the chain id and current block.
func (c *Client) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     fmt.Sprintf("0x%x", c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", c.block),
		Notes:       strings.TrimSpace("simulated " + c.notes),
	}, nil
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() uint64 { return c.chainID }

// ExecutorAddress returns the address that signs payments.
func (c *Client) ExecutorAddress() common.Address { return c.executor }

// LatestBlockTime returns the timestamp the next block will carry.
func (c *Client) LatestBlockTime(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockTime(), nil
}

// CreatePolicyVault deploys a vault owned by from.
func (c *Client) CreatePolicyVault(_ context.Context, from common.Address, params web3.VaultParams) (web3.VaultCreation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var created contracts.PolicyVaultCreated
	receipt, _, err := c.mine(from, "createPolicyVault", func(now time.Time) ([]contracts.Event, error) {
		_, ev, err := c.factory.CreatePolicyVault(from, params.Token, params.MaxPerTx, params.DailyLimit, params.TrustedExecutor, now)
		if err != nil {
			return nil, err
		}
		created = ev
		return []contracts.Event{ev}, nil
	})
	if err != nil {
		return web3.VaultCreation{}, err
	}
	return web3.VaultCreation{Vault: created.Vault, Owner: created.Owner, TxHash: receipt.TxHash}, nil
}

// UserVaults lists the owner's vaults in creation order.
func (c *Client) UserVaults(_ context.Context, owner common.Address) ([]common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.factory.UserVaults(owner), nil
}

// VaultState reads the vault storage.
func (c *Client) VaultState(_ context.Context, address common.Address) (web3.VaultState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vault(address)
	if err != nil {
		return web3.VaultState{}, err
	}
	snap := v.Snapshot()
	return web3.VaultState{
		Address:         snap.Address,
		Owner:           snap.Owner,
		Token:           snap.Token,
		TrustedExecutor: snap.TrustedExecutor,
		MaxPerTx:        snap.MaxPerTx,
		DailyLimit:      snap.DailyLimit,
		SpentToday:      snap.SpentToday,
		LastReset:       snap.LastReset,
	}, nil
}

// Deposit approves the vault and deposits in one step.
func (c *Client) Deposit(_ context.Context, from, vault common.Address, amount *big.Int) (web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vault(vault)
	if err != nil {
		return web3.Receipt{}, err
	}
	token := c.tokens[v.Snapshot().Token]
	receipt, _, err := c.mine(from, "deposit", func(time.Time) ([]contracts.Event, error) {
		if err := token.Approve(from, vault, amount); err != nil {
			return nil, err
		}
		ev, err := v.Deposit(from, amount)
		if err != nil {
			return nil, err
		}
		return []contracts.Event{ev}, nil
	})
	return receipt, err
}

// Withdraw returns funds to the owner.
func (c *Client) Withdraw(_ context.Context, from, vault common.Address, amount *big.Int) (web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vault(vault)
	if err != nil {
		return web3.Receipt{}, err
	}
	receipt, _, err := c.mine(from, "withdraw", func(time.Time) ([]contracts.Event, error) {
		ev, err := v.Withdraw(from, amount)
		if err != nil {
			return nil, err
		}
		return []contracts.Event{ev}, nil
	})
	return receipt, err
}

// SetRules replaces the vault ceilings.
func (c *Client) SetRules(_ context.Context, from, vault common.Address, maxPerTx, dailyLimit *big.Int) (web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vault(vault)
	if err != nil {
		return web3.Receipt{}, err
	}
	receipt, _, err := c.mine(from, "setRules", func(time.Time) ([]contracts.Event, error) {
		ev, err := v.SetRules(from, maxPerTx, dailyLimit)
		if err != nil {
			return nil, err
		}
		return []contracts.Event{ev}, nil
	})
	return receipt, err
}

// SetTrustedExecutor replaces the vault executor.
func (c *Client) SetTrustedExecutor(_ context.Context, from, vault, executor common.Address) (web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vault(vault)
	if err != nil {
		return web3.Receipt{}, err
	}
	receipt, _, err := c.mine(from, "setTrustedExecutor", func(time.Time) ([]contracts.Event, error) {
		ev, err := v.SetTrustedExecutor(from, executor)
		if err != nil {
			return nil, err
		}
		return []contracts.Event{ev}, nil
	})
	return receipt, err
}

// SubmitPayment mines executePayment signed by the executor. A revert still
// yields a hash; the failure is visible through the receipt.
func (c *Client) SubmitPayment(_ context.Context, vault, merchant common.Address, amount *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vault(vault)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, _, _ := c.mine(c.executor, "executePayment", func(now time.Time) ([]contracts.Event, error) {
		ev, err := v.ExecutePayment(c.executor, merchant, amount, now)
		if err != nil {
			return nil, err
		}
		return []contracts.Event{ev}, nil
	})
	return receipt.TxHash, nil
}

// WaitReceipt returns the receipt of a mined transaction.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return web3.Receipt{}, err
	}
	return c.TransactionReceipt(ctx, hash)
}

// TransactionReceipt looks up a mined transaction.
func (c *Client) TransactionReceipt(_ context.Context, hash common.Hash) (web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.receipts[hash]
	if !ok {
		return web3.Receipt{}, web3.ErrReceiptNotFound
	}
	return rec.receipt, nil
}

// TokenInfo returns ERC20 metadata.
func (c *Client) TokenInfo(_ context.Context, token common.Address) (web3.TokenInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[token]
	if !ok {
		return web3.TokenInfo{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("token %s not deployed", token.Hex()))
	}
	return web3.TokenInfo{Address: token, Symbol: t.Symbol(), Decimals: t.Decimals()}, nil
}

// TokenBalance returns the holder's balance.
func (c *Client) TokenBalance(_ context.Context, token, holder common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[token]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("token %s not deployed", token.Hex()))
	}
	return t.BalanceOf(holder), nil
}

// RegisterMerchant registers from as a merchant admin.
func (c *Client) RegisterMerchant(_ context.Context, from, payout common.Address) (web3.MerchantRegistration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id uint64
	receipt, _, err := c.mine(from, "registerMerchant", func(time.Time) ([]contracts.Event, error) {
		assigned, ev, err := c.registry.RegisterMerchant(from, payout)
		if err != nil {
			return nil, err
		}
		id = assigned
		return []contracts.Event{ev}, nil
	})
	if err != nil {
		return web3.MerchantRegistration{}, err
	}
	return web3.MerchantRegistration{MerchantID: id, TxHash: receipt.TxHash}, nil
}

// UpdatePayoutAddress changes a merchant payout address.
func (c *Client) UpdatePayoutAddress(_ context.Context, from common.Address, merchantID uint64, payout common.Address) (web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, _, err := c.mine(from, "updatePayoutAddress", func(time.Time) ([]contracts.Event, error) {
		ev, err := c.registry.UpdatePayoutAddress(from, merchantID, payout)
		if err != nil {
			return nil, err
		}
		return []contracts.Event{ev}, nil
	})
	return receipt, err
}

// SetMerchantActive toggles a merchant.
func (c *Client) SetMerchantActive(_ context.Context, from common.Address, merchantID uint64, active bool) (web3.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, _, err := c.mine(from, "setActive", func(time.Time) ([]contracts.Event, error) {
		ev, err := c.registry.SetActive(from, merchantID, active)
		if err != nil {
			return nil, err
		}
		return []contracts.Event{ev}, nil
	})
	return receipt, err
}

// Merchant reads a registry entry.
func (c *Client) Merchant(_ context.Context, merchantID uint64) (web3.MerchantRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.registry.Merchant(merchantID)
	record := web3.MerchantRecord{Admin: entry.Admin, PayoutAddress: entry.PayoutAddress, Active: entry.Active}
	if entry.Admin != (common.Address{}) {
		record.ID = merchantID
	}
	return record, nil
}

// MerchantIDByAdmin returns the admin's merchant id or 0.
func (c *Client) MerchantIDByAdmin(_ context.Context, admin common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.MerchantIDByAdmin(admin), nil
}

// Close is a no-op.
func (c *Client) Close() {}
