package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ShadowStream/internal/contracts"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

const defaultPollInterval = 2 * time.Second

// Backend is the subset of ethclient.Client the client needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name            string
	RPCURL          string
	Notes           string
	ChainID         uint64
	FactoryAddress  common.Address
	RegistryAddress common.Address
	// ExecutorKey signs executePayment and is the default trusted executor.
	ExecutorKey *ecdsa.PrivateKey
	// SignerKeys are additional accounts the daemon may sign owner or admin
	// calls for, typically only in managed deployments.
	SignerKeys   []*ecdsa.PrivateKey
	PollInterval time.Duration
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	chainID      uint64
	rpcClient    *gethrpc.Client
	backend      Backend
	factory      common.Address
	registry     common.Address
	executor     common.Address
	signers      map[common.Address]*ecdsa.PrivateKey
	pollInterval time.Duration

	nonceMu sync.Mutex
	mu      sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	remoteID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && remoteID.Uint64() != cfg.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("节点链 ID %d 与配置 %d 不一致", remoteID.Uint64(), cfg.ChainID)
	}
	cfg.ChainID = remoteID.Uint64()

	client, err := NewWithBackend(eth, cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	return client, nil
}

// NewWithBackend wraps an existing backend, such as a test double.
func NewWithBackend(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	if cfg.ExecutorKey == nil {
		return nil, errors.New("未配置执行者私钥")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("未配置链 ID")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	c := &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		chainID:      cfg.ChainID,
		backend:      backend,
		factory:      cfg.FactoryAddress,
		registry:     cfg.RegistryAddress,
		executor:     crypto.PubkeyToAddress(cfg.ExecutorKey.PublicKey),
		signers:      make(map[common.Address]*ecdsa.PrivateKey, len(cfg.SignerKeys)+1),
		pollInterval: poll,
	}
	c.signers[c.executor] = cfg.ExecutorKey
	for _, key := range cfg.SignerKeys {
		if key != nil {
			c.signers[crypto.PubkeyToAddress(key.PublicKey)] = key
		}
	}
	return c, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     fmt.Sprintf("0x%x", c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ChainID returns the id verified at dial time.
func (c *Client) ChainID() uint64 { return c.chainID }

// ExecutorAddress returns the address that signs payments.
func (c *Client) ExecutorAddress() common.Address { return c.executor }

// LatestBlockTime returns the timestamp of the head block.
func (c *Client) LatestBlockTime(ctx context.Context) (time.Time, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}
	return time.Unix(int64(head.Time), 0).UTC(), nil
}

// CreatePolicyVault deploys a vault through the factory, signed by from.
func (c *Client) CreatePolicyVault(ctx context.Context, from common.Address, params web3.VaultParams) (web3.VaultCreation, error) {
	data, err := factoryABI.Pack("createPolicyVault", params.Token, params.MaxPerTx, params.DailyLimit, params.TrustedExecutor)
	if err != nil {
		return web3.VaultCreation{}, packError(err)
	}
	receipt, err := c.transactAndWait(ctx, from, c.factory, data)
	if err != nil {
		return web3.VaultCreation{}, err
	}

	event := factoryABI.Events["PolicyVaultCreated"]
	for _, lg := range receipt.Logs {
		if lg.Address != c.factory || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		values, err := factoryABI.Unpack("PolicyVaultCreated", lg.Data)
		if err != nil || len(values) == 0 {
			continue
		}
		vault, ok := values[0].(common.Address)
		if !ok {
			continue
		}
		return web3.VaultCreation{
			Vault:  vault,
			Owner:  common.BytesToAddress(lg.Topics[1].Bytes()),
			TxHash: receipt.TxHash,
		}, nil
	}
	return web3.VaultCreation{}, web3.ErrEventMissing.With(xerrors.WithMetadata("txHash", receipt.TxHash.Hex()))
}

// UserVaults lists the owner's vaults in creation order.
func (c *Client) UserVaults(ctx context.Context, owner common.Address) ([]common.Address, error) {
	out, err := c.call(ctx, factoryABI, c.factory, "getUserVaults", owner)
	if err != nil {
		return nil, err
	}
	vaults, ok := out[0].([]common.Address)
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainFailure, "getUserVaults 返回值类型异常")
	}
	return vaults, nil
}

// VaultState reads all public vault storage concurrently.
func (c *Client) VaultState(ctx context.Context, vault common.Address) (web3.VaultState, error) {
	state := web3.VaultState{Address: vault}
	var lastReset *big.Int

	g, gctx := errgroup.WithContext(ctx)
	readAddress := func(method string, dst *common.Address) {
		g.Go(func() error {
			out, err := c.call(gctx, vaultABI, vault, method)
			if err != nil {
				return err
			}
			v, ok := out[0].(common.Address)
			if !ok {
				return xerrors.New(xerrors.CodeChainFailure, method+" 返回值类型异常")
			}
			*dst = v
			return nil
		})
	}
	readUint := func(method string, dst **big.Int) {
		g.Go(func() error {
			out, err := c.call(gctx, vaultABI, vault, method)
			if err != nil {
				return err
			}
			v, ok := out[0].(*big.Int)
			if !ok {
				return xerrors.New(xerrors.CodeChainFailure, method+" 返回值类型异常")
			}
			*dst = v
			return nil
		})
	}
	readAddress("owner", &state.Owner)
	readAddress("token", &state.Token)
	readAddress("trustedExecutor", &state.TrustedExecutor)
	readUint("maxPerTx", &state.MaxPerTx)
	readUint("dailyLimit", &state.DailyLimit)
	readUint("spentToday", &state.SpentToday)
	readUint("lastReset", &lastReset)
	if err := g.Wait(); err != nil {
		return web3.VaultState{}, err
	}
	state.LastReset = time.Unix(lastReset.Int64(), 0).UTC()
	return state, nil
}

// Deposit approves the vault for amount and then deposits, both signed by from.
func (c *Client) Deposit(ctx context.Context, from, vault common.Address, amount *big.Int) (web3.Receipt, error) {
	out, err := c.call(ctx, vaultABI, vault, "token")
	if err != nil {
		return web3.Receipt{}, err
	}
	token, _ := out[0].(common.Address)

	approve, err := tokenABI.Pack("approve", vault, amount)
	if err != nil {
		return web3.Receipt{}, packError(err)
	}
	if _, err := c.transactAndWait(ctx, from, token, approve); err != nil {
		return web3.Receipt{}, err
	}
	return c.sendVault(ctx, from, vault, "deposit", amount)
}

// Withdraw returns funds to the owner.
func (c *Client) Withdraw(ctx context.Context, from, vault common.Address, amount *big.Int) (web3.Receipt, error) {
	return c.sendVault(ctx, from, vault, "withdraw", amount)
}

// SetRules replaces the vault ceilings.
func (c *Client) SetRules(ctx context.Context, from, vault common.Address, maxPerTx, dailyLimit *big.Int) (web3.Receipt, error) {
	return c.sendVault(ctx, from, vault, "setRules", maxPerTx, dailyLimit)
}

// SetTrustedExecutor replaces the vault executor.
func (c *Client) SetTrustedExecutor(ctx context.Context, from, vault, executor common.Address) (web3.Receipt, error) {
	return c.sendVault(ctx, from, vault, "setTrustedExecutor", executor)
}

func (c *Client) sendVault(ctx context.Context, from, vault common.Address, method string, args ...any) (web3.Receipt, error) {
	data, err := vaultABI.Pack(method, args...)
	if err != nil {
		return web3.Receipt{}, packError(err)
	}
	receipt, err := c.transactAndWait(ctx, from, vault, data)
	if err != nil {
		return web3.Receipt{}, err
	}
	return toReceipt(receipt), nil
}

// SubmitPayment signs executePayment with the executor key and broadcasts it.
func (c *Client) SubmitPayment(ctx context.Context, vault, merchant common.Address, amount *big.Int) (common.Hash, error) {
	data, err := vaultABI.Pack("executePayment", merchant, amount)
	if err != nil {
		return common.Hash{}, packError(err)
	}
	tx, err := c.transact(ctx, c.executor, vault, data)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// WaitReceipt polls until the transaction is mined or ctx is done.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return web3.Receipt{}, err
	}
	return toReceipt(receipt), nil
}

// TransactionReceipt fetches the receipt once.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return web3.Receipt{}, web3.ErrReceiptNotFound
	}
	if err != nil {
		return web3.Receipt{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
	}
	return toReceipt(receipt), nil
}

// TokenInfo returns ERC20 metadata.
func (c *Client) TokenInfo(ctx context.Context, token common.Address) (web3.TokenInfo, error) {
	symbolOut, err := c.call(ctx, tokenABI, token, "symbol")
	if err != nil {
		return web3.TokenInfo{}, err
	}
	decimalsOut, err := c.call(ctx, tokenABI, token, "decimals")
	if err != nil {
		return web3.TokenInfo{}, err
	}
	symbol, _ := symbolOut[0].(string)
	decimals, _ := decimalsOut[0].(uint8)
	return web3.TokenInfo{Address: token, Symbol: symbol, Decimals: decimals}, nil
}

// TokenBalance returns the holder's balance.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := c.call(ctx, tokenABI, token, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainFailure, "balanceOf 返回值类型异常")
	}
	return balance, nil
}

// RegisterMerchant registers from as a merchant admin.
func (c *Client) RegisterMerchant(ctx context.Context, from, payout common.Address) (web3.MerchantRegistration, error) {
	data, err := registryABI.Pack("registerMerchant", payout)
	if err != nil {
		return web3.MerchantRegistration{}, packError(err)
	}
	receipt, err := c.transactAndWait(ctx, from, c.registry, data)
	if err != nil {
		return web3.MerchantRegistration{}, err
	}
	event := registryABI.Events["MerchantRegistered"]
	for _, lg := range receipt.Logs {
		if lg.Address != c.registry || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		return web3.MerchantRegistration{MerchantID: id.Uint64(), TxHash: receipt.TxHash}, nil
	}
	return web3.MerchantRegistration{}, web3.ErrEventMissing.With(xerrors.WithMetadata("txHash", receipt.TxHash.Hex()))
}

// UpdatePayoutAddress changes a merchant payout address.
func (c *Client) UpdatePayoutAddress(ctx context.Context, from common.Address, merchantID uint64, payout common.Address) (web3.Receipt, error) {
	return c.sendRegistry(ctx, from, "updatePayoutAddress", new(big.Int).SetUint64(merchantID), payout)
}

// SetMerchantActive toggles a merchant.
func (c *Client) SetMerchantActive(ctx context.Context, from common.Address, merchantID uint64, active bool) (web3.Receipt, error) {
	return c.sendRegistry(ctx, from, "setActive", new(big.Int).SetUint64(merchantID), active)
}

func (c *Client) sendRegistry(ctx context.Context, from common.Address, method string, args ...any) (web3.Receipt, error) {
	data, err := registryABI.Pack(method, args...)
	if err != nil {
		return web3.Receipt{}, packError(err)
	}
	receipt, err := c.transactAndWait(ctx, from, c.registry, data)
	if err != nil {
		return web3.Receipt{}, err
	}
	return toReceipt(receipt), nil
}

// Merchant reads a registry entry.
func (c *Client) Merchant(ctx context.Context, merchantID uint64) (web3.MerchantRecord, error) {
	out, err := c.call(ctx, registryABI, c.registry, "merchants", new(big.Int).SetUint64(merchantID))
	if err != nil {
		return web3.MerchantRecord{}, err
	}
	if len(out) != 3 {
		return web3.MerchantRecord{}, xerrors.New(xerrors.CodeChainFailure, "merchants 返回值数量异常")
	}
	admin, _ := out[0].(common.Address)
	payout, _ := out[1].(common.Address)
	active, _ := out[2].(bool)
	record := web3.MerchantRecord{Admin: admin, PayoutAddress: payout, Active: active}
	if admin != (common.Address{}) {
		record.ID = merchantID
	}
	return record, nil
}

// MerchantIDByAdmin returns the admin's merchant id or 0.
func (c *Client) MerchantIDByAdmin(ctx context.Context, admin common.Address) (uint64, error) {
	out, err := c.call(ctx, registryABI, c.registry, "merchantIdByAdmin", admin)
	if err != nil {
		return 0, err
	}
	id, ok := out[0].(*big.Int)
	if !ok {
		return 0, xerrors.New(xerrors.CodeChainFailure, "merchantIdByAdmin 返回值类型异常")
	}
	return id.Uint64(), nil
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, packError(err)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, revertError(err)
	}
	if len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("地址 %s 上没有合约", to.Hex()))
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析合约返回值失败")
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeChainFailure, method+" 没有返回值")
	}
	return out, nil
}

// transact signs and broadcasts a dynamic fee transaction from the given
// account. Nonce assignment is serialised so concurrent payments from the
// executor never collide.
func (c *Client) transact(ctx context.Context, from, to common.Address, data []byte) (*coretypes.Transaction, error) {
	key, ok := c.signers[from]
	if !ok {
		return nil, web3.ErrSignerUnavailable.With(xerrors.WithMetadata("account", from.Hex()))
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	msg := gethcore.CallMsg{From: from, To: &to, Data: data}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, revertError(err)
	}
	gas = gas * 12 / 10

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 nonce 失败")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas tip 失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	chainID := new(big.Int).SetUint64(c.chainID)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败")
	}
	return signed, nil
}

func (c *Client) transactAndWait(ctx context.Context, from, to common.Address, data []byte) (*coretypes.Receipt, error) {
	tx, err := c.transact(ctx, from, to, data)
	if err != nil {
		return nil, err
	}
	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, web3.ErrTransactionReverted.With(xerrors.WithMetadata("txHash", tx.Hash().Hex()))
	}
	return receipt, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认超时",
				xerrors.WithMetadata("txHash", hash.Hex()))
		case <-ticker.C:
		}
	}
}

func toReceipt(r *coretypes.Receipt) web3.Receipt {
	out := web3.Receipt{TxHash: r.TxHash}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status != coretypes.ReceiptStatusSuccessful {
		out.Reverted = true
		out.RevertReason = "execution reverted"
	}
	return out
}

// knownReverts maps contract revert strings back to typed errors so callers
// see the same codes on every chain implementation.
var knownReverts = []*xerrors.Error{
	contracts.ErrNotOwner,
	contracts.ErrNotExecutor,
	contracts.ErrExceedsMaxPerTx,
	contracts.ErrExceedsDailyLimit,
	contracts.ErrInsufficientBalance,
	contracts.ErrZeroExecutor,
	contracts.ErrTokenNotAllowed,
	contracts.ErrAlreadyRegistered,
	contracts.ErrNotMerchantAdmin,
	contracts.ErrUnknownMerchant,
	contracts.ErrZeroPayout,
	contracts.ErrTransferExceeds,
	contracts.ErrAllowanceExceeded,
}

func revertError(err error) error {
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				for _, known := range knownReverts {
					if known.Message() == reason {
						return known
					}
				}
				return web3.ErrTransactionReverted.With(xerrors.WithMetadata("reason", reason))
			}
		}
	}
	return xerrors.Wrap(xerrors.CodeChainFailure, err, "合约调用失败")
}

func packError(err error) error {
	return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合约参数失败")
}
