package vaults

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"ShadowStream/internal/activity"
	"ShadowStream/internal/contracts"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/web3"
	"ShadowStream/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// 列表读取金库时的并发上限。
const listConcurrency = 8

// ActivityLimit 是单个金库活动列表返回的条数。
const ActivityLimit = 100

// ErrMissingUser 表示缺少 x-user-address。
var ErrMissingUser = xerrors.New(xerrors.CodeInvalidArgument, "Missing x-user-address header")

// ErrNotOwner 表示调用方不是金库所有者，请求在发交易前被拒绝。
var ErrNotOwner = xerrors.New(xerrors.CodeForbidden, "Caller is not the vault owner")

// CreateRequest 描述创建金库所需的字段。金额为代币单位的十进制字符串。
type CreateRequest struct {
	UserAddress  string `json:"userAddress"`
	TokenAddress string `json:"tokenAddress"`
	MaxPerTx     string `json:"maxPerTx"`
	DailyLimit   string `json:"dailyLimit"`
}

// Creation 是创建结果。
type Creation struct {
	Success      bool   `json:"success"`
	VaultAddress string `json:"vaultAddress"`
	TxHash       string `json:"txHash"`
}

// Summary 是金库的实时状态，金额按代币精度渲染。
type Summary struct {
	Address         string `json:"address"`
	Owner           string `json:"owner"`
	TokenAddress    string `json:"tokenAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	Decimals        uint8  `json:"decimals"`
	TrustedExecutor string `json:"trustedExecutor"`
	MaxPerTx        string `json:"maxPerTx"`
	DailyLimit      string `json:"dailyLimit"`
	SpentToday      string `json:"spentToday"`
	RemainingToday  string `json:"remainingToday"`
	Balance         string `json:"balance"`
	LastReset       int64  `json:"lastReset"`
}

// RulesRequest 替换金库的两个上限。
type RulesRequest struct {
	MaxPerTx   string `json:"maxPerTx"`
	DailyLimit string `json:"dailyLimit"`
}

// TxResult 是所有者操作的链上结果。
type TxResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Service 提供金库创建、查询与所有者操作。
type Service struct {
	chain      web3.Client
	activities activity.Store
	audit      *slog.Logger
}

// NewService 构造金库服务。
func NewService(chain web3.Client, activities activity.Store) (*Service, error) {
	if chain == nil || activities == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "vault service dependencies not configured")
	}
	return &Service{chain: chain, activities: activities, audit: logger.Audit()}, nil
}

// Create 以用户身份部署金库，可信执行者为本服务的执行密钥。
func (s *Service) Create(ctx context.Context, req CreateRequest) (Creation, error) {
	if strings.TrimSpace(req.UserAddress) == "" || strings.TrimSpace(req.TokenAddress) == "" ||
		strings.TrimSpace(req.MaxPerTx) == "" || strings.TrimSpace(req.DailyLimit) == "" {
		return Creation{}, xerrors.New(xerrors.CodeInvalidArgument, "Missing required fields")
	}
	user, err := parseAddress("userAddress", req.UserAddress)
	if err != nil {
		return Creation{}, err
	}
	token, err := parseAddress("tokenAddress", req.TokenAddress)
	if err != nil {
		return Creation{}, err
	}
	info, err := s.chain.TokenInfo(ctx, token)
	if err != nil {
		return Creation{}, err
	}
	maxPerTx, dailyLimit, err := parseRules(req.MaxPerTx, req.DailyLimit, info.Decimals)
	if err != nil {
		return Creation{}, err
	}

	created, err := s.chain.CreatePolicyVault(ctx, user, web3.VaultParams{
		Token:           token,
		MaxPerTx:        maxPerTx,
		DailyLimit:      dailyLimit,
		TrustedExecutor: s.chain.ExecutorAddress(),
	})
	if err != nil {
		return Creation{}, err
	}
	s.audit.Info("vault_created",
		"vault", created.Vault.Hex(),
		"owner", created.Owner.Hex(),
		"token", info.Symbol,
		"max_per_tx", req.MaxPerTx,
		"daily_limit", req.DailyLimit,
		"tx_hash", created.TxHash.Hex(),
	)
	return Creation{Success: true, VaultAddress: created.Vault.Hex(), TxHash: created.TxHash.Hex()}, nil
}

// List 返回用户的全部金库，按创建顺序。每个金库的读取并发进行。
func (s *Service) List(ctx context.Context, userAddress string) ([]Summary, error) {
	user, err := requireUser(userAddress)
	if err != nil {
		return nil, err
	}
	addresses, err := s.chain.UserVaults(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return []Summary{}, nil
	}
	now, err := s.chain.LatestBlockTime(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, address := range addresses {
		g.Go(func() error {
			summary, err := s.summarize(gctx, address, now)
			if err != nil {
				return err
			}
			out[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary 读取单个金库。
func (s *Service) Summary(ctx context.Context, vaultAddress string) (Summary, error) {
	vault, err := parseAddress("vaultAddress", vaultAddress)
	if err != nil {
		return Summary{}, err
	}
	now, err := s.chain.LatestBlockTime(ctx)
	if err != nil {
		return Summary{}, err
	}
	return s.summarize(ctx, vault, now)
}

func (s *Service) summarize(ctx context.Context, vault common.Address, now time.Time) (Summary, error) {
	state, err := s.chain.VaultState(ctx, vault)
	if err != nil {
		return Summary{}, err
	}
	info, err := s.chain.TokenInfo(ctx, state.Token)
	if err != nil {
		return Summary{}, err
	}
	balance, err := s.chain.TokenBalance(ctx, state.Token, vault)
	if err != nil {
		return Summary{}, err
	}
	policy := contracts.Policy{MaxPerTx: state.MaxPerTx, DailyLimit: state.DailyLimit}
	window := contracts.Window{SpentToday: state.SpentToday, LastReset: state.LastReset}.Rollover(now)
	return Summary{
		Address:         vault.Hex(),
		Owner:           state.Owner.Hex(),
		TokenAddress:    state.Token.Hex(),
		TokenSymbol:     info.Symbol,
		Decimals:        info.Decimals,
		TrustedExecutor: state.TrustedExecutor.Hex(),
		MaxPerTx:        web3.FormatUnits(state.MaxPerTx, info.Decimals),
		DailyLimit:      web3.FormatUnits(state.DailyLimit, info.Decimals),
		SpentToday:      web3.FormatUnits(window.SpentToday, info.Decimals),
		RemainingToday:  web3.FormatUnits(window.Remaining(policy), info.Decimals),
		Balance:         web3.FormatUnits(balance, info.Decimals),
		LastReset:       window.LastReset.Unix(),
	}, nil
}

// Activity 返回金库最近的活动记录，最新的在前。
func (s *Service) Activity(ctx context.Context, vaultAddress string) ([]*activity.Activity, error) {
	vault, err := parseAddress("vaultAddress", vaultAddress)
	if err != nil {
		return nil, err
	}
	return s.activities.List(ctx, activity.BuildListOptions(
		activity.WithVaults(vault.Hex()),
		activity.WithLimit(ActivityLimit),
	))
}

// SetRules 以所有者身份替换上限。
func (s *Service) SetRules(ctx context.Context, ownerAddress, vaultAddress string, req RulesRequest) (TxResult, error) {
	owner, vault, decimals, err := s.ownerCall(ctx, ownerAddress, vaultAddress, true)
	if err != nil {
		return TxResult{}, err
	}
	if strings.TrimSpace(req.MaxPerTx) == "" || strings.TrimSpace(req.DailyLimit) == "" {
		return TxResult{}, xerrors.New(xerrors.CodeInvalidArgument, "Missing required fields")
	}
	maxPerTx, dailyLimit, err := parseRules(req.MaxPerTx, req.DailyLimit, decimals)
	if err != nil {
		return TxResult{}, err
	}
	receipt, err := s.chain.SetRules(ctx, owner, vault, maxPerTx, dailyLimit)
	if err != nil {
		return TxResult{}, err
	}
	s.audit.Info("vault_rules_updated",
		"vault", vault.Hex(),
		"owner", owner.Hex(),
		"max_per_tx", req.MaxPerTx,
		"daily_limit", req.DailyLimit,
		"tx_hash", receipt.TxHash.Hex(),
	)
	return toResult(receipt), nil
}

// SetExecutor 以所有者身份替换可信执行者。
func (s *Service) SetExecutor(ctx context.Context, ownerAddress, vaultAddress, executorAddress string) (TxResult, error) {
	owner, vault, _, err := s.ownerCall(ctx, ownerAddress, vaultAddress, true)
	if err != nil {
		return TxResult{}, err
	}
	executor, err := parseAddress("executorAddress", executorAddress)
	if err != nil {
		return TxResult{}, err
	}
	receipt, err := s.chain.SetTrustedExecutor(ctx, owner, vault, executor)
	if err != nil {
		return TxResult{}, err
	}
	s.audit.Warn("vault_executor_updated",
		"vault", vault.Hex(),
		"owner", owner.Hex(),
		"executor", executor.Hex(),
		"tx_hash", receipt.TxHash.Hex(),
	)
	return toResult(receipt), nil
}

// Deposit 由 from 授权并存入 amount。任何地址都可以存款。
func (s *Service) Deposit(ctx context.Context, fromAddress, vaultAddress, amount string) (TxResult, error) {
	from, vault, decimals, err := s.ownerCall(ctx, fromAddress, vaultAddress, false)
	if err != nil {
		return TxResult{}, err
	}
	value, err := parseAmount(amount, decimals)
	if err != nil {
		return TxResult{}, err
	}
	receipt, err := s.chain.Deposit(ctx, from, vault, value)
	if err != nil {
		return TxResult{}, err
	}
	s.audit.Info("vault_deposit",
		"vault", vault.Hex(),
		"from", from.Hex(),
		"amount", amount,
		"tx_hash", receipt.TxHash.Hex(),
	)
	return toResult(receipt), nil
}

// Withdraw 以所有者身份取回 amount。
func (s *Service) Withdraw(ctx context.Context, ownerAddress, vaultAddress, amount string) (TxResult, error) {
	owner, vault, decimals, err := s.ownerCall(ctx, ownerAddress, vaultAddress, true)
	if err != nil {
		return TxResult{}, err
	}
	value, err := parseAmount(amount, decimals)
	if err != nil {
		return TxResult{}, err
	}
	receipt, err := s.chain.Withdraw(ctx, owner, vault, value)
	if err != nil {
		return TxResult{}, err
	}
	s.audit.Info("vault_withdraw",
		"vault", vault.Hex(),
		"owner", owner.Hex(),
		"amount", amount,
		"tx_hash", receipt.TxHash.Hex(),
	)
	return toResult(receipt), nil
}

// ownerCall 解析调用方与金库，并返回金库代币的精度。onlyOwner 时调用方必须是所有者。
func (s *Service) ownerCall(ctx context.Context, callerAddress, vaultAddress string, onlyOwner bool) (common.Address, common.Address, uint8, error) {
	caller, err := requireUser(callerAddress)
	if err != nil {
		return common.Address{}, common.Address{}, 0, err
	}
	vault, err := parseAddress("vaultAddress", vaultAddress)
	if err != nil {
		return common.Address{}, common.Address{}, 0, err
	}
	state, err := s.chain.VaultState(ctx, vault)
	if err != nil {
		return common.Address{}, common.Address{}, 0, err
	}
	if onlyOwner && state.Owner != caller {
		return common.Address{}, common.Address{}, 0, ErrNotOwner.With(xerrors.WithMetadata("vaultAddress", vault.Hex()))
	}
	info, err := s.chain.TokenInfo(ctx, state.Token)
	if err != nil {
		return common.Address{}, common.Address{}, 0, err
	}
	return caller, vault, info.Decimals, nil
}

// CheckOwnership 确认 vaultAddresses 中的每个金库都归 ownerAddress 所有。
func (s *Service) CheckOwnership(ctx context.Context, ownerAddress string, vaultAddresses []string) error {
	owner, err := parseAddress("ownerAddress", ownerAddress)
	if err != nil {
		return err
	}
	for _, raw := range vaultAddresses {
		vault, err := parseAddress("vaultAddress", raw)
		if err != nil {
			return err
		}
		state, err := s.chain.VaultState(ctx, vault)
		if err != nil {
			return err
		}
		if state.Owner != owner {
			return ErrNotOwner.With(xerrors.WithMetadata("vaultAddress", vault.Hex()))
		}
	}
	return nil
}

func toResult(r web3.Receipt) TxResult {
	return TxResult{Success: !r.Reverted, TxHash: r.TxHash.Hex(), BlockNumber: r.BlockNumber}
}

func parseRules(maxPerTx, dailyLimit string, decimals uint8) (*big.Int, *big.Int, error) {
	maxValue, err := parseAmount(maxPerTx, decimals)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "maxPerTx is not a valid amount")
	}
	dailyValue, err := parseAmount(dailyLimit, decimals)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "dailyLimit is not a valid amount")
	}
	return maxValue, dailyValue, nil
}

func parseAmount(value string, decimals uint8) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount is required")
	}
	amount, err := web3.ParseUnits(value, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("%q is not a valid amount", value))
	}
	return amount, nil
}

func requireUser(userAddress string) (common.Address, error) {
	if strings.TrimSpace(userAddress) == "" {
		return common.Address{}, ErrMissingUser
	}
	return parseAddress("x-user-address", userAddress)
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is not a valid address", field))
	}
	return common.HexToAddress(value), nil
}
