package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"ShadowStream/internal/activity"
	"ShadowStream/internal/auth"
	"ShadowStream/internal/contracts"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/merchant"
	"ShadowStream/internal/observability/alerting"
	"ShadowStream/internal/observability/metrics"
	"ShadowStream/internal/proofs"
	"ShadowStream/internal/web3"
	"ShadowStream/pkg/logger"

	"github.com/avast/retry-go/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// 写入交易哈希的重试参数。
const (
	attachAttempts = 5
	attachDelay    = 50 * time.Millisecond
)

// Request 是一次 pay-and-call 调用。AgentKey 为空时使用 Principal，
// 后者由 HTTP 层从 Bearer 凭证解析而来。
type Request struct {
	AgentKey      string          `json:"agentKey"`
	VaultAddress  string          `json:"vaultAddress"`
	MerchantAPIID string          `json:"merchantApiId"`
	RequestPath   string          `json:"requestPath"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Principal     *auth.Principal `json:"-"`
}

// UnmarshalJSON 接受字符串或数字形式的 merchantApiId。
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	aux := struct {
		*plain
		MerchantAPIID json.RawMessage `json:"merchantApiId"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw := bytes.TrimSpace(aux.MerchantAPIID)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		r.MerchantAPIID = ""
	case raw[0] == '"':
		return json.Unmarshal(raw, &r.MerchantAPIID)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "merchantApiId must be a string or a number")
		}
		r.MerchantAPIID = n.String()
	}
	return nil
}

// Result 是成功结算后的响应。APIResponse 可能是商户原始响应或 DeliveryFailure。
type Result struct {
	Success       bool   `json:"success"`
	TxHash        string `json:"txHash"`
	Amount        string `json:"amount"`
	MerchantAPIID string `json:"merchantApiId"`
	ActivityID    string `json:"activityId"`
	APIResponse   any    `json:"apiResponse"`
}

// Options 调整编排器行为。
type Options struct {
	ConfirmationTimeout time.Duration
	MerchantTimeout     time.Duration
	AgentRate           float64
	AgentBurst          int
	Breaker             BreakerSettings
	Metrics             *metrics.Metrics
	Alerts              alerting.Dispatcher
}

// Orchestrator 串联授权、定价、预检、结算与商户调用。
type Orchestrator struct {
	agents     *auth.Service
	merchants  *merchant.Service
	activities activity.Store
	chain      web3.Client
	signer     *proofs.Signer
	deliverer  *Deliverer
	limiter    *agentLimiter
	confirm    time.Duration
	retryDelay time.Duration
	metrics    *metrics.Metrics
	alerts     alerting.Dispatcher
	log        *slog.Logger
	audit      *slog.Logger
}

// NewOrchestrator 组装编排器。signer 可以为空，此时不附带支付证明。
func NewOrchestrator(agents *auth.Service, merchants *merchant.Service, activities activity.Store, chain web3.Client, signer *proofs.Signer, opts Options) (*Orchestrator, error) {
	if agents == nil || merchants == nil || activities == nil || chain == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator dependencies not configured")
	}
	confirm := opts.ConfirmationTimeout
	if confirm <= 0 {
		confirm = 2 * time.Minute
	}
	return &Orchestrator{
		agents:     agents,
		merchants:  merchants,
		activities: activities,
		chain:      chain,
		signer:     signer,
		deliverer:  NewDeliverer(opts.MerchantTimeout, opts.Breaker, opts.Metrics),
		limiter:    newAgentLimiter(opts.AgentRate, opts.AgentBurst),
		confirm:    confirm,
		retryDelay: attachDelay,
		metrics:    opts.Metrics,
		alerts:     opts.Alerts,
		log:        logger.Named("settlement"),
		audit:      logger.Audit(),
	}, nil
}

// quote 是预检通过后的待结算支付。
type quote struct {
	principal *auth.Principal
	api       merchant.API
	vault     common.Address
	payout    common.Address
	token     web3.TokenInfo
	price     *big.Int
	path      string
	payload   json.RawMessage
}

// PayAndCall 从金库向商户付款并调用商户接口。预检失败时不会产生活动记录；
// 一旦交易发出，记录只由回执或对账器结束。
func (o *Orchestrator) PayAndCall(ctx context.Context, req Request) (*Result, error) {
	q, err := o.prepare(ctx, req)
	if err != nil {
		o.metrics.ObserveSettlement("rejected", 0)
		return nil, err
	}

	row := &activity.Activity{
		ID:            uuid.NewString(),
		VaultAddress:  q.vault.Hex(),
		AgentID:       q.principal.AgentID,
		MerchantID:    q.api.MerchantID,
		MerchantAPIID: q.api.ID,
		Amount:        q.api.PricePerCall,
		TokenAddress:  q.token.Address.Hex(),
		RequestURL:    q.api.BaseURL + q.path,
		Status:        activity.StatusPending,
	}
	if err := o.activities.Create(ctx, row); err != nil {
		return nil, err
	}

	// 交易发出后的账本写入不受请求取消影响。
	ledgerCtx := context.WithoutCancel(ctx)
	started := time.Now()
	hash, err := o.chain.SubmitPayment(ctx, q.vault, q.payout, q.price)
	if err != nil {
		o.finishFailed(ledgerCtx, row, "", err.Error())
		o.metrics.ObserveSettlement("submit_failed", 0)
		wrapped := xerrors.Wrap(CodeSettlementFailed, err, ErrSettlementFailed.Message(),
			xerrors.WithMetadata("activityId", row.ID))
		o.alert(ledgerCtx, wrapped, row.ID, "")
		return nil, wrapped
	}
	txHash := hash.Hex()
	if err := o.attachTxHash(ledgerCtx, row.ID, txHash); err != nil {
		// 没有哈希的 pending 记录会被对账器判为未提交，需要人工补录。
		o.log.Error("attach tx hash failed",
			slog.String("activity_id", row.ID),
			slog.String("tx_hash", txHash),
			slog.Any("error", err),
		)
		o.alert(ledgerCtx, xerrors.Wrap(CodeLedgerWriteFailed, err, ErrLedgerWriteFailed.Message(),
			xerrors.WithMetadata("activityId", row.ID),
			xerrors.WithMetadata("txHash", txHash),
		), row.ID, txHash)
	}

	waitCtx, cancel := context.WithTimeout(ledgerCtx, o.confirm)
	receipt, err := o.chain.WaitReceipt(waitCtx, hash)
	cancel()
	if err != nil {
		o.metrics.ObserveSettlement("unconfirmed", time.Since(started))
		o.audit.Warn("settlement_unconfirmed",
			"activity_id", row.ID,
			"tx_hash", txHash,
			"vault", row.VaultAddress,
			"error", err.Error(),
		)
		unconfirmed := ErrSettlementUnconfirmed.With(
			xerrors.WithMetadata("activityId", row.ID),
			xerrors.WithMetadata("txHash", txHash),
		)
		o.alert(ledgerCtx, unconfirmed, row.ID, txHash)
		return nil, unconfirmed
	}
	if receipt.Reverted {
		reason := receipt.RevertReason
		if reason == "" {
			reason = "transaction reverted"
		}
		o.finishFailed(ledgerCtx, row, txHash, reason)
		o.metrics.ObserveSettlement("reverted", time.Since(started))
		failed := ErrSettlementFailed.With(
			xerrors.WithMetadata("activityId", row.ID),
			xerrors.WithMetadata("txHash", txHash),
			xerrors.WithMetadata("reason", reason),
		)
		o.alert(ledgerCtx, failed, row.ID, txHash)
		return nil, failed
	}

	if err := o.activities.MarkSucceeded(ledgerCtx, row.ID, txHash); err != nil {
		o.log.Error("mark activity succeeded failed",
			slog.String("activity_id", row.ID),
			slog.String("tx_hash", txHash),
			slog.Any("error", err),
		)
	}
	o.metrics.ObserveSettlement("success", time.Since(started))
	o.audit.Info("settlement_succeeded",
		"activity_id", row.ID,
		"agent_id", row.AgentID,
		"vault", row.VaultAddress,
		"merchant_id", row.MerchantID,
		"amount", row.Amount,
		"tx_hash", txHash,
	)

	delivery := Delivery{
		MerchantID: q.api.MerchantID,
		URL:        row.RequestURL,
		Payload:    q.payload,
		TxHash:     txHash,
		Vault:      row.VaultAddress,
		Amount:     q.api.PricePerCall,
	}
	if o.signer != nil {
		proof, err := o.signer.Sign(proofs.Payment{
			TxHash:        hash,
			Vault:         q.vault,
			Payout:        q.payout,
			Amount:        q.price,
			MerchantAPIID: q.api.ID,
		})
		if err != nil {
			o.log.Error("sign payment proof failed", slog.String("activity_id", row.ID), slog.Any("error", err))
		} else {
			delivery.Proof = proof
		}
	}

	return &Result{
		Success:       true,
		TxHash:        txHash,
		Amount:        q.api.PricePerCall,
		MerchantAPIID: q.api.ID,
		ActivityID:    row.ID,
		APIResponse:   o.deliverer.Deliver(ledgerCtx, delivery),
	}, nil
}

// attachTxHash 在账本暂时不可写时重试，记录已结束时不再重试。
func (o *Orchestrator) attachTxHash(ctx context.Context, id, txHash string) error {
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(attachAttempts),
		retry.Delay(o.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !xerrors.HasCode(err, activity.CodeActivityFinalized) && !xerrors.HasCode(err, activity.CodeActivityNotFound)
		}),
	).Do(func() error {
		return o.activities.AttachTxHash(ctx, id, txHash)
	})
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (*quote, error) {
	agentKey := strings.TrimSpace(req.AgentKey)
	vaultRaw := strings.TrimSpace(req.VaultAddress)
	apiID := strings.TrimSpace(req.MerchantAPIID)
	if (agentKey == "" && req.Principal == nil) || vaultRaw == "" || apiID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Missing required fields")
	}
	if !common.IsHexAddress(vaultRaw) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "vaultAddress is not a valid address")
	}
	path, err := normalizePath(req.RequestPath)
	if err != nil {
		return nil, err
	}
	payload := req.Payload
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "payload must be valid JSON")
	}
	vault := common.HexToAddress(vaultRaw)

	principal := req.Principal
	if agentKey != "" {
		principal, err = o.agents.Resolve(ctx, agentKey)
		if err != nil {
			return nil, err
		}
	}
	if err := principal.Authorize(vault.Hex()); err != nil {
		return nil, err
	}
	if !o.limiter.Allow(principal.AgentID) {
		return nil, ErrRateLimited.With(xerrors.WithMetadata("agentId", principal.AgentID))
	}

	api, err := o.merchants.API(ctx, apiID)
	if err != nil {
		return nil, err
	}
	if api.ChainID != o.chain.ChainID() {
		return nil, merchant.ErrUnsupportedChain.With(xerrors.WithMetadata("supportedChainId", fmt.Sprint(o.chain.ChainID())))
	}
	record, err := o.chain.Merchant(ctx, api.MerchantID)
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, merchant.ErrNotRegistered.With(xerrors.WithMetadata("merchantId", fmt.Sprint(api.MerchantID)))
	}
	if !record.Active {
		return nil, merchant.ErrInactive.With(xerrors.WithMetadata("merchantId", fmt.Sprint(api.MerchantID)))
	}

	state, err := o.chain.VaultState(ctx, vault)
	if err != nil {
		return nil, err
	}
	if api.TokenAddress != "" && common.HexToAddress(api.TokenAddress) != state.Token {
		return nil, ErrTokenMismatch.With(
			xerrors.WithMetadata("vaultToken", state.Token.Hex()),
			xerrors.WithMetadata("apiToken", api.TokenAddress),
		)
	}
	token, err := o.chain.TokenInfo(ctx, state.Token)
	if err != nil {
		return nil, err
	}
	price, err := web3.ParseUnits(api.PricePerCall, token.Decimals)
	if err != nil {
		return nil, xerrors.Wrap(CodeTokenMismatch, err, "pricePerCall cannot be expressed in the vault token")
	}

	now, err := o.chain.LatestBlockTime(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkPolicy(state, token.Decimals, price, api.PricePerCall, now); err != nil {
		return nil, err
	}
	if state.TrustedExecutor != o.chain.ExecutorAddress() {
		return nil, ErrExecutorNotTrusted.With(
			xerrors.WithMetadata("trustedExecutor", state.TrustedExecutor.Hex()),
			xerrors.WithMetadata("executor", o.chain.ExecutorAddress().Hex()),
		)
	}
	balance, err := o.chain.TokenBalance(ctx, state.Token, vault)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(price) < 0 {
		return nil, ErrInsufficientBalance.With(
			xerrors.WithMetadata("balance", web3.FormatUnits(balance, token.Decimals)),
			xerrors.WithMetadata("requested", api.PricePerCall),
		)
	}

	return &quote{
		principal: principal,
		api:       api,
		vault:     vault,
		payout:    record.PayoutAddress,
		token:     token,
		price:     price,
		path:      path,
		payload:   payload,
	}, nil
}

// checkPolicy 复现合约的窗口翻转与上限检查，使可预见的 revert 在发交易前被拒绝。
func checkPolicy(state web3.VaultState, decimals uint8, price *big.Int, requested string, now time.Time) error {
	policy := contracts.Policy{MaxPerTx: state.MaxPerTx, DailyLimit: state.DailyLimit}
	window := contracts.Window{SpentToday: state.SpentToday, LastReset: state.LastReset}.Rollover(now)
	err := contracts.CheckSpend(policy, window, price)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, contracts.ErrExceedsMaxPerTx):
		return ErrExceedsPerTxLimit.With(
			xerrors.WithMetadata("maxPerTx", web3.FormatUnits(state.MaxPerTx, decimals)),
			xerrors.WithMetadata("requested", requested),
		)
	case errors.Is(err, contracts.ErrExceedsDailyLimit):
		return ErrExceedsDailyLimit.With(
			xerrors.WithMetadata("dailyLimit", web3.FormatUnits(state.DailyLimit, decimals)),
			xerrors.WithMetadata("spentToday", web3.FormatUnits(window.SpentToday, decimals)),
			xerrors.WithMetadata("requested", requested),
		)
	default:
		return err
	}
}

func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.Contains(path, "://") || strings.HasPrefix(path, "//") {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "requestPath must be a path, not a URL")
	}
	if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "?") {
		path = "/" + path
	}
	return path, nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, row *activity.Activity, txHash, reason string) {
	if err := o.activities.MarkFailed(ctx, row.ID, reason); err != nil {
		o.log.Error("mark activity failed failed",
			slog.String("activity_id", row.ID),
			slog.Any("error", err),
		)
	}
	o.audit.Warn("settlement_failed",
		"activity_id", row.ID,
		"agent_id", row.AgentID,
		"vault", row.VaultAddress,
		"merchant_id", row.MerchantID,
		"amount", row.Amount,
		"tx_hash", txHash,
		"reason", reason,
	)
}

func (o *Orchestrator) alert(ctx context.Context, err error, activityID, txHash string) {
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError("settlement", err)
	event.ActivityID = activityID
	event.TxHash = txHash
	if notifyErr := o.alerts.Notify(ctx, event); notifyErr != nil {
		o.log.Warn("alert dispatch failed", slog.Any("error", notifyErr))
	}
}
