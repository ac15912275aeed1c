package reconcile

import (
	"context"
	"log/slog"
	"time"

	"ShadowStream/internal/activity"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/observability/alerting"
	"ShadowStream/internal/observability/metrics"
	"ShadowStream/internal/web3"
	"ShadowStream/pkg/logger"

	"github.com/avast/retry-go/v5"
	"github.com/ethereum/go-ethereum/common"
)

// 对账结果。
const (
	ResolutionSucceeded      = "succeeded"
	ResolutionReverted       = "reverted"
	ResolutionNeverSubmitted = "never_submitted"
	ResolutionNotFound       = "not_found"
	ResolutionDeferred       = "deferred"
	ResolutionSkipped        = "skipped"
)

// 写入失败记录的原因。
const (
	ReasonNeverSubmitted = "settlement never submitted"
	ReasonNotFound       = "transaction not found"
	reasonReverted       = "transaction reverted"
)

// CodeReconcileFailed 表示对账过程中出现的错误。
const CodeReconcileFailed xerrors.Code = "RECONCILE_FAILED"

func init() {
	xerrors.Register(CodeReconcileFailed, xerrors.Attributes{
		Message:   "reconcile failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Processor 消费待对账 ID，根据链上回执结束 pending 记录。
type Processor struct {
	store        activity.Store
	chain        web3.Client
	consumer     Consumer
	workerCount  int
	abandonAfter time.Duration
	attempts     uint
	delay        time.Duration
	alerter      alerting.Dispatcher
	metrics      *metrics.Metrics
	log          *slog.Logger
	audit        *slog.Logger
	now          func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAbandonAfter 设置记录被判定为失败前的最长等待时间。
func WithAbandonAfter(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.abandonAfter = d
		}
	}
}

// WithReceiptRetry 设置回执查询的重试次数与初始间隔。
func WithReceiptRetry(attempts uint, delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if delay > 0 {
			p.delay = delay
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMetrics 配置指标。
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store activity.Store, chain web3.Client, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:        store,
		chain:        chain,
		consumer:     consumer,
		workerCount:  1,
		abandonAfter: 30 * time.Minute,
		attempts:     3,
		delay:        500 * time.Millisecond,
		log:          logger.Named("reconcile"),
		audit:        logger.Audit(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置对账队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 对一条记录做一次对账。
func (p *Processor) Handle(ctx context.Context, activityID string) error {
	resolution, err := p.reconcile(ctx, activityID)
	if err != nil {
		wrapped := xerrors.Wrap(CodeReconcileFailed, err, "对账失败")
		p.log.Error("reconcile activity failed", slog.String("activity_id", activityID), slog.Any("error", err))
		p.emitAlert(ctx, wrapped, activityID, "")
		return wrapped
	}
	p.metrics.ObserveReconciled(resolution)
	return nil
}

func (p *Processor) reconcile(ctx context.Context, activityID string) (string, error) {
	if p.store == nil || p.chain == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "对账处理器未初始化")
	}
	row, err := p.store.Get(ctx, activityID)
	if err != nil {
		if xerrors.HasCode(err, activity.CodeActivityNotFound) {
			return ResolutionSkipped, nil
		}
		return "", err
	}
	if row.Finalized() {
		return ResolutionSkipped, nil
	}
	abandoned := p.now().Sub(row.CreatedAt) >= p.abandonAfter

	if row.TxHash == "" {
		if !abandoned {
			return ResolutionDeferred, nil
		}
		return p.fail(ctx, row, ReasonNeverSubmitted, ResolutionNeverSubmitted)
	}

	receipt, err := p.lookup(ctx, common.HexToHash(row.TxHash))
	switch {
	case xerrors.HasCode(err, web3.CodeReceiptNotFound):
		if !abandoned {
			return ResolutionDeferred, nil
		}
		return p.fail(ctx, row, ReasonNotFound, ResolutionNotFound)
	case err != nil:
		return "", err
	case receipt.Reverted:
		reason := receipt.RevertReason
		if reason == "" {
			reason = reasonReverted
		}
		return p.fail(ctx, row, reason, ResolutionReverted)
	}

	if err := p.store.MarkSucceeded(ctx, row.ID, row.TxHash); err != nil {
		if xerrors.HasCode(err, activity.CodeActivityFinalized) {
			return ResolutionSkipped, nil
		}
		return "", err
	}
	p.audit.Info("settlement_reconciled",
		"activity_id", row.ID,
		"vault", row.VaultAddress,
		"merchant_id", row.MerchantID,
		"amount", row.Amount,
		"tx_hash", row.TxHash,
		"block", receipt.BlockNumber,
		"resolution", ResolutionSucceeded,
	)
	return ResolutionSucceeded, nil
}

// lookup 查询回执。节点错误按退避重试，回执不存在直接返回。
func (p *Processor) lookup(ctx context.Context, hash common.Hash) (web3.Receipt, error) {
	var receipt web3.Receipt
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !xerrors.HasCode(err, web3.CodeReceiptNotFound)
		}),
	).Do(func() error {
		var err error
		receipt, err = p.chain.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

func (p *Processor) fail(ctx context.Context, row *activity.Activity, reason, resolution string) (string, error) {
	if err := p.store.MarkFailed(ctx, row.ID, reason); err != nil {
		if xerrors.HasCode(err, activity.CodeActivityFinalized) {
			return ResolutionSkipped, nil
		}
		return "", err
	}
	p.audit.Warn("settlement_reconciled",
		"activity_id", row.ID,
		"vault", row.VaultAddress,
		"merchant_id", row.MerchantID,
		"amount", row.Amount,
		"tx_hash", row.TxHash,
		"reason", reason,
		"resolution", resolution,
	)
	p.emitAlert(ctx, xerrors.New(CodeReconcileFailed, reason,
		xerrors.WithMetadata("resolution", resolution),
		xerrors.WithRetryable(false),
	), row.ID, row.TxHash)
	return resolution, nil
}

func (p *Processor) emitAlert(ctx context.Context, err error, activityID, txHash string) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError("reconcile", err)
	event.ActivityID = activityID
	event.TxHash = txHash
	if notifyErr := p.alerter.Notify(ctx, event); notifyErr != nil {
		p.log.Error("alert dispatch failed",
			slog.Any("error", notifyErr),
			slog.String("activity_id", activityID),
		)
	}
}
