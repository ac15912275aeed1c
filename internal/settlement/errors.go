package settlement

import (
	"net/http"

	xerrors "ShadowStream/internal/errors"
)

// 结算流程的错误码。
const (
	CodeExceedsPerTxLimit     xerrors.Code = "EXCEEDS_PER_TX_LIMIT"
	CodeExceedsDailyLimit     xerrors.Code = "EXCEEDS_DAILY_LIMIT"
	CodeExecutorNotTrusted    xerrors.Code = "EXECUTOR_NOT_TRUSTED"
	CodeInsufficientBalance   xerrors.Code = "INSUFFICIENT_VAULT_BALANCE"
	CodeTokenMismatch         xerrors.Code = "TOKEN_MISMATCH"
	CodeSettlementFailed      xerrors.Code = "SETTLEMENT_FAILED"
	CodeSettlementUnconfirmed xerrors.Code = "SETTLEMENT_UNCONFIRMED"
	CodeLedgerWriteFailed     xerrors.Code = "LEDGER_WRITE_FAILED"
)

var (
	ErrExceedsPerTxLimit     = xerrors.New(CodeExceedsPerTxLimit, "Payment exceeds max per transaction limit")
	ErrExceedsDailyLimit     = xerrors.New(CodeExceedsDailyLimit, "Payment would exceed daily limit")
	ErrExecutorNotTrusted    = xerrors.New(CodeExecutorNotTrusted, "Settlement executor is not the vault's trusted executor")
	ErrInsufficientBalance   = xerrors.New(CodeInsufficientBalance, "Vault balance is insufficient")
	ErrTokenMismatch         = xerrors.New(CodeTokenMismatch, "Merchant API token does not match the vault token")
	ErrSettlementFailed      = xerrors.New(CodeSettlementFailed, "Payment settlement failed")
	ErrSettlementUnconfirmed = xerrors.New(CodeSettlementUnconfirmed, "Payment submitted but not yet confirmed")
	ErrRateLimited           = xerrors.New(xerrors.CodeRateLimited, "Too many requests for this agent")
	ErrLedgerWriteFailed     = xerrors.New(CodeLedgerWriteFailed, "Settlement submitted but the tx hash was not recorded")
)

func init() {
	policy := xerrors.Attributes{Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusForbidden}
	register := func(code xerrors.Code, msg string, attr xerrors.Attributes) {
		attr.Message = msg
		xerrors.Register(code, attr)
	}
	register(CodeExceedsPerTxLimit, "payment exceeds max per transaction limit", policy)
	register(CodeExceedsDailyLimit, "payment would exceed daily limit", policy)
	register(CodeExecutorNotTrusted, "executor not trusted by vault", xerrors.Attributes{
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
	register(CodeInsufficientBalance, "insufficient vault balance", xerrors.Attributes{
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusPaymentRequired,
	})
	register(CodeTokenMismatch, "token mismatch", xerrors.Attributes{
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	register(CodeSettlementFailed, "settlement failed", xerrors.Attributes{
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	register(CodeSettlementUnconfirmed, "settlement unconfirmed", xerrors.Attributes{
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
	register(CodeLedgerWriteFailed, "ledger write failed", xerrors.Attributes{
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}
