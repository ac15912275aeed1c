package contracts

import (
	"net/http"

	xerrors "ShadowStream/internal/errors"
)

// Revert codes raised by the contract state machines. The messages match the
// revert strings of the deployed Solidity contracts.
const (
	CodeNotOwner            xerrors.Code = "VAULT_NOT_OWNER"
	CodeNotExecutor         xerrors.Code = "VAULT_NOT_EXECUTOR"
	CodeExceedsMaxPerTx     xerrors.Code = "VAULT_EXCEEDS_MAX_PER_TX"
	CodeExceedsDailyLimit   xerrors.Code = "VAULT_EXCEEDS_DAILY_LIMIT"
	CodeInsufficientBalance xerrors.Code = "VAULT_INSUFFICIENT_BALANCE"
	CodeInvalidAddress      xerrors.Code = "CONTRACT_INVALID_ADDRESS"
	CodeInvalidAmount       xerrors.Code = "CONTRACT_INVALID_AMOUNT"
	CodeTokenNotAllowed     xerrors.Code = "FACTORY_TOKEN_NOT_ALLOWED"
	CodeAlreadyRegistered   xerrors.Code = "REGISTRY_ALREADY_REGISTERED"
	CodeNotMerchantAdmin    xerrors.Code = "REGISTRY_NOT_ADMIN"
	CodeUnknownMerchant     xerrors.Code = "REGISTRY_UNKNOWN_MERCHANT"
	CodeTransferFailed      xerrors.Code = "TOKEN_TRANSFER_FAILED"
	CodeAllowanceExceeded   xerrors.Code = "TOKEN_ALLOWANCE_EXCEEDED"
)

var (
	ErrNotOwner            = xerrors.New(CodeNotOwner, "PolicyVault: caller is not owner")
	ErrNotExecutor         = xerrors.New(CodeNotExecutor, "PolicyVault: caller is not executor")
	ErrExceedsMaxPerTx     = xerrors.New(CodeExceedsMaxPerTx, "PolicyVault: exceeds max per tx")
	ErrExceedsDailyLimit   = xerrors.New(CodeExceedsDailyLimit, "PolicyVault: exceeds daily limit")
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "PolicyVault: insufficient balance")
	ErrZeroExecutor        = xerrors.New(CodeInvalidAddress, "PolicyVault: executor is zero address")
	ErrNegativeAmount      = xerrors.New(CodeInvalidAmount, "amount must not be negative")
	ErrTokenNotAllowed     = xerrors.New(CodeTokenNotAllowed, "Factory: token not allowed")
	ErrAlreadyRegistered   = xerrors.New(CodeAlreadyRegistered, "Registry: already registered")
	ErrNotMerchantAdmin    = xerrors.New(CodeNotMerchantAdmin, "Registry: caller is not admin")
	ErrUnknownMerchant     = xerrors.New(CodeUnknownMerchant, "Registry: unknown merchant")
	ErrZeroPayout          = xerrors.New(CodeInvalidAddress, "Registry: payout is zero address")
	ErrTransferToZero      = xerrors.New(CodeTransferFailed, "ERC20: transfer to the zero address")
	ErrTransferExceeds     = xerrors.New(CodeTransferFailed, "ERC20: transfer amount exceeds balance")
	ErrAllowanceExceeded   = xerrors.New(CodeAllowanceExceeded, "ERC20: insufficient allowance")
)

func init() {
	authz := xerrors.Attributes{Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusForbidden}
	policy := xerrors.Attributes{Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusForbidden}
	invalid := xerrors.Attributes{Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusBadRequest}

	register := func(code xerrors.Code, msg string, attr xerrors.Attributes) {
		attr.Message = msg
		xerrors.Register(code, attr)
	}
	register(CodeNotOwner, "caller is not the vault owner", authz)
	register(CodeNotExecutor, "caller is not the trusted executor", authz)
	register(CodeNotMerchantAdmin, "caller is not the merchant admin", authz)
	register(CodeExceedsMaxPerTx, "amount exceeds max per tx", policy)
	register(CodeExceedsDailyLimit, "amount exceeds daily limit", policy)
	register(CodeTokenNotAllowed, "token not allowed", invalid)
	register(CodeInvalidAddress, "invalid address", invalid)
	register(CodeInvalidAmount, "invalid amount", invalid)
	register(CodeInsufficientBalance, "insufficient vault balance", xerrors.Attributes{
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusPaymentRequired,
	})
	register(CodeTransferFailed, "token transfer failed", xerrors.Attributes{
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusPaymentRequired,
	})
	register(CodeAllowanceExceeded, "token allowance exceeded", invalid)
	register(CodeAlreadyRegistered, "merchant already registered", xerrors.Attributes{
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	register(CodeUnknownMerchant, "merchant not registered", xerrors.Attributes{
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}
