package web3

import (
	"net/http"

	xerrors "ShadowStream/internal/errors"
)

const (
	CodeSignerUnavailable   xerrors.Code = "CHAIN_SIGNER_UNAVAILABLE"
	CodeReceiptNotFound     xerrors.Code = "CHAIN_RECEIPT_NOT_FOUND"
	CodeTransactionReverted xerrors.Code = "CHAIN_TRANSACTION_REVERTED"
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeEventMissing        xerrors.Code = "CHAIN_EVENT_MISSING"
)

var (
	// ErrSignerUnavailable is returned when a call must be signed by an
	// account the client holds no key for.
	ErrSignerUnavailable = xerrors.New(CodeSignerUnavailable, "no signing key for account")
	// ErrReceiptNotFound means the transaction is unknown or not yet mined.
	ErrReceiptNotFound = xerrors.New(CodeReceiptNotFound, "transaction receipt not found")
	// ErrTransactionReverted means the transaction was mined and reverted.
	ErrTransactionReverted = xerrors.New(CodeTransactionReverted, "transaction reverted")
	// ErrEventMissing means a confirmed transaction lacked the expected log.
	ErrEventMissing = xerrors.New(CodeEventMissing, "expected event not found in receipt")
)

func init() {
	xerrors.Register(CodeSignerUnavailable, xerrors.Attributes{
		Message:    "no signing key for account",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeReceiptNotFound, xerrors.Attributes{
		Message:    "transaction receipt not found",
		Severity:   xerrors.SeverityInfo,
		Retryable:  true,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTransactionReverted, xerrors.Attributes{
		Message:    "transaction reverted",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:    "invalid amount",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeEventMissing, xerrors.Attributes{
		Message:    "expected event not found in receipt",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}
