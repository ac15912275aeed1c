package activity

import (
	"context"
	"net/http"
	"time"

	xerrors "ShadowStream/internal/errors"
)

// Status 表示一次支付尝试在生命周期中的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsValidStatus 判断状态是否合法。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Activity 记录一次从金库向商户付款的尝试。在链上交易提交前以 pending
// 状态写入，得知结果后恰好转换一次。
type Activity struct {
	ID            string    `json:"id"`
	VaultAddress  string    `json:"vaultAddress"`
	AgentID       string    `json:"agentId,omitempty"`
	MerchantID    uint64    `json:"merchantId"`
	MerchantAPIID string    `json:"merchantApiId"`
	Amount        string    `json:"amount"`
	TokenAddress  string    `json:"tokenAddress"`
	TxHash        string    `json:"txHash,omitempty"`
	RequestURL    string    `json:"requestUrl,omitempty"`
	Status        Status    `json:"status"`
	Error         string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Finalized 报告记录是否已经结束。
func (a *Activity) Finalized() bool {
	return a != nil && a.Status != StatusPending
}

// Store 抽象活动记录的持久化。状态转换只能作用于 pending 记录。
type Store interface {
	Create(ctx context.Context, activity *Activity) error
	Get(ctx context.Context, id string) (*Activity, error)
	// AttachTxHash 在记录仍为 pending 时写入交易哈希。
	AttachTxHash(ctx context.Context, id, txHash string) error
	MarkSucceeded(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id, reason string) error
	List(ctx context.Context, opts ListOptions) ([]*Activity, error)
	Close() error
}

const (
	CodeActivityNotFound  xerrors.Code = "ACTIVITY_NOT_FOUND"
	CodeActivityFinalized xerrors.Code = "ACTIVITY_FINALIZED"
)

var (
	// ErrActivityNotFound 表示记录不存在。
	ErrActivityNotFound = xerrors.New(CodeActivityNotFound, "activity not found")
	// ErrActivityFinalized 表示记录已经结束，不能再次转换。
	ErrActivityFinalized = xerrors.New(CodeActivityFinalized, "activity already finalized", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeActivityNotFound, xerrors.Attributes{
		Message:    "activity not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeActivityFinalized, xerrors.Attributes{
		Message:    "activity already finalized",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
}

// Now 返回毫秒精度的 UTC 时间，与 SQL 存储的精度一致。
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
