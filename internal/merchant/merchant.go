package merchant

import (
	"context"
	"net/http"
	"time"

	xerrors "ShadowStream/internal/errors"
)

// API 是商户在目录中发布的一个付费接口。价格以十进制字符串保存，
// 单位是支付代币。
type API struct {
	ID           string    `json:"id"`
	MerchantID   uint64    `json:"merchantId"`
	AdminAddress string    `json:"adminAddress"`
	APIName      string    `json:"apiName"`
	BaseURL      string    `json:"baseUrl"`
	PricePerCall string    `json:"pricePerCall"`
	ChainID      uint64    `json:"chainId"`
	TokenAddress string    `json:"tokenAddress,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListFilter 约束 ListAPIs 的结果。为空的字段不参与过滤。
type ListFilter struct {
	AdminAddress string
	MerchantIDs  []uint64
}

// Store 抽象商户接口目录的持久化。ListAPIs 按创建时间倒序返回。
type Store interface {
	CreateAPI(ctx context.Context, api API) error
	GetAPI(ctx context.Context, id string) (API, error)
	ListAPIs(ctx context.Context, filter ListFilter) ([]API, error)
}

const (
	CodeAPINotFound      xerrors.Code = "MERCHANT_API_NOT_FOUND"
	CodeNotRegistered    xerrors.Code = "MERCHANT_NOT_REGISTERED"
	CodeInactive         xerrors.Code = "MERCHANT_INACTIVE"
	CodeUnsupportedChain xerrors.Code = "UNSUPPORTED_CHAIN"
)

var (
	// ErrAPINotFound 表示目录中不存在该接口。
	ErrAPINotFound = xerrors.New(CodeAPINotFound, "Merchant API not found")
	// ErrNotRegistered 表示管理员地址在注册表中没有商户 ID。
	ErrNotRegistered = xerrors.New(CodeNotRegistered, "Merchant not registered")
	// ErrInactive 表示商户已被停用。
	ErrInactive = xerrors.New(CodeInactive, "Merchant is not active")
	// ErrUnsupportedChain 表示请求的链不是服务所在的链。
	ErrUnsupportedChain = xerrors.New(CodeUnsupportedChain, "Unsupported chain")
	// ErrMissingAdmin 表示缺少 x-merchant-admin-address。
	ErrMissingAdmin = xerrors.New(xerrors.CodeInvalidArgument, "Missing x-merchant-admin-address header")
)

func init() {
	xerrors.Register(CodeAPINotFound, xerrors.Attributes{
		Message:    "merchant api not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeNotRegistered, xerrors.Attributes{
		Message:    "merchant not registered",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeInactive, xerrors.Attributes{
		Message:    "merchant is not active",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeUnsupportedChain, xerrors.Attributes{
		Message:    "unsupported chain",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}
