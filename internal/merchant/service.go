package merchant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/web3"
	"ShadowStream/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// RegisterRequest 是创建接口目录项的请求体。
type RegisterRequest struct {
	AdminAddress  string `json:"adminAddress"`
	PayoutAddress string `json:"payoutAddress"`
	APIName       string `json:"apiName"`
	BaseURL       string `json:"baseUrl"`
	PricePerCall  string `json:"pricePerCall"`
	ChainID       uint64 `json:"chainId"`
	TokenAddress  string `json:"tokenAddress"`
}

// Registration 是 Register 的结果。Reused 为 true 时未发送注册交易。
type Registration struct {
	API        API    `json:"merchantApi"`
	MerchantID uint64 `json:"merchantId"`
	TxHash     string `json:"txHash,omitempty"`
	Reused     bool   `json:"reused"`
}

// Status 是商户在注册表中的实时状态。
type Status struct {
	MerchantID    uint64 `json:"merchantId"`
	Admin         string `json:"adminAddress"`
	PayoutAddress string `json:"payoutAddress"`
	Active        bool   `json:"active"`
}

// Service 维护接口目录并代理注册表管理操作。
type Service struct {
	store Store
	chain web3.Client
	audit *slog.Logger
	now   func() time.Time
}

// NewService 构造商户服务。
func NewService(store Store, chain web3.Client) (*Service, error) {
	if store == nil {
		return nil, errors.New("merchant store not configured")
	}
	if chain == nil {
		return nil, errors.New("chain client not configured")
	}
	return &Service{store: store, chain: chain, audit: logger.Audit(), now: time.Now}, nil
}

// Register 为管理员创建接口目录项。管理员已在注册表中登记时复用其商户 ID，
// 否则以管理员身份发送 registerMerchant。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	admin, payout, err := s.validate(ctx, req)
	if err != nil {
		return Registration{}, err
	}

	result := Registration{}
	merchantID, err := s.chain.MerchantIDByAdmin(ctx, admin)
	if err != nil {
		return Registration{}, err
	}
	if merchantID != 0 {
		result.Reused = true
	} else {
		reg, err := s.chain.RegisterMerchant(ctx, admin, payout)
		if err != nil {
			return Registration{}, err
		}
		merchantID = reg.MerchantID
		result.TxHash = reg.TxHash.Hex()
		s.audit.Info("merchant_registered",
			"merchant_id", merchantID,
			"admin", admin.Hex(),
			"payout", payout.Hex(),
			"tx_hash", result.TxHash,
		)
	}

	token := strings.TrimSpace(req.TokenAddress)
	if token != "" {
		token = common.HexToAddress(token).Hex()
	}
	api := API{
		ID:           uuid.NewString(),
		MerchantID:   merchantID,
		AdminAddress: admin.Hex(),
		APIName:      strings.TrimSpace(req.APIName),
		BaseURL:      strings.TrimRight(strings.TrimSpace(req.BaseURL), "/"),
		PricePerCall: strings.TrimSpace(req.PricePerCall),
		ChainID:      req.ChainID,
		TokenAddress: token,
		CreatedAt:    s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.CreateAPI(ctx, api); err != nil {
		return Registration{}, err
	}
	result.API = api
	result.MerchantID = merchantID
	return result, nil
}

func (s *Service) validate(ctx context.Context, req RegisterRequest) (common.Address, common.Address, error) {
	var zero common.Address
	if strings.TrimSpace(req.AdminAddress) == "" || strings.TrimSpace(req.PayoutAddress) == "" ||
		strings.TrimSpace(req.APIName) == "" || strings.TrimSpace(req.BaseURL) == "" ||
		strings.TrimSpace(req.PricePerCall) == "" {
		return zero, zero, xerrors.New(xerrors.CodeInvalidArgument, "Missing required fields")
	}
	if req.ChainID != s.chain.ChainID() {
		return zero, zero, ErrUnsupportedChain.With(xerrors.WithMetadata("supportedChainId", fmt.Sprint(s.chain.ChainID())))
	}
	admin, err := parseAddress("adminAddress", req.AdminAddress)
	if err != nil {
		return zero, zero, err
	}
	payout, err := parseAddress("payoutAddress", req.PayoutAddress)
	if err != nil {
		return zero, zero, err
	}
	if payout == zero {
		return zero, zero, xerrors.New(xerrors.CodeInvalidArgument, "payoutAddress must not be the zero address")
	}
	u, err := url.Parse(strings.TrimSpace(req.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return zero, zero, xerrors.New(xerrors.CodeInvalidArgument, "baseUrl must be an absolute http(s) URL")
	}

	decimals := web3.StablecoinDecimals
	if token := strings.TrimSpace(req.TokenAddress); token != "" {
		addr, err := parseAddress("tokenAddress", token)
		if err != nil {
			return zero, zero, err
		}
		info, err := s.chain.TokenInfo(ctx, addr)
		if err != nil {
			return zero, zero, err
		}
		decimals = info.Decimals
	}
	price, err := web3.ParseUnits(req.PricePerCall, decimals)
	if err != nil {
		return zero, zero, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pricePerCall is not a valid amount")
	}
	if price.Sign() <= 0 {
		return zero, zero, xerrors.New(xerrors.CodeInvalidArgument, "pricePerCall must be positive")
	}
	return admin, payout, nil
}

// API 返回目录项。
func (s *Service) API(ctx context.Context, id string) (API, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return API{}, xerrors.New(xerrors.CodeInvalidArgument, "merchantApiId is required")
	}
	return s.store.GetAPI(ctx, id)
}

// ListByAdmin 返回管理员的全部目录项。
func (s *Service) ListByAdmin(ctx context.Context, adminAddress string) ([]API, error) {
	admin, err := requireAdmin(adminAddress)
	if err != nil {
		return nil, err
	}
	return s.store.ListAPIs(ctx, ListFilter{AdminAddress: admin.Hex()})
}

// ListByMerchantIDs 返回指定商户的目录项。
func (s *Service) ListByMerchantIDs(ctx context.Context, ids []uint64) ([]API, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.store.ListAPIs(ctx, ListFilter{MerchantIDs: ids})
}

// MerchantIDOf 返回管理员的商户 ID，未注册时返回 ErrNotRegistered。
func (s *Service) MerchantIDOf(ctx context.Context, adminAddress string) (uint64, error) {
	admin, err := requireAdmin(adminAddress)
	if err != nil {
		return 0, err
	}
	id, err := s.chain.MerchantIDByAdmin(ctx, admin)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, ErrNotRegistered
	}
	return id, nil
}

// Status 读取管理员名下商户的链上状态。
func (s *Service) Status(ctx context.Context, adminAddress string) (Status, error) {
	id, err := s.MerchantIDOf(ctx, adminAddress)
	if err != nil {
		return Status{}, err
	}
	record, err := s.chain.Merchant(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		MerchantID:    id,
		Admin:         record.Admin.Hex(),
		PayoutAddress: record.PayoutAddress.Hex(),
		Active:        record.Active,
	}, nil
}

// UpdatePayout 修改收款地址，由管理员签名。
func (s *Service) UpdatePayout(ctx context.Context, adminAddress, payoutAddress string) (web3.Receipt, error) {
	id, err := s.MerchantIDOf(ctx, adminAddress)
	if err != nil {
		return web3.Receipt{}, err
	}
	payout, err := parseAddress("payoutAddress", payoutAddress)
	if err != nil {
		return web3.Receipt{}, err
	}
	admin := common.HexToAddress(adminAddress)
	receipt, err := s.chain.UpdatePayoutAddress(ctx, admin, id, payout)
	if err != nil {
		return web3.Receipt{}, err
	}
	s.audit.Info("merchant_payout_updated",
		"merchant_id", id,
		"payout", payout.Hex(),
		"tx_hash", receipt.TxHash.Hex(),
	)
	return receipt, nil
}

// SetActive 启用或停用商户，由管理员签名。
func (s *Service) SetActive(ctx context.Context, adminAddress string, active bool) (web3.Receipt, error) {
	id, err := s.MerchantIDOf(ctx, adminAddress)
	if err != nil {
		return web3.Receipt{}, err
	}
	admin := common.HexToAddress(adminAddress)
	receipt, err := s.chain.SetMerchantActive(ctx, admin, id, active)
	if err != nil {
		return web3.Receipt{}, err
	}
	s.audit.Info("merchant_status_updated",
		"merchant_id", id,
		"active", active,
		"tx_hash", receipt.TxHash.Hex(),
	)
	return receipt, nil
}

func requireAdmin(adminAddress string) (common.Address, error) {
	if strings.TrimSpace(adminAddress) == "" {
		return common.Address{}, ErrMissingAdmin
	}
	return parseAddress("x-merchant-admin-address", adminAddress)
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is not a valid address", field))
	}
	return common.HexToAddress(value), nil
}
