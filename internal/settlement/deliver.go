package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"ShadowStream/internal/observability/metrics"
	"ShadowStream/pkg/logger"

	"github.com/sony/gobreaker"
)

// 商户回调请求头。
const (
	HeaderPaid   = "x-shadowstream-paid"
	HeaderProof  = "x-shadowstream-proof"
	HeaderVault  = "x-shadowstream-vault"
	HeaderAmount = "x-shadowstream-amount"
)

const maxResponseBytes = 4 << 20

// Delivery 是一次已付款的商户调用。
type Delivery struct {
	MerchantID uint64
	URL        string
	Payload    json.RawMessage
	TxHash     string
	Proof      string
	Vault      string
	Amount     string
}

// DeliveryFailure 是商户调用失败时返回给调用方的结构。
type DeliveryFailure struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// BreakerSettings 配置每个商户的熔断器。
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Deliverer 调用商户接口。每个商户一个熔断器，调用从不重试。
type Deliverer struct {
	client   *http.Client
	settings BreakerSettings
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	breakers map[uint64]*gobreaker.CircuitBreaker
}

// NewDeliverer 创建 Deliverer。timeout 为单次调用的超时时间。
func NewDeliverer(timeout time.Duration, settings BreakerSettings, m *metrics.Metrics) *Deliverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	return &Deliverer{
		client:   &http.Client{Timeout: timeout},
		settings: settings,
		metrics:  m,
		log:      logger.Named("delivery"),
		breakers: make(map[uint64]*gobreaker.CircuitBreaker),
	}
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("Request failed with status code %d", e.status)
}

// Deliver 调用商户并返回其响应。失败时返回 DeliveryFailure，从不返回 error。
func (d *Deliverer) Deliver(ctx context.Context, req Delivery) any {
	breaker := d.breaker(req.MerchantID)

	var (
		response any
		status   int
	)
	_, err := breaker.Execute(func() (interface{}, error) {
		var callErr error
		response, status, callErr = d.call(ctx, req)
		if callErr != nil {
			return nil, callErr
		}
		if status >= http.StatusInternalServerError {
			return nil, &httpStatusError{status: status}
		}
		return nil, nil
	})
	d.metrics.SetBreakerState(req.MerchantID, int(breaker.State()))

	var statusErr *httpStatusError
	switch {
	case err == nil && status >= 200 && status < 300:
		d.metrics.ObserveDelivery(req.MerchantID, "ok")
		return response
	case err == nil:
		d.metrics.ObserveDelivery(req.MerchantID, "http_error")
		return DeliveryFailure{Error: "API call failed", Message: (&httpStatusError{status: status}).Error(), Status: status}
	case errors.As(err, &statusErr):
		d.metrics.ObserveDelivery(req.MerchantID, "http_error")
		return DeliveryFailure{Error: "API call failed", Message: statusErr.Error(), Status: statusErr.status}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		d.metrics.ObserveDelivery(req.MerchantID, "breaker_open")
		d.log.Warn("merchant breaker open, skipping call",
			slog.Uint64("merchant_id", req.MerchantID),
			slog.String("tx_hash", req.TxHash),
		)
		return DeliveryFailure{Error: "API call failed", Message: err.Error()}
	default:
		d.metrics.ObserveDelivery(req.MerchantID, "transport_error")
		d.log.Warn("merchant call failed",
			slog.Uint64("merchant_id", req.MerchantID),
			slog.String("url", req.URL),
			slog.Any("error", err),
		)
		return DeliveryFailure{Error: "API call failed", Message: err.Error()}
	}
}

func (d *Deliverer) call(ctx context.Context, req Delivery) (any, int, error) {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderPaid, req.TxHash)
	if req.Proof != "" {
		httpReq.Header.Set(HeaderProof, req.Proof)
	}
	if req.Vault != "" {
		httpReq.Header.Set(HeaderVault, req.Vault)
	}
	if req.Amount != "" {
		httpReq.Header.Set(HeaderAmount, req.Amount)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return decodeBody(body), resp.StatusCode, nil
}

// decodeBody 保留合法 JSON 原文，其余按字符串返回。
func decodeBody(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return string(body)
}

func (d *Deliverer) breaker(merchantID uint64) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[merchantID]; ok {
		return cb
	}
	maxFailures := d.settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "merchant-" + strconv.FormatUint(merchantID, 10),
		MaxRequests: 1,
		Timeout:     d.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("merchant breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	d.breakers[merchantID] = cb
	return cb
}
