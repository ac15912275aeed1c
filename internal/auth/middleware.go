package auth

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/proofs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultMaxSkew 是签名时间戳允许的最大偏差。
const DefaultMaxSkew = 5 * time.Minute

// 参与签名的请求体上限。
const maxSignedBody = 1 << 20

// 请求签名相关的错误。
var (
	ErrMissingSignature  = xerrors.New(xerrors.CodeUnauthorized, "Missing request signature")
	ErrStaleSignature    = xerrors.New(xerrors.CodeUnauthorized, "Request signature expired")
	ErrReplayedSignature = xerrors.New(xerrors.CodeUnauthorized, "Request signature already used")
	ErrCallerMismatch    = xerrors.New(xerrors.CodeForbidden, "Request signer does not match the acting address")
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// MaxSkew 是签名时间戳与服务器时间允许的偏差，默认 DefaultMaxSkew。
	MaxSkew time.Duration
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	// OnError 输出拒绝响应。为空时写出纯文本状态。
	OnError func(http.ResponseWriter, *http.Request, error)
}

// RequireSignature 返回一个 HTTP 中间件，要求请求携带调用方对
// proofs.RequestMessage 的 personal_sign 签名。验签得到的地址写入上下文，
// 处理函数通过 RequireCaller 与声明的地址比对后才能代其签发交易。
func (s *Service) RequireSignature(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	skew := cfg.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := s.verifyRequest(r, skew)
			if err != nil {
				s.deny(w, r, cfg, err)
				return
			}
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithCaller(r.Context(), caller)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("signed_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", caller.Hex(),
			)
		})
	}
}

// Authenticate 解析 Authorization: Bearer 中的 Agent 凭证并写入上下文。
// 未携带凭证的请求原样放行，由处理函数决定凭证来源。
func (s *Service) Authenticate(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := s.Resolve(r.Context(), token)
			if err != nil {
				s.deny(w, r, cfg, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func (s *Service) verifyRequest(r *http.Request, skew time.Duration) (common.Address, error) {
	signature := strings.TrimSpace(r.Header.Get(proofs.HeaderSignature))
	rawTS := strings.TrimSpace(r.Header.Get(proofs.HeaderTimestamp))
	if signature == "" || rawTS == "" {
		return common.Address{}, ErrMissingSignature
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return common.Address{}, proofs.ErrInvalidRequestSignature
	}
	now := s.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-skew)) || signedAt.After(now.Add(skew)) {
		return common.Address{}, ErrStaleSignature
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
		if err != nil {
			return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Invalid request body")
		}
		if len(body) > maxSignedBody {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "Request body too large")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	message := proofs.RequestMessage(r.Method, r.URL.Path, ts, body)
	caller, err := proofs.RecoverRequest(message, signature)
	if err != nil {
		return common.Address{}, err
	}
	// 同一签名者的同一消息只能使用一次，与签名编码无关。
	if !s.replay.claim(caller.Hex()+":"+crypto.Keccak256Hash(message).Hex(), signedAt.Add(skew), now) {
		return common.Address{}, ErrReplayedSignature
	}
	return caller, nil
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, err error) {
	status := xerrors.HTTPStatusOf(err)
	s.audit.Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	)
	if cfg.OnError != nil {
		cfg.OnError(w, r, err)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// replayCache 记录有效期内已使用的签名消息。
type replayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[string]time.Time)}
}

func (c *replayCache) claim(key string, expires, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, k)
		}
	}
	if _, used := c.seen[key]; used {
		return false
	}
	c.seen[key] = expires
	return true
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
