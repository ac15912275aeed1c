package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ShadowStream/internal/analytics"
	"ShadowStream/internal/auth"
	"ShadowStream/internal/merchant"
	"ShadowStream/internal/observability/metrics"
	"ShadowStream/internal/proofs"
	"ShadowStream/internal/settlement"
	"ShadowStream/internal/vaults"
	"ShadowStream/internal/web3"
	"ShadowStream/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// Services 汇总 API 层依赖的业务服务。
type Services struct {
	Vaults       *vaults.Service
	Merchants    *merchant.Service
	Agents       *auth.Service
	Analytics    *analytics.Service
	Orchestrator *settlement.Orchestrator
	Chain        web3.Client
	Metrics      *metrics.Metrics
}

// Options 控制 HTTP 服务器参数。
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// SignatureSkew 是签名请求时间戳允许的偏差，默认 auth.DefaultMaxSkew。
	SignatureSkew   time.Duration
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts   Options
	svc    Services
	router chi.Router
	log    *slog.Logger
	audit  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options, svc Services) (*Server, error) {
	if svc.Vaults == nil || svc.Merchants == nil || svc.Agents == nil || svc.Analytics == nil || svc.Orchestrator == nil || svc.Chain == nil {
		return nil, errors.New("api services not configured")
	}
	if opts.Addr == "" {
		opts.Addr = ":4000"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{
		opts:  opts,
		svc:   svc,
		log:   logger.Named("api"),
		audit: logger.Audit(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", headerUser, headerMerchantAdmin, headerOrg, proofs.HeaderSignature, proofs.HeaderTimestamp},
		MaxAge:         int((12 * time.Hour).Seconds()),
	}).Handler)

	r.Get("/health", s.handleHealth)
	if s.svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.svc.Metrics.Handler())
	}

	// 代地址签发交易或写入凭证的接口必须由该地址签名。
	authCfg := auth.MiddlewareConfig{MaxSkew: s.opts.SignatureSkew, OnError: s.writeError}
	signed := s.svc.Agents.RequireSignature(authCfg)

	r.Route("/api", func(r chi.Router) {
		r.Route("/user/vaults", func(r chi.Router) {
			r.With(signed).Post("/", s.handleCreateVault)
			r.Get("/", s.handleListVaults)
			r.Route("/{vault}", func(r chi.Router) {
				r.Get("/activity", s.handleVaultActivity)
				r.Group(func(r chi.Router) {
					r.Use(signed)
					r.Put("/rules", s.handleSetRules)
					r.Put("/executor", s.handleSetExecutor)
					r.Post("/deposit", s.handleDeposit)
					r.Post("/withdraw", s.handleWithdraw)
				})
			})
		})

		r.Route("/merchant", func(r chi.Router) {
			r.With(signed).Post("/apis", s.handleRegisterAPI)
			r.Get("/apis", s.handleListAPIs)
			r.With(signed).Put("/payout", s.handleUpdatePayout)
			r.Get("/status", s.handleMerchantStatus)
			r.With(signed).Put("/status", s.handleSetMerchantActive)
		})

		r.With(signed).Post("/agents", s.handleCreateAgent)
		r.Get("/agents", s.handleListAgents)

		r.Get("/analytics/user", s.handleUserAnalytics)
		r.Get("/analytics/merchant", s.handleMerchantAnalytics)

		r.With(s.svc.Agents.Authenticate(authCfg)).Post("/pay-and-call", s.handlePayAndCall)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Route not found"})
	})
	s.router = r
}

// Handler 返回路由，便于测试或挂载到其他服务器。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务已启动", slog.String("addr", s.opts.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	snapshot, err := s.svc.Chain.FetchChainSnapshot(ctx)
	if err != nil {
		s.log.Warn("读取链状态失败", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"chain":     snapshot,
	})
}
