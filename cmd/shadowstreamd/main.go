package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ShadowStream/internal/activity"
	"ShadowStream/internal/analytics"
	"ShadowStream/internal/api"
	"ShadowStream/internal/auth"
	"ShadowStream/internal/config"
	"ShadowStream/internal/merchant"
	"ShadowStream/internal/observability/alerting"
	"ShadowStream/internal/observability/metrics"
	"ShadowStream/internal/proofs"
	"ShadowStream/internal/reconcile"
	"ShadowStream/internal/settlement"
	"ShadowStream/internal/storage/mysql"
	"ShadowStream/internal/vaults"
	"ShadowStream/internal/web3/provider"
	"ShadowStream/pkg/logger"
)

// main 是 ShadowStream 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("shadowstreamd 运行失败: %v", err)
	}
}

// stores 汇总三类链下记录的存储实现。
type stores struct {
	activities activity.Store
	agents     auth.Store
	merchants  merchant.Store
	close      func() error
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SHADOWSTREAM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "shadowstream.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("shadowstreamd")

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			lg.Warn("关闭存储失败", slog.Any("error", err))
		}
	}()

	executorKey, signerKeys, ephemeral, err := provider.Keys(cfg.Web3)
	if err != nil {
		return err
	}
	if ephemeral {
		lg.Warn("未配置执行者私钥，使用临时密钥，仅限开发环境")
	}
	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3, provider.Options{
		ExecutorKey:    executorKey,
		SignerKeys:     signerKeys,
		AllowSimulated: !cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chain, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}
	lg.Info("链客户端就绪",
		slog.Any("chains", chainRegistry.Chains()),
		slog.Uint64("chain_id", chain.ChainID()),
		slog.String("executor", chain.ExecutorAddress().Hex()),
	)

	signer, err := proofs.NewSigner(executorKey)
	if err != nil {
		return err
	}

	m := metrics.New()
	alerts := buildAlerts(cfg.Alerting)

	vaultSvc, err := vaults.NewService(chain, st.activities)
	if err != nil {
		return err
	}
	merchantSvc, err := merchant.NewService(st.merchants, chain)
	if err != nil {
		return err
	}
	agentSvc, err := auth.NewService(st.agents)
	if err != nil {
		return err
	}
	analyticsSvc, err := analytics.NewService(chain, st.activities, merchantSvc, st.agents)
	if err != nil {
		return err
	}
	orchestrator, err := settlement.NewOrchestrator(agentSvc, merchantSvc, st.activities, chain, signer, settlement.Options{
		ConfirmationTimeout: cfg.Settlement.ConfirmationTimeout,
		MerchantTimeout:     cfg.Settlement.MerchantTimeout,
		AgentRate:           cfg.Settlement.AgentRate,
		AgentBurst:          cfg.Settlement.AgentBurst,
		Breaker: settlement.BreakerSettings{
			MaxFailures: cfg.Settlement.BreakerMaxFailures,
			OpenTimeout: cfg.Settlement.BreakerOpenTimeout,
		},
		Metrics: m,
		Alerts:  alerts,
	})
	if err != nil {
		return err
	}

	if cfg.Reconcile.Enabled {
		queue, err := openQueue(cfg.Reconcile.Queue)
		if err != nil {
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				lg.Warn("关闭对账队列失败", slog.Any("error", err))
			}
		}()

		processor := reconcile.NewProcessor(st.activities, chain, queue,
			reconcile.WithWorkerCount(cfg.Reconcile.Workers),
			reconcile.WithAbandonAfter(cfg.Reconcile.AbandonAfter),
			reconcile.WithAlertDispatcher(alerts),
			reconcile.WithMetrics(m),
		)
		scanner := reconcile.NewScanner(st.activities, queue, reconcile.ScannerConfig{
			Interval:   cfg.Reconcile.Interval,
			StaleAfter: cfg.Reconcile.StaleAfter,
		}, m)

		workerCtx, workerCancel := context.WithCancel(ctx)
		defer workerCancel()
		go func() {
			if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("对账处理器异常退出", slog.Any("error", err))
			}
		}()
		go func() {
			if err := scanner.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("对账扫描器异常退出", slog.Any("error", err))
			}
		}()
	}

	server, err := api.NewServer(api.Options{
		Addr:            cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		SignatureSkew:   cfg.Server.SignatureMaxSkew,
	}, api.Services{
		Vaults:       vaultSvc,
		Merchants:    merchantSvc,
		Agents:       agentSvc,
		Analytics:    analyticsSvc,
		Orchestrator: orchestrator,
		Chain:        chain,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case "memory", "":
		activities := activity.NewMemoryStore()
		return &stores{
			activities: activities,
			agents:     auth.NewMemoryStore(),
			merchants:  merchant.NewMemoryStore(),
			close:      activities.Close,
		}, nil
	case mysql.DriverMySQL, mysql.DriverSQLite:
		db, err := mysql.Open(ctx, mysql.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return &stores{
			activities: mysql.NewActivityStore(db),
			agents:     mysql.NewAgentStore(db),
			merchants:  mysql.NewMerchantStore(db),
			close:      db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动 %s", cfg.Driver)
	}
}

func openQueue(cfg config.QueueConfig) (reconcile.Queue, error) {
	switch cfg.Driver {
	case "memory", "":
		return reconcile.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return reconcile.NewRedisQueue(reconcile.RedisQueueConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
	case "rabbitmq":
		return reconcile.NewRabbitMQQueue(reconcile.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	client := &http.Client{Timeout: cfg.Timeout}
	var notifiers []alerting.Notifier
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackWebhook, Client: client})
	}
	for _, url := range cfg.Webhooks {
		if url != "" {
			notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Client: client})
		}
	}
	return alerting.NewFanout(notifiers...)
}
