package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"AgentPay/internal/api"
	"AgentPay/internal/auth"
	"AgentPay/internal/config"
	"AgentPay/internal/events"
	"AgentPay/internal/ledger"
	"AgentPay/internal/market"
	"AgentPay/internal/observability/alerting"
	"AgentPay/internal/observability/metrics"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/schema"
	"AgentPay/internal/session"
	"AgentPay/internal/spending"
	"AgentPay/internal/storage/sqlstore"
	"AgentPay/internal/web3/provider"
	"AgentPay/internal/x402"
	"AgentPay/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

// stores 汇总各组件使用的持久化实现。
type stores struct {
	services registry.Store
	spending spending.Store
	ledger   ledger.Store
	db       *sqlstore.DB
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	replay, closeReplay, err := openReplayGuard(ctx, cfg, st.db)
	if err != nil {
		return err
	}
	defer closeReplay()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	queue, err := events.New(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭事件队列失败", slog.Any("error", err))
		}
	}()

	schemas := schema.NewValidator()
	directory := registry.NewService(st.services, registry.WithSchemaValidator(schemas))
	if err := directory.Load(ctx); err != nil {
		return err
	}
	guard := spending.NewGuard(st.spending, spending.WithDefaultLimits(defaultLimits(cfg.Spending)))
	book := ledger.New(st.ledger)
	verifier := payment.NewVerifier(chains, replay, payment.WithConfirmations(cfg.Web3.Confirmations))

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL,
			time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}

	broker := session.NewBroker(directory, guard, verifier,
		x402.NewClient(x402.WithTimeout(cfg.Session.ProviderTimeout())),
		book,
		session.WithTTL(cfg.Session.SessionTTL()),
		session.WithProviderTimeout(cfg.Session.ProviderTimeout()),
		session.WithProbe(cfg.Session.ProbeCandidates),
		session.WithPublisher(queue),
		session.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		session.WithSchemaValidator(schemas),
	)
	worker := events.NewWorker(directory, queue, events.WithWorkerCount(cfg.Events.Workers))

	authSvc, err := auth.NewService(auth.Config{
		Mode:     auth.Mode(cfg.Auth.Mode),
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Header:   cfg.Auth.Header,
		AdminKey: cfg.Auth.AdminKey,
	})
	if err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
		api.WithHealthCheck("chain", chains.Check),
	}
	if st.db != nil {
		serverOpts = append(serverOpts, api.WithHealthCheck("storage", st.db.Ping))
	}
	server := api.NewServer(cfg.Server.Address, market.New(directory, broker, book, guard), authSvc, serverOpts...)

	logger.L().Info("agentpayd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("replay", cfg.Replay.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.Any("networks", chains.Networks()),
	)

	staleAfter := cfg.Session.SessionTTL() + 2*cfg.Session.ProviderTimeout()
	if n, err := guard.ReleaseStale(ctx, staleAfter, nil); err != nil {
		logger.L().Warn("启动时回收遗留预扣失败", slog.Any("error", err))
	} else if n > 0 {
		logger.L().Info("启动时已回收遗留预扣", slog.Int("count", n))
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(gctx) })
	group.Go(func() error { return broker.Run(gctx, cfg.Session.ReapInterval()) })
	group.Go(func() error { return guard.Sweep(gctx, cfg.Session.ReapInterval(), staleAfter, broker.Holds) })
	group.Go(func() error { return worker.Run(gctx) })
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("agentpayd 已停止")
	return nil
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	if cfg.Driver == "memory" {
		return &stores{
			services: registry.NewMemoryStore(),
			spending: spending.NewMemoryStore(),
			ledger:   ledger.NewMemoryStore(),
		}, nil
	}
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &stores{
		services: db.Services(),
		spending: db.Spending(),
		ledger:   db.Ledger(),
		db:       db,
	}, nil
}

func openReplayGuard(ctx context.Context, cfg *config.Config, db *sqlstore.DB) (payment.ReplayGuard, func(), error) {
	noop := func() {}
	switch cfg.Replay.Driver {
	case "sql":
		return db.Replay(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Replay.RedisAddr,
			Password: cfg.Replay.Password,
			DB:       cfg.Replay.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		guard := payment.NewRedisReplayGuard(client, cfg.Replay.KeyPrefix, cfg.Replay.TTL())
		return guard, func() { _ = client.Close() }, nil
	default:
		return payment.NewMemoryReplayGuard(), noop, nil
	}
}

// defaultLimits 将配置中的 0 视为不设上限。
func defaultLimits(cfg config.SpendingConfig) spending.Limits {
	var limits spending.Limits
	if cfg.PerTransactionLimit > 0 {
		limits.PerTransaction = spending.Int64(cfg.PerTransactionLimit)
	}
	if cfg.DailyLimit > 0 {
		limits.Daily = spending.Int64(cfg.DailyLimit)
	}
	if cfg.MonthlyLimit > 0 {
		limits.Monthly = spending.Int64(cfg.MonthlyLimit)
	}
	return limits
}
