package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"LoanSolver-Chain/internal/chain"
	"LoanSolver-Chain/internal/chain/provider"
	"LoanSolver-Chain/internal/config"
	"LoanSolver-Chain/internal/loan"
	"LoanSolver-Chain/internal/observability/alerting"
	"LoanSolver-Chain/pkg/logger"
)

// main 是 LoanSolver 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("loansolverd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("LOANSOLVER_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "loansolver.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logger.Audit.Enabled,
			Path:       cfg.Logger.Audit.Path,
			MaxSizeMB:  cfg.Logger.Audit.MaxSizeMB,
			MaxBackups: cfg.Logger.Audit.MaxBackups,
			MaxAgeDays: cfg.Logger.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	endpoints, err := chain.LoadEndpoints(cfg.Chains.ConfigPath)
	if err != nil {
		return err
	}
	// 监听链必须在端点表中有定义，放款链可以在运行期才出现，
	// 提交时再校验。
	for _, chainID := range cfg.Chains.Watch {
		if _, ok := endpoints.ByID(chainID); !ok {
			return fmt.Errorf("监听链 %d 未在 %s 中定义", chainID, cfg.Chains.ConfigPath)
		}
	}

	chains, err := provider.NewRegistry(ctx, endpoints)
	if err != nil {
		return err
	}
	defer chains.Close()

	wallet, err := loadWallet(cfg.Wallet)
	if err != nil {
		return err
	}
	logger.L().Info("loan solver starting",
		"account", wallet.Address().Hex(),
		"watch_chains", cfg.Chains.Watch)

	registry, err := createRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer func() {
		_ = registry.Close()
	}()

	queue, err := createQueue(cfg.Intents)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("closing intent queue", "error", err)
		}
	}()

	policy, err := createPolicy(cfg.Policy)
	if err != nil {
		return err
	}

	alerts := alerting.NewFanout()
	submitter := loan.NewSubmitter(chains, wallet,
		loan.WithSubmitRetries(cfg.Submitter.MaxRetries,
			time.Duration(cfg.Submitter.RetryBackoffSeconds)*time.Second))

	coordinator := loan.NewCoordinator(queue, policy, submitter, registry,
		loan.WithCoordinatorWorkers(cfg.Intents.Worker),
		loan.WithCoordinatorAlerts(alerts))
	scheduler := loan.NewScheduler(registry, submitter,
		loan.WithSchedulerInterval(time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second),
		loan.WithSchedulerAlerts(alerts, cfg.Scheduler.AlertAfterFailures))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("coordinator stopped", "error", err)
		}
	}()

	for _, chainID := range cfg.Chains.Watch {
		client, _ := chains.Client(chainID)
		endpoint, _ := chains.Endpoint(chainID)
		watcher := loan.NewWatcher(chainID, client, endpoint.ContractAddress, queue, cfg.Intents.MaxAttempts,
			loan.WithWatcherFromBlock(cfg.Chains.FromBlock))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("watcher stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("scheduler stopped", "error", err)
		}
	}()

	<-ctx.Done()
	wg.Wait()
	logger.L().Info("loan solver stopped")
	return ctx.Err()
}

// loadWallet 优先从环境变量读取私钥，其次读取配置文件。
func loadWallet(cfg config.WalletConfig) (*loan.Wallet, error) {
	key := cfg.PrivateKey
	if cfg.PrivateKeyEnv != "" {
		if fromEnv := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv)); fromEnv != "" {
			key = fromEnv
		}
	}
	if key == "" {
		return nil, fmt.Errorf("未配置放款账户私钥，请设置环境变量 %s", cfg.PrivateKeyEnv)
	}
	return loan.NewWallet(key)
}

func createRegistry(cfg config.RegistryConfig) (loan.Registry, error) {
	switch cfg.Driver {
	case "", "memory":
		return loan.NewMemoryRegistry(), nil
	case "mysql":
		return loan.NewMySQLRegistry(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的登记表驱动: %s", cfg.Driver)
	}
}

func createQueue(cfg config.IntentsConfig) (loan.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return loan.NewMemoryQueue(1024), nil
	case "redis":
		return loan.NewRedisQueue(loan.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return loan.NewRabbitMQQueue(loan.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func createPolicy(cfg config.PolicyConfig) (*loan.Policy, error) {
	if !cfg.Oracle.Enabled {
		return loan.NewPolicy(), nil
	}
	oracle, err := loan.NewReputationClient(loan.ReputationConfig{
		BaseURL: cfg.Oracle.BaseURL,
		Timeout: time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return loan.NewPolicy(loan.WithReputationSource(oracle, cfg.MinRating)), nil
}
