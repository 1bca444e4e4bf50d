package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"DefiFlow/internal/api"
	"DefiFlow/internal/config"
	"DefiFlow/internal/engine"
	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/events"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/intent"
	"DefiFlow/internal/observability/alerting"
	"DefiFlow/internal/observability/metrics"
	"DefiFlow/internal/pipeline"
	"DefiFlow/internal/quote"
	"DefiFlow/internal/web3"
	"DefiFlow/internal/web3/ethereum"
	"DefiFlow/internal/web3/provider"
	"DefiFlow/pkg/logger"
)

// main 是 DefiFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("defiflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("defiflowd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := createRunStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker(256)
	defer broker.Close()
	publisher, err := createPublisher(ctx, cfg, broker)
	if err != nil {
		return err
	}
	defer publisher.Close()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	wallet, err := ethereum.NewKeyedWallet(os.Getenv(cfg.Wallet.PrivateKeyEnv), chains)
	if err != nil {
		lg.Warn("钱包未就绪，启动运行前需配置私钥", "env", cfg.Wallet.PrivateKeyEnv, "error", err)
	}

	names, err := createResolver(ctx, cfg, chains)
	if err != nil {
		return err
	}

	model := graph.NewModel()
	graphFile := graphPath(cfg.Runtime.DataDir)
	if err := restoreGraph(model, graphFile); err != nil {
		lg.Warn("恢复图失败，使用空图", "path", graphFile, "error", err)
	}
	unsubscribe := model.Subscribe(persistGraph(model, graphFile))
	defer unsubscribe()

	deriver := quote.NewDeriver(model)
	deriver.Start()
	defer deriver.Stop()

	runner := pipeline.NewDefault(walletOrNil(wallet), names, pipelineSettings(cfg), pipeline.WithStepTimeout(cfg.Engine.StepTimeout()))

	alerts := alerting.NewFanout(&alerting.LogNotifier{})
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		alerts = alerting.NewFanout(&alerting.LogNotifier{}, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: time.Duration(cfg.Alerting.TimeoutSeconds) * time.Second},
		})
	}

	eng := engine.New(model, runner, walletOrNil(wallet),
		engine.WithDeriver(deriver),
		engine.WithPublisher(publisher),
		engine.WithRunStore(store),
		engine.WithAlerts(alerts),
		engine.WithExplorer(chains.ExplorerURL),
	)

	var compiler api.IntentCompiler
	if client, err := createLLMClient(cfg); err != nil {
		lg.Warn("意图编译服务未就绪", "provider", cfg.LLM.Provider, "error", err)
	} else {
		compiler = intent.New(client, model,
			intent.WithTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
			intent.WithPublisher(publisher),
		)
	}

	opts := []api.Option{api.WithIntentRate(cfg.Server.IntentRatePerMinute, cfg.Server.IntentBurst)}
	if cfg.Server.APITokenEnv != "" {
		token := strings.TrimSpace(os.Getenv(cfg.Server.APITokenEnv))
		if token == "" {
			return fmt.Errorf("环境变量 %s 未设置 API 令牌", cfg.Server.APITokenEnv)
		}
		opts = append(opts, api.WithAPIToken(token))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		opts = append(opts, api.WithMetrics(cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, api.Deps{
		Model:  model,
		Runs:   eng,
		Intent: compiler,
		Store:  store,
		Events: broker,
		Chains: chains,
	}, opts...)

	feed, err := createFeed(ctx, cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address, cfg.Metrics.Path)) })
	}
	if feed != nil {
		g.Go(func() error {
			err := ignoreCanceled(eng.Run(gctx, feed))
			// 价格源结束后继续提供 API，监控停留在无更新状态。
			if xerrors.CodeOf(err) == xerrors.CodeFeedFailed {
				if cfg.PriceFeed.Driver == "static" {
					lg.Info("回放价格已结束")
				} else {
					lg.Error("价格源已停止", "driver", cfg.PriceFeed.Driver, "error", err)
				}
				return nil
			}
			return err
		})
	}
	lg.Info("defiflowd 已启动", "address", cfg.Server.Address, "chains", chains.Chains())

	err = g.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.StepTimeout())
	defer cancel()
	if werr := eng.Wait(waitCtx); werr != nil {
		lg.Warn("等待执行结束超时", "error", werr)
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// walletOrNil 避免把值为 nil 的 *KeyedWallet 包装成非 nil 接口。
func walletOrNil(w *ethereum.KeyedWallet) web3.Wallet {
	if w == nil {
		return nil
	}
	return w
}
