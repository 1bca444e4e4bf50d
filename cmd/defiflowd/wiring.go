package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"DefiFlow/internal/config"
	"DefiFlow/internal/events"
	"DefiFlow/internal/llm"
	"DefiFlow/internal/llm/openai"
	"DefiFlow/internal/llm/pythonbridge"
	"DefiFlow/internal/pipeline"
	"DefiFlow/internal/pricefeed"
	"DefiFlow/internal/resolver"
	"DefiFlow/internal/runlog"
	"DefiFlow/internal/web3/provider"
	"DefiFlow/pkg/logger"
)

func createRunStore(ctx context.Context, cfg *config.Config) (runlog.Store, error) {
	rs := cfg.Storage.RunStore
	switch rs.Driver {
	case "memory", "":
		return runlog.NewMemoryStore(), nil
	case "mysql":
		return runlog.NewMySQLStore(ctx, runlog.MySQLConfig{
			DSN:             rs.DSN,
			MaxOpenConns:    rs.MaxOpenConns,
			MaxIdleConns:    rs.MaxIdleConns,
			ConnMaxLifetime: time.Duration(rs.ConnMaxLifetime) * time.Second,
			AutoMigrate:     rs.AutoMigrate,
		})
	default:
		return nil, fmt.Errorf("未知的运行记录驱动: %s", rs.Driver)
	}
}

// createPublisher 始终包含内存 broker，供 API 事件流订阅。
func createPublisher(ctx context.Context, cfg *config.Config, broker *events.Broker) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.Fanout{broker}, nil
	case "redis":
		pub, err := events.NewRedis(ctx, events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		return events.Fanout{broker, pub}, nil
	case "rabbitmq":
		pub, err := events.NewRabbitMQ(events.RabbitMQConfig{
			URL:   cfg.Events.RabbitMQ.URL,
			Queue: cfg.Events.RabbitMQ.Queue,
		})
		if err != nil {
			return nil, err
		}
		return events.Fanout{broker, pub}, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func redisClient(rc config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: rc.Address, Password: rc.Password, DB: rc.DB})
}

func createResolver(ctx context.Context, cfg *config.Config, chains *provider.Registry) (resolver.Resolver, error) {
	rc := cfg.Resolver
	static := resolver.NewStatic(rc.Static)
	if rc.Driver == "static" {
		return static, nil
	}

	client, err := chains.Lookup(rc.Chain)
	if err != nil {
		return nil, fmt.Errorf("名称解析链不可用: %w", err)
	}
	if !common.IsHexAddress(rc.RegistryAddress) {
		return nil, fmt.Errorf("resolver.registry_address 无效: %s", rc.RegistryAddress)
	}
	var names resolver.Resolver = resolver.NewENS(client, common.HexToAddress(rc.RegistryAddress),
		resolver.WithRateLimit(rc.RatePerSecond, rc.Burst))
	if rc.Cache.Enabled {
		cache := redisClient(rc.Cache.Redis)
		if err := cache.Ping(ctx).Err(); err != nil {
			_ = cache.Close()
			return nil, fmt.Errorf("连接解析缓存失败: %w", err)
		}
		names = resolver.NewCached(names, cache, time.Duration(rc.Cache.TTLSeconds)*time.Second)
	}
	if len(rc.Static) > 0 {
		names = resolver.Chain{static, names}
	}
	return names, nil
}

// createFeed 在 driver 为 none 时返回 nil，此时引擎不接收价格。
func createFeed(ctx context.Context, cfg *config.Config) (pricefeed.Feed, error) {
	pf := cfg.PriceFeed
	switch pf.Driver {
	case "binance":
		feed := pricefeed.NewBinance(pf.URL, time.Duration(pf.HandshakeMillis)*time.Millisecond)
		return pricefeed.NewReconnecting(feed, pricefeed.DefaultBackoff), nil
	case "redis":
		client := redisClient(pf.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Named("defiflowd").Warn("价格频道暂不可用，将自动重连", "address", pf.Redis.Address, "error", err)
		}
		feed := pricefeed.NewRedis(client, pf.Redis.Channel, pf.Symbol)
		return pricefeed.NewReconnecting(feed, pricefeed.DefaultBackoff), nil
	case "static":
		return pricefeed.Static{Prices: pf.Static, Interval: time.Duration(pf.IntervalMillis) * time.Millisecond, Symbol: pf.Symbol}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("未知的价格源: %s", pf.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
			Timeout:     timeout,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func pipelineSettings(cfg *config.Config) pipeline.Settings {
	c := cfg.Web3.Contracts
	return pipeline.Settings{
		SwapChain:            c.SwapChain,
		SwapExecutor:         common.HexToAddress(c.SwapExecutor),
		SwapTokenOut:         common.HexToAddress(c.SwapTokenOut),
		SwapTokenOutDecimals: c.SwapTokenOutDecimals,
		SwapPoolFee:          c.SwapPoolFee,
		PayrollChain:         c.PayrollChain,
		PayrollContract:      common.HexToAddress(c.PayrollContract),
		PayrollToken:         common.HexToAddress(c.PayrollToken),
		PayrollTokenDecimals: c.PayrollTokenDecimals,
		MaxRecipients:        cfg.Engine.MaxRecipients,
	}
}
