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
	"syscall"
	"time"

	"AgentFi-Chain/internal/api"
	"AgentFi-Chain/internal/attest"
	"AgentFi-Chain/internal/capability"
	"AgentFi-Chain/internal/collab"
	"AgentFi-Chain/internal/compliance"
	"AgentFi-Chain/internal/config"
	"AgentFi-Chain/internal/ledger"
	"AgentFi-Chain/internal/ledger/ethereum"
	"AgentFi-Chain/internal/llm/openai"
	"AgentFi-Chain/internal/observability/metrics"
	"AgentFi-Chain/internal/plan"
	"AgentFi-Chain/internal/settle"
	"AgentFi-Chain/pkg/logger"
)

// main 是 AgentFi 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentfid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Settlement: logger.SettlementLogConfig{
			Enabled: cfg.Log.SettlementLogPath != "",
			Path:    cfg.Log.SettlementLogPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	generator, err := createGenerator(cfg)
	if err != nil {
		return err
	}

	defs, err := capability.LoadMarketplace(cfg.Marketplace.Path)
	if err != nil {
		return err
	}
	registry, err := capability.BuildRegistry(defs, generator)
	if err != nil {
		return err
	}
	policy := capability.PolicyFromDefinitions(defs)

	// 账本：内存实现或 EVM 结算合约。
	var (
		payments     ledger.PaymentLedger
		complianceLg ledger.ComplianceLedger
		memory       *ledger.MemoryLedger
	)
	switch cfg.Ledger.Driver {
	case "", "memory":
		memory = ledger.NewMemoryLedger()
		payments = memory
		complianceLg = memory
	case "ethereum":
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:          "settlement",
			RPCURL:        cfg.Ledger.RPCURL,
			ContractAddr:  cfg.Ledger.ContractAddr,
			ChainID:       cfg.Ledger.ChainID,
			PrivateKeyHex: cfg.Ledger.PrivateKeyHex,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		payments = client
		complianceLg = client
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}

	// 存证通道。
	var attestations ledger.AttestationSink
	switch cfg.Attestation.Driver {
	case "", "memory":
		if memory == nil {
			memory = ledger.NewMemoryLedger()
		}
		attestations = memory
	case "rabbitmq":
		sink, err := attest.NewRabbitMQSink(attest.RabbitMQConfig{
			URL:     cfg.Attestation.URL,
			Queue:   cfg.Attestation.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		attestations = sink
	default:
		return fmt.Errorf("未知的存证驱动: %s", cfg.Attestation.Driver)
	}

	// 结算存储与流水。
	var store settle.Store
	switch cfg.Settlement.StoreDriver {
	case "", "memory":
		store = settle.NewMemoryStore()
	case "mysql":
		sqlStore, err := settle.NewSQLStore(cfg.Settlement.MySQLDSN)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	default:
		return fmt.Errorf("未知的结算存储驱动: %s", cfg.Settlement.StoreDriver)
	}

	var journal settle.Journal = settle.NopJournal{}
	if cfg.Settlement.RedisAddress != "" {
		redisJournal, err := settle.NewRedisJournal(settle.RedisJournalConfig{
			Address: cfg.Settlement.RedisAddress,
			DB:      cfg.Settlement.RedisDB,
			Key:     cfg.Settlement.JournalKey,
		})
		if err != nil {
			return err
		}
		defer redisJournal.Close()
		journal = redisJournal
	}

	executor := plan.NewExecutor(registry,
		plan.WithPayments(payments),
		plan.WithAttestations(attestations),
		plan.WithSplitPolicy(policy),
		plan.WithSideEffectTimeout(cfg.Runtime.SideEffectTimeout),
		plan.WithJournal(journal),
	)
	coordinator := collab.NewCoordinator(registry, payments,
		collab.WithSplitPolicy(policy),
		collab.WithJournal(journal),
		collab.WithStore(store),
	)
	gate := compliance.NewGate(registry, complianceLg,
		compliance.WithAttestations(attestations),
		compliance.WithCollaborator(coordinator),
		compliance.WithJournal(journal),
		compliance.WithStore(store),
		compliance.WithSideEffectTimeout(cfg.Runtime.SideEffectTimeout),
	)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.Named("metrics").Error("指标服务退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, registry, executor, coordinator, gate, generator, store)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("AGENTFI_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentfi.json")
		if _, err := os.Stat(configPath); err != nil {
			// 无配置文件时使用全内存后端，便于本地演示。
			return config.Default(), nil
		}
	}
	return config.Load(configPath)
}

func createGenerator(cfg *config.Config) (capability.Generator, error) {
	switch cfg.LLM.Provider {
	case "":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.APIKey)
		if apiKey == "" && cfg.LLM.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
