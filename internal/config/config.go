package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 AgentFi 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Log         LogConfig         `json:"log"`
	Ledger      LedgerConfig      `json:"ledger"`
	Settlement  SettlementConfig  `json:"settlement"`
	Attestation AttestationConfig `json:"attestation"`
	Marketplace MarketplaceConfig `json:"marketplace"`
	LLM         LLMConfig         `json:"llm"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
// metrics_address 非空时会在独立端口暴露 /metrics。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LogConfig 控制日志输出与结算审计日志。
type LogConfig struct {
	Level             string `json:"level"`
	Format            string `json:"format"`
	SettlementLogPath string `json:"settlement_log_path"`
}

// LedgerConfig 描述支付与合规账本的接入方式。
// driver 为 memory 时使用内存账本，为 ethereum 时连接结算合约。
type LedgerConfig struct {
	Driver        string `json:"driver"`
	RPCURL        string `json:"rpc_url"`
	ContractAddr  string `json:"contract_address"`
	ChainID       int64  `json:"chain_id"`
	PrivateKeyHex string `json:"private_key_hex"`
}

// SettlementConfig 描述结算存储与流水后端。
type SettlementConfig struct {
	StoreDriver  string `json:"store_driver"`
	MySQLDSN     string `json:"mysql_dsn"`
	RedisAddress string `json:"redis_address"`
	RedisDB      int    `json:"redis_db"`
	JournalKey   string `json:"journal_key"`
}

// AttestationConfig 描述存证通道。driver 为 memory 时存证随内存账本，
// 为 rabbitmq 时发布到消息队列。
type AttestationConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url"`
	Queue  string `json:"queue"`
}

// MarketplaceConfig 指向能力市场定义文件。
type MarketplaceConfig struct {
	Path string `json:"path"`
}

// LLMConfig 配置能力输出使用的大模型。provider 为空时能力返回
// 确定性的占位输出。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	SideEffectTimeout time.Duration `json:"-"`
	SideEffectSeconds int           `json:"side_effect_timeout_seconds"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default 返回全内存后端的默认配置，用于无配置文件的本地运行。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Settlement.StoreDriver == "" {
		c.Settlement.StoreDriver = "memory"
	}
	if c.Settlement.JournalKey == "" {
		c.Settlement.JournalKey = "agentfi:settlement"
	}
	if c.Attestation.Driver == "" {
		c.Attestation.Driver = "memory"
	}
	if c.Marketplace.Path != "" && !filepath.IsAbs(c.Marketplace.Path) {
		c.Marketplace.Path = filepath.Join(baseDir, c.Marketplace.Path)
	}
	if c.Runtime.SideEffectSeconds <= 0 {
		c.Runtime.SideEffectSeconds = 10
	}
	c.Runtime.SideEffectTimeout = time.Duration(c.Runtime.SideEffectSeconds) * time.Second
}
