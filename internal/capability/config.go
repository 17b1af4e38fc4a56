package capability

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SplitDefinition 描述一笔协作付款在各方之间的分账比例。
type SplitDefinition struct {
	Owner    float64 `yaml:"owner"`
	Agent    float64 `yaml:"agent"`
	Platform float64 `yaml:"platform"`
}

// SettlementDefinition 是 marketplace.yaml 中的结算参数段。
type SettlementDefinition struct {
	Enabled          bool    `yaml:"enabled"`
	PriceCredits     float64 `yaml:"price_credits"`
	MaxBudgetCredits float64 `yaml:"max_budget_credits"`
	AllowCrossAgent  bool    `yaml:"allow_cross_agent"`
	Account          string  `yaml:"account"`
	OwnerAccount     string  `yaml:"owner_account"`
}

// CapabilityDefinition 描述一个内置能力。
type CapabilityDefinition struct {
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description"`
	PricePerCall float64              `yaml:"price_per_call"`
	Prompt       string               `yaml:"prompt"`
	Settlement   SettlementDefinition `yaml:"settlement"`
}

// MarketplaceDefinitions 是 configs/marketplace.yaml 的整体结构。
type MarketplaceDefinitions struct {
	Split           SplitDefinition                 `yaml:"split"`
	PlatformAccount string                          `yaml:"platform_account"`
	Capabilities    map[string]CapabilityDefinition `yaml:"capabilities"`
	Recommendations map[string][]string             `yaml:"recommendations"`
}

// LoadMarketplace 解析市场配置文件。路径为空时返回内置默认配置，
// 便于无配置文件的本地运行。
func LoadMarketplace(path string) (MarketplaceDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return defaultMarketplace(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return MarketplaceDefinitions{}, fmt.Errorf("读取市场配置失败: %w", err)
	}

	var defs MarketplaceDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return MarketplaceDefinitions{}, fmt.Errorf("解析市场配置失败: %w", err)
	}
	defs.applyDefaults()
	return defs, nil
}

func (d *MarketplaceDefinitions) applyDefaults() {
	if d.Split.Owner == 0 && d.Split.Agent == 0 && d.Split.Platform == 0 {
		d.Split = SplitDefinition{Owner: 0.70, Agent: 0.20, Platform: 0.10}
	}
	if d.Capabilities == nil {
		d.Capabilities = map[string]CapabilityDefinition{}
	}
	if d.Recommendations == nil {
		d.Recommendations = map[string][]string{}
	}
}

// BuildRegistry 根据市场配置构造注册表并注册全部内置能力。
func BuildRegistry(defs MarketplaceDefinitions, generator Generator) (*Registry, error) {
	registry := NewRegistry(defs.Recommendations)
	for id, def := range defs.Capabilities {
		info := Info{
			ID:           id,
			Name:         def.Name,
			Description:  def.Description,
			PricePerCall: def.PricePerCall,
			Settlement: Settlement{
				Enabled:          def.Settlement.Enabled,
				PriceCredits:     def.Settlement.PriceCredits,
				MaxBudgetCredits: def.Settlement.MaxBudgetCredits,
				AllowCrossAgent:  def.Settlement.AllowCrossAgent,
				Account:          def.Settlement.Account,
				OwnerAccount:     def.Settlement.OwnerAccount,
			},
		}
		if err := registry.Register(NewPromptCapability(info, def.Prompt, generator)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// defaultMarketplace 返回内置的三个市场能力及其推荐关系，
// 用于未提供 marketplace.yaml 的场景。
func defaultMarketplace() MarketplaceDefinitions {
	return MarketplaceDefinitions{
		Split:           SplitDefinition{Owner: 0.70, Agent: 0.20, Platform: 0.10},
		PlatformAccount: "0x0000000000000000000000000000000000000010",
		Capabilities: map[string]CapabilityDefinition{
			"portfolio_analyzer": {
				Name:         "Portfolio Analyzer",
				Description:  "Analyzes DeFi portfolio composition using real-time market data",
				PricePerCall: 0.5,
				Prompt:       "You are a DeFi portfolio analyzer. Parse the user's allocation, assess concentration risk and summarise 24h performance.",
				Settlement: SettlementDefinition{
					Enabled:          true,
					PriceCredits:     1.00,
					MaxBudgetCredits: 5.00,
					AllowCrossAgent:  true,
				},
			},
			"yield_optimizer": {
				Name:         "Yield Optimizer",
				Description:  "Recommends DeFi yield strategies across pools and lending markets",
				PricePerCall: 0.5,
				Prompt:       "You are a DeFi yield optimizer. Recommend pools and lending markets matching the user's risk appetite.",
				Settlement: SettlementDefinition{
					Enabled:          true,
					PriceCredits:     1.50,
					MaxBudgetCredits: 3.00,
					AllowCrossAgent:  true,
				},
			},
			"risk_scorer": {
				Name:         "Risk Scorer",
				Description:  "Scores portfolio risk on a 1-10 scale with concrete drivers",
				PricePerCall: 0.5,
				Prompt:       "You are a DeFi risk scorer. Score the given portfolio from 1 to 10 and name the main risk drivers.",
				Settlement: SettlementDefinition{
					Enabled:          true,
					PriceCredits:     0.50,
					MaxBudgetCredits: 2.00,
					AllowCrossAgent:  false,
				},
			},
		},
		Recommendations: map[string][]string{
			"portfolio_analyzer": {"risk_scorer", "yield_optimizer"},
			"yield_optimizer":    {"risk_scorer"},
			"risk_scorer":        {},
		},
	}
}
