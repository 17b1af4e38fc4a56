package capability

import (
	"context"
	"fmt"
	"strings"
)

// Generator 定义能力生成文本输出所依赖的外部协作者（通常是大模型服务）。
// 输出的具体内容由协作者决定，核心层只负责编排与结算。
type Generator interface {
	Generate(ctx context.Context, systemPrompt, query string) (string, error)
}

// Settlement 描述能力在跨能力协作市场中的结算参数。
type Settlement struct {
	// Enabled 表示该能力是否可以被其他能力雇佣。
	Enabled bool
	// PriceCredits 是被雇佣一次需要支付的信用价格。
	PriceCredits float64
	// MaxBudgetCredits 是该能力作为雇主时单次协作的预算上限。
	MaxBudgetCredits float64
	// AllowCrossAgent 表示该能力是否允许主动发起跨能力协作。
	AllowCrossAgent bool
	// Account 是能力自身的结算账户。
	Account string
	// OwnerAccount 是能力所有者的结算账户。
	OwnerAccount string
}

// Info 汇总能力的市场元数据。
type Info struct {
	ID           string
	Name         string
	Description  string
	PricePerCall float64
	Settlement   Settlement
}

// Capability 是市场中可调用的能力单元。
type Capability interface {
	Info() Info
	Invoke(ctx context.Context, query, wallet string) (string, error)
}

// PromptCapability 是以固定系统提示词驱动的能力实现，内置能力与
// 用户注册的能力都使用它，仅提示词来源不同。
type PromptCapability struct {
	info      Info
	prompt    string
	generator Generator
}

// NewPromptCapability 创建提示词驱动的能力。
func NewPromptCapability(info Info, prompt string, generator Generator) *PromptCapability {
	return &PromptCapability{info: info, prompt: prompt, generator: generator}
}

// Info 返回能力元数据。
func (c *PromptCapability) Info() Info {
	return c.info
}

// Prompt 返回能力的系统提示词。
func (c *PromptCapability) Prompt() string {
	return c.prompt
}

// Invoke 调用外部生成器产出结果。未配置生成器时返回确定性的占位输出，
// 便于离线环境运行编排与结算流程。
func (c *PromptCapability) Invoke(ctx context.Context, query, wallet string) (string, error) {
	if c.generator == nil {
		return c.offlineOutput(query), nil
	}
	prompt := c.prompt
	if wallet != "" {
		prompt = fmt.Sprintf("%s\n\nCaller wallet: %s", prompt, wallet)
	}
	output, err := c.generator.Generate(ctx, prompt, query)
	if err != nil {
		return "", err
	}
	return output, nil
}

func (c *PromptCapability) offlineOutput(query string) string {
	summary := strings.TrimSpace(query)
	if len(summary) > 80 {
		summary = summary[:80]
	}
	return fmt.Sprintf("[%s] no generator configured; query was: %s", c.info.ID, summary)
}

var _ Capability = (*PromptCapability)(nil)
