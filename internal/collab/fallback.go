package collab

import "fmt"

// fallbackTemplates 是按目标能力 ID 固定的自算降级文本，
// 不依赖任何实时数据，同一目标永远得到同一段文本。
var fallbackTemplates = map[string]string{
	"risk_scorer": "**Risk Assessment (self-computed, simplified):**\n" +
		"Based on general portfolio allocation rules, estimated risk score: 5.5/10.\n" +
		"*Note: A dedicated cross-agent risk analysis would provide more accurate, " +
		"real-time risk scoring. This capability needs more credits to afford it.*",
	"yield_optimizer": "**Yield Overview (self-computed, simplified):**\n" +
		"General DeFi yields range from 2-15% APY.\n" +
		"*Note: A dedicated cross-agent yield analysis would provide specific pool " +
		"recommendations with live APY data.*",
	"portfolio_analyzer": "**Portfolio Overview (self-computed, simplified):**\n" +
		"Basic portfolio allocation data available.\n" +
		"*Note: A dedicated cross-agent portfolio analysis would provide a more " +
		"detailed token-level breakdown.*",
}

// SelfComputeFallback 返回目标能力的确定性降级文本。
func SelfComputeFallback(targetID string) string {
	if text, ok := fallbackTemplates[targetID]; ok {
		return text
	}
	return fmt.Sprintf("[%s: fallback -- insufficient data]", targetID)
}
