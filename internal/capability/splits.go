package capability

// SplitPolicy 描述一笔能力付款在所有者、能力自身与平台之间的分账策略。
type SplitPolicy struct {
	OwnerFraction    float64
	AgentFraction    float64
	PlatformFraction float64
	PlatformAccount  string
}

// PolicyFromDefinitions 从市场配置派生分账策略。
func PolicyFromDefinitions(defs MarketplaceDefinitions) SplitPolicy {
	return SplitPolicy{
		OwnerFraction:    defs.Split.Owner,
		AgentFraction:    defs.Split.Agent,
		PlatformFraction: defs.Split.Platform,
		PlatformAccount:  defs.PlatformAccount,
	}
}

// SplitsFor 计算向目标能力付款时的账户到比例映射。未配置结算账户的
// 能力使用基于能力 ID 的派生账户，便于内存账本场景。同一账户出现在
// 多个角色中时比例累加。
func (p SplitPolicy) SplitsFor(info Info) map[string]float64 {
	agent := info.Settlement.Account
	if agent == "" {
		agent = info.ID
	}
	owner := info.Settlement.OwnerAccount
	if owner == "" {
		owner = info.ID + ".owner"
	}
	platform := p.PlatformAccount
	if platform == "" {
		platform = "platform"
	}

	splits := make(map[string]float64, 3)
	splits[owner] += p.OwnerFraction
	splits[agent] += p.AgentFraction
	splits[platform] += p.PlatformFraction
	return splits
}
