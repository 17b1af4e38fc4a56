package capability

import (
	"sort"
	"strings"
	"sync"

	xerrors "AgentFi-Chain/internal/errors"
)

// Registry 管理市场中全部能力的注册、解析与推荐关系。
// 一个进程构造一个实例，通过依赖注入传给编排与协作层；
// 所有写操作由实例内的互斥锁保护，读操作返回快照。
type Registry struct {
	mu              sync.RWMutex
	capabilities    map[string]Capability
	recommendations map[string][]string
	earned          map[string]float64
}

// NewRegistry 创建空注册表。recommendations 是静态推荐映射：
// 调用方能力 id 到按优先级排序的协作目标 id 列表。
func NewRegistry(recommendations map[string][]string) *Registry {
	recs := make(map[string][]string, len(recommendations))
	for caller, targets := range recommendations {
		recs[caller] = append([]string(nil), targets...)
	}
	return &Registry{
		capabilities:    make(map[string]Capability),
		recommendations: recs,
		earned:          make(map[string]float64),
	}
}

// Register 注册一个能力。id 冲突时返回错误。
func (r *Registry) Register(cap Capability) error {
	if cap == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "capability 不能为空")
	}
	id := strings.TrimSpace(cap.Info().ID)
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.capabilities[id]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力 "+id+" 已存在")
	}
	r.capabilities[id] = cap
	return nil
}

// Resolve 按 id 查找能力。
func (r *Registry) Resolve(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.capabilities[id]
	return cap, ok
}

// List 返回全部能力的元数据，按 id 排序。
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.capabilities))
	for _, cap := range r.capabilities {
		infos = append(infos, cap.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Recommendations 返回调用方的协作目标列表：静态推荐在前、保持配置
// 顺序，其后追加所有已注册且开启结算的能力（按 id 排序，去重，
// 不含调用方自身）。
func (r *Registry) Recommendations(callerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := append([]string(nil), r.recommendations[callerID]...)
	seen := make(map[string]bool, len(result))
	for _, id := range result {
		seen[id] = true
	}

	dynamic := make([]string, 0, len(r.capabilities))
	for id, cap := range r.capabilities {
		if id == callerID || seen[id] {
			continue
		}
		if cap.Info().Settlement.Enabled {
			dynamic = append(dynamic, id)
		}
	}
	sort.Strings(dynamic)
	return append(result, dynamic...)
}

// AddEarned 累加能力的信用收入计数器，返回新的累计值。
func (r *Registry) AddEarned(id string, amount float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.earned[id] += amount
	return r.earned[id]
}

// Earned 返回能力的累计信用收入。
func (r *Registry) Earned(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.earned[id]
}

// EarnedSnapshot 返回全部收入计数器的快照。
func (r *Registry) EarnedSnapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]float64, len(r.earned))
	for id, total := range r.earned {
		snapshot[id] = total
	}
	return snapshot
}
