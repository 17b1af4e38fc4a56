package plan

import (
	"fmt"
	"strings"

	xerrors "AgentFi-Chain/internal/errors"
)

// Step 是计划中的一个执行单元：调用哪个能力、输入模板是什么。
// 输入模板可以用 {step_j} 引用更早步骤的输出。
type Step struct {
	CapabilityID string `json:"capability"`
	Input        string `json:"input"`
}

// Plan 是按序执行的步骤列表。Plan 由一次 Execute 调用独占，
// 调用返回后即丢弃。
type Plan struct {
	Steps []Step `json:"steps"`
}

// SideEffects 记录单个步骤两类副作用的可观测结果。
type SideEffects struct {
	PaymentAttempted     bool   `json:"payment_attempted"`
	PaymentOK            bool   `json:"payment_ok"`
	AttestationAttempted bool   `json:"attestation_attempted"`
	AttestationOK        bool   `json:"attestation_ok"`
	AttestationRef       string `json:"attestation_ref,omitempty"`
}

// StepResult 是单个步骤的执行结果，按步骤序号顺序各产生一次。
type StepResult struct {
	Index        int         `json:"index"`
	CapabilityID string      `json:"capability"`
	Output       string      `json:"output"`
	SideEffects  SideEffects `json:"side_effects"`
}

// Summary 汇总整个计划的对外报告：成功的存证引用与使用过的能力 ID
// 有序列表。
type Summary struct {
	AttestationRefs []string `json:"attestation_refs"`
	CapabilityIDs   []string `json:"capabilities_used"`
}

// Result 是一次计划执行的完整输出。
type Result struct {
	FinalOutput string       `json:"result"`
	Steps       []StepResult `json:"steps"`
	Summary     Summary      `json:"summary"`
}

// NoResultSentinel 是零步骤计划的固定输出。
const NoResultSentinel = "No result produced."

// UnknownCapabilityOutput 生成未知能力步骤的哨兵输出。
func UnknownCapabilityOutput(id string) string {
	return fmt.Sprintf("[unknown capability: %s]", id)
}

// Validate 在执行任何步骤前校验计划结构。零步骤是合法的；
// 能力 ID 为空的步骤是畸形计划。
func Validate(p Plan) error {
	for i, step := range p.Steps {
		if strings.TrimSpace(step.CapabilityID) == "" {
			return xerrors.New(xerrors.CodePlanMalformed,
				fmt.Sprintf("步骤 %d 缺少能力 ID", i))
		}
	}
	return nil
}
