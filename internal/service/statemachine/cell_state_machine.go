package statemachine

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/model"
)

// CellStatus 单元格的派生状态，由 value/error/validated/generating 推导
type CellStatus string

const (
	CellStatusPending    CellStatus = "pending"    // 无值、无错误
	CellStatusGenerating CellStatus = "generating" // 已被某次生成占用
	CellStatusDone       CellStatus = "done"       // 有值
	CellStatusFailed     CellStatus = "failed"     // 有错误
	CellStatusValidated  CellStatus = "validated"  // 用户确认过的值
)

// CellTransition 单元格状态迁移
type CellTransition struct {
	From CellStatus
	To   CellStatus
}

// CellStateMachine 单元格状态机
type CellStateMachine struct {
	allowedTransitions map[CellTransition]bool
}

// NewCellStateMachine 创建单元格状态机
func NewCellStateMachine() *CellStateMachine {
	sm := &CellStateMachine{
		allowedTransitions: make(map[CellTransition]bool),
	}

	// pending/done/failed -> generating -> done/failed
	// generating -> pending（取消或中断时释放）
	// validated -> generating 仅用于单元格重新生成
	transitions := []CellTransition{
		// 生成
		{CellStatusPending, CellStatusGenerating},
		{CellStatusDone, CellStatusGenerating},
		{CellStatusFailed, CellStatusGenerating},
		{CellStatusValidated, CellStatusGenerating},

		// 结果
		{CellStatusGenerating, CellStatusDone},
		{CellStatusGenerating, CellStatusFailed},
		{CellStatusGenerating, CellStatusPending},
		// 用户在生成过程中手工确认，之后到达的结果会被丢弃
		{CellStatusGenerating, CellStatusValidated},

		// 用户校验/编辑
		{CellStatusPending, CellStatusValidated},
		{CellStatusDone, CellStatusValidated},
		{CellStatusFailed, CellStatusValidated},
		{CellStatusValidated, CellStatusDone},
	}

	for _, t := range transitions {
		sm.allowedTransitions[t] = true
	}
	return sm
}

// StatusOf 推导单元格当前状态，nil 视为 pending
func StatusOf(cell *model.Cell) CellStatus {
	switch {
	case cell == nil:
		return CellStatusPending
	case cell.Generating:
		return CellStatusGenerating
	case cell.Error != "":
		return CellStatusFailed
	case cell.Validated:
		return CellStatusValidated
	case cell.HasValue():
		return CellStatusDone
	default:
		return CellStatusPending
	}
}

// CanTransition 检查状态迁移是否合法
func (sm *CellStateMachine) CanTransition(from, to CellStatus) bool {
	if from == to {
		return false
	}
	return sm.allowedTransitions[CellTransition{From: from, To: to}]
}

// ValidateTransition 验证状态迁移并返回错误
func (sm *CellStateMachine) ValidateTransition(from, to CellStatus) error {
	if !sm.CanTransition(from, to) {
		return &InvalidStateTransitionError{From: string(from), To: string(to)}
	}
	return nil
}

// Transition 执行状态迁移（带日志）
func (sm *CellStateMachine) Transition(from, to CellStatus, columnID string, idx int) error {
	if err := sm.ValidateTransition(from, to); err != nil {
		klog.V(6).Infof("单元格状态迁移被拒绝: column=%s, idx=%d, %s -> %s", columnID, idx, from, to)
		return err
	}
	klog.V(6).Infof("单元格状态迁移: column=%s, idx=%d, %s -> %s", columnID, idx, from, to)
	return nil
}

// InvalidStateTransitionError 无效的状态迁移错误
type InvalidStateTransitionError struct {
	From string
	To   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid cell state transition: %s -> %s", e.From, e.To)
}

// IsSettled 生成结束后的状态（有值或有错误）
func IsSettled(status CellStatus) bool {
	return status == CellStatusDone || status == CellStatusFailed || status == CellStatusValidated
}
