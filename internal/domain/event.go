package domain

import "github.com/weibaohui/opensheets/internal/model"

// RowRange 生成的行区间 [Offset, Offset+Limit)
type RowRange struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// RowOutcome 单行生成结果，Value/Blob 与 Error 只会出现其一
type RowOutcome struct {
	Idx   int    `json:"idx"`
	Value string `json:"value,omitempty"`
	Blob  []byte `json:"blob,omitempty"`
	Error string `json:"error,omitempty"`
	Done  bool   `json:"done"`
}

// Failed 构造一个失败结果
func Failed(idx int, msg string) RowOutcome {
	return RowOutcome{Idx: idx, Error: msg, Done: true}
}

// Event 推送给 UI 的增量更新，Column 与 Cell 至少有一个不为空
type Event struct {
	DatasetID string        `json:"dataset_id"`
	Column    *model.Column `json:"column,omitempty"`
	Cell      *model.Cell   `json:"cell,omitempty"`
	// Partial 为 true 时表示流式中间结果，未持久化
	Partial bool `json:"partial,omitempty"`
	// Done 列级完成事件
	Done bool `json:"done,omitempty"`
}
