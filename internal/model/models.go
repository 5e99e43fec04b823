package model

import (
	"time"

	"gorm.io/datatypes"
)

type Dataset struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Name      string    `json:"name" gorm:"size:255;not null"`
	CreatedBy string    `json:"created_by" gorm:"size:255"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Columns   []Column  `json:"columns,omitempty" gorm:"foreignKey:DatasetID"`
	// Rows 行数（最大 idx + 1），不受加载的单元格数量限制
	Rows int `json:"rows,omitempty" gorm:"-"`
}

// Column 数据表中的一列，static 为手工录入，dynamic 由 Process 生成
type Column struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	DatasetID string    `json:"dataset_id" gorm:"index;size:64;not null"`
	Name      string    `json:"name" gorm:"size:255;not null"`
	Kind      string    `json:"kind" gorm:"size:20;not null"` // static, dynamic
	Type      string    `json:"type" gorm:"size:50;not null"` // text, image, number, ...
	Visible   bool      `json:"visible"`
	SortOrder int       `json:"sort_order" gorm:"default:0"`
	Process   *Process  `json:"process,omitempty" gorm:"foreignKey:ColumnID;constraint:OnDelete:CASCADE"`
	Cells     []Cell    `json:"cells,omitempty" gorm:"foreignKey:ColumnID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 以下字段只存在于内存中
	Generating bool   `json:"generating" gorm:"-"`
	SyncError  string `json:"sync_error,omitempty" gorm:"-"`
}

// Process 动态列的生成配置
type Process struct {
	ID                uint                       `json:"id" gorm:"primaryKey"`
	ColumnID          string                     `json:"column_id" gorm:"uniqueIndex;size:64;not null"`
	ModelName         string                     `json:"model_name" gorm:"size:255"`
	ModelProvider     string                     `json:"model_provider" gorm:"size:100"`
	EndpointURL       string                     `json:"endpoint_url,omitempty" gorm:"size:500"`
	Prompt            string                     `json:"prompt" gorm:"type:text"`
	Task              string                     `json:"task" gorm:"size:50;default:text-generation"`
	ColumnsReferences datatypes.JSONSlice[string] `json:"columns_references"`
	ImageColumnID     string                     `json:"image_column_id,omitempty" gorm:"size:64"`
	Offset            int                        `json:"offset"`
	Limit             int                        `json:"limit"` // 0 表示到表尾
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// Cell 某一行在某一列上的值
type Cell struct {
	ID        string `json:"id" gorm:"primaryKey;size:64"`
	ColumnID  string `json:"column_id" gorm:"uniqueIndex:idx_cell_column_idx;size:64;not null"`
	Idx       int    `json:"idx" gorm:"uniqueIndex:idx_cell_column_idx;not null"`
	Value     string `json:"value,omitempty" gorm:"type:text"`
	Blob      []byte `json:"blob,omitempty"`
	Error     string `json:"error,omitempty" gorm:"size:2000"`
	Validated bool   `json:"validated" gorm:"default:false"`
	// Generating 生成占用标记，同一时刻只允许一次生成持有
	Generating bool `json:"generating" gorm:"default:false"`
	// PreviousValue 生成失败时保留的上一次结果
	PreviousValue string    `json:"previous_value,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	SyncError string `json:"sync_error,omitempty" gorm:"-"`
}

// HasValue 单元格是否已有可用内容（文本或二进制）
func (c *Cell) HasValue() bool {
	return c.Value != "" || len(c.Blob) > 0
}

// Clone 深拷贝，避免调用方持有内部状态
func (c *Cell) Clone() *Cell {
	if c == nil {
		return nil
	}
	out := *c
	if c.Blob != nil {
		out.Blob = append([]byte(nil), c.Blob...)
	}
	return &out
}

// Clone 拷贝列及其 Process，不包含 Cells
func (c *Column) Clone() *Column {
	if c == nil {
		return nil
	}
	out := *c
	out.Cells = nil
	if c.Process != nil {
		p := *c.Process
		p.ColumnsReferences = append(datatypes.JSONSlice[string](nil), c.Process.ColumnsReferences...)
		out.Process = &p
	}
	return &out
}

const (
	ColumnKindStatic  = "static"
	ColumnKindDynamic = "dynamic"
)
