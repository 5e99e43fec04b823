package repository

import (
	"context"
	"errors"

	"github.com/weibaohui/opensheets/internal/model"
)

// ErrNotFound 记录不存在错误
var ErrNotFound = errors.New("record not found")

type DatasetRepository interface {
	Create(ctx context.Context, dataset *model.Dataset) error
	List(ctx context.Context) ([]model.Dataset, error)
	Get(ctx context.Context, id string) (*model.Dataset, error)
	Delete(ctx context.Context, id string) error
}

type ColumnRepository interface {
	Create(ctx context.Context, column *model.Column) error
	// GetByDataset 按 sort_order 返回数据集下的列（含 Process，不含 Cells）
	GetByDataset(ctx context.Context, datasetID string) ([]model.Column, error)
	Get(ctx context.Context, id string) (*model.Column, error)
	// UpdatePartially 只更新列的元信息和 Process，不触碰单元格
	UpdatePartially(ctx context.Context, column *model.Column) error
	Delete(ctx context.Context, id string) error
}

type CellRepository interface {
	Create(ctx context.Context, cell *model.Cell) error
	// Update 以 (column_id, idx) 定位，单元格不存在时返回 ErrNotFound
	Update(ctx context.Context, cell *model.Cell) error
	GetByColumn(ctx context.Context, columnID string, offset, limit int) ([]model.Cell, error)
	GetByIdx(ctx context.Context, columnID string, idx int) (*model.Cell, error)
	CountRows(ctx context.Context, columnIDs []string) (int, error)
	ResetGenerating(ctx context.Context) (int64, error)
}
