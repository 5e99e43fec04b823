package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/weibaohui/opensheets/internal/model"
	"gorm.io/gorm"
	"k8s.io/klog/v2"
)

// Gateway 表格存储使用的持久化接口，屏蔽具体的仓储实现
type Gateway interface {
	CreateDataset(ctx context.Context, dataset *model.Dataset) error
	ListDatasets(ctx context.Context) ([]model.Dataset, error)
	// GetDatasetByID 加载数据集、列及每列前 cellLimit 个单元格，Rows 为数据库中的实际行数
	GetDatasetByID(ctx context.Context, id string, cellLimit int) (*model.Dataset, error)
	DeleteDataset(ctx context.Context, id string) error

	CreateColumn(ctx context.Context, column *model.Column) error
	UpdateColumnPartially(ctx context.Context, column *model.Column) error
	DeleteColumn(ctx context.Context, id string) error

	CreateCell(ctx context.Context, cell *model.Cell) error
	UpdateCell(ctx context.Context, cell *model.Cell) error
	// GetCell 读取未加载到内存的单元格，不存在时返回 ErrNotFound
	GetCell(ctx context.Context, columnID string, idx int) (*model.Cell, error)
	ResetGenerating(ctx context.Context) (int64, error)
}

type gateway struct {
	datasets DatasetRepository
	columns  ColumnRepository
	cells    CellRepository
}

func NewGateway(datasets DatasetRepository, columns ColumnRepository, cells CellRepository) Gateway {
	return &gateway{datasets: datasets, columns: columns, cells: cells}
}

// NewGormGateway 基于同一个 gorm.DB 创建全部仓储
func NewGormGateway(db *gorm.DB) Gateway {
	return NewGateway(NewDatasetRepository(db), NewColumnRepository(db), NewCellRepository(db))
}

func (g *gateway) CreateDataset(ctx context.Context, dataset *model.Dataset) error {
	return g.datasets.Create(ctx, dataset)
}

func (g *gateway) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	return g.datasets.List(ctx)
}

func (g *gateway) GetDatasetByID(ctx context.Context, id string, cellLimit int) (*model.Dataset, error) {
	dataset, err := g.datasets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	columns, err := g.columns.GetByDataset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load columns of dataset %s: %w", id, err)
	}
	columnIDs := make([]string, 0, len(columns))
	for i := range columns {
		columnIDs = append(columnIDs, columns[i].ID)
		cells, err := g.cells.GetByColumn(ctx, columns[i].ID, 0, cellLimit)
		if err != nil {
			return nil, fmt.Errorf("load cells of column %s: %w", columns[i].ID, err)
		}
		columns[i].Cells = cells
	}
	rows, err := g.cells.CountRows(ctx, columnIDs)
	if err != nil {
		return nil, fmt.Errorf("count rows of dataset %s: %w", id, err)
	}
	dataset.Columns = columns
	dataset.Rows = rows
	klog.V(6).Infof("加载数据集: id=%s, columns=%d, rows=%d", id, len(columns), rows)
	return dataset, nil
}

func (g *gateway) DeleteDataset(ctx context.Context, id string) error {
	return g.datasets.Delete(ctx, id)
}

func (g *gateway) CreateColumn(ctx context.Context, column *model.Column) error {
	return g.columns.Create(ctx, column)
}

func (g *gateway) UpdateColumnPartially(ctx context.Context, column *model.Column) error {
	return g.columns.UpdatePartially(ctx, column)
}

func (g *gateway) DeleteColumn(ctx context.Context, id string) error {
	return g.columns.Delete(ctx, id)
}

func (g *gateway) CreateCell(ctx context.Context, cell *model.Cell) error {
	return g.cells.Create(ctx, cell)
}

func (g *gateway) UpdateCell(ctx context.Context, cell *model.Cell) error {
	return g.cells.Update(ctx, cell)
}

func (g *gateway) GetCell(ctx context.Context, columnID string, idx int) (*model.Cell, error) {
	return g.cells.GetByIdx(ctx, columnID, idx)
}

func (g *gateway) ResetGenerating(ctx context.Context) (int64, error) {
	return g.cells.ResetGenerating(ctx)
}

// SaveCell 先更新，记录不存在时回退为创建
func SaveCell(ctx context.Context, g Gateway, cell *model.Cell) error {
	err := g.UpdateCell(ctx, cell)
	if errors.Is(err, ErrNotFound) {
		klog.V(6).Infof("单元格不存在，改为创建: column=%s, idx=%d", cell.ColumnID, cell.Idx)
		return g.CreateCell(ctx, cell)
	}
	return err
}
