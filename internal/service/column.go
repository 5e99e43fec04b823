package service

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/service/store"
)

// ColumnService 列与单元格的编辑操作
type ColumnService struct {
	store      *store.Store
	generation *GenerationService
}

func NewColumnService(st *store.Store, generation *GenerationService) *ColumnService {
	return &ColumnService{
		store:      st,
		generation: generation,
	}
}

func (s *ColumnService) Add(ctx context.Context, datasetID string, col *model.Column) (*model.Column, error) {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return table.AddColumn(ctx, col)
}

// Update 更新列配置，引用关系成环或配置非法时返回 ConfigError
func (s *ColumnService) Update(ctx context.Context, datasetID string, col *model.Column) (*model.Column, error) {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return table.UpdateColumn(ctx, col)
}

// Remove 先取消该列的生成再删除，之后到达的结果会被丢弃
func (s *ColumnService) Remove(ctx context.Context, datasetID, columnID string) error {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return err
	}
	if s.generation != nil && s.generation.Cancel(datasetID, columnID) {
		klog.V(6).Infof("删除列前已取消生成: dataset=%s, column=%s", datasetID, columnID)
	}
	return table.RemoveColumn(ctx, columnID)
}

func (s *ColumnService) Duplicate(ctx context.Context, datasetID, columnID string) (*model.Column, error) {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return table.DuplicateColumn(ctx, columnID)
}

// AddPlaceholder 开始配置新列
func (s *ColumnService) AddPlaceholder(ctx context.Context, datasetID string, col *model.Column) (*model.Column, error) {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return table.AddPlaceholder(col)
}

func (s *ColumnService) UpdatePlaceholder(ctx context.Context, datasetID string, col *model.Column) (*model.Column, error) {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return table.UpdatePlaceholder(col)
}

func (s *ColumnService) RemovePlaceholder(ctx context.Context, datasetID string) error {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return err
	}
	table.RemovePlaceholder()
	return nil
}

// ConfirmPlaceholder 占位列转为正式列
func (s *ColumnService) ConfirmPlaceholder(ctx context.Context, datasetID string) (*model.Column, error) {
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return table.ConfirmPlaceholder(ctx)
}

// EditCell 用户编辑单元格即视为校验通过，之后该单元格会作为生成示例
func (s *ColumnService) EditCell(ctx context.Context, datasetID, columnID string, idx int, value string) (*model.Cell, error) {
	if columnID == domain.PlaceholderColumnID {
		return nil, domain.ErrPlaceholder
	}
	table, err := s.store.Table(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return table.ValidateCell(ctx, columnID, idx, value)
}
