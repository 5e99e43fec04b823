package service

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/service/store"
)

type DatasetService struct {
	store      *store.Store
	generation *GenerationService
}

func NewDatasetService(st *store.Store, generation *GenerationService) *DatasetService {
	return &DatasetService{
		store:      st,
		generation: generation,
	}
}

// Create 创建空数据集
func (s *DatasetService) Create(ctx context.Context, name, createdBy string) (*model.Dataset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("dataset name is required: %w", domain.ErrInvalidArgument)
	}
	table, err := s.store.CreateDataset(ctx, name, createdBy)
	if err != nil {
		return nil, err
	}
	klog.V(6).Infof("数据集已创建: id=%s, name=%s", table.ID(), name)
	return table.Snapshot(), nil
}

func (s *DatasetService) List(ctx context.Context) ([]model.Dataset, error) {
	return s.store.ListDatasets(ctx)
}

// Get 返回数据集的完整快照（列、单元格、占位列）
func (s *DatasetService) Get(ctx context.Context, id string) (*model.Dataset, error) {
	table, err := s.store.Table(ctx, id)
	if err != nil {
		return nil, err
	}
	return table.Snapshot(), nil
}

// Delete 先取消该数据集上所有正在进行的生成，再删除
func (s *DatasetService) Delete(ctx context.Context, id string) error {
	table, err := s.store.Table(ctx, id)
	if err != nil {
		return err
	}
	if s.generation != nil {
		for _, col := range table.Columns() {
			s.generation.Cancel(id, col.ID)
		}
	}
	if err := s.store.DeleteDataset(ctx, id); err != nil {
		return fmt.Errorf("delete dataset %s: %w", id, err)
	}
	klog.V(6).Infof("数据集已删除: id=%s", id)
	return nil
}

// AppendRow 追加一行，values 为 列ID -> 值，未给出的列不创建单元格
func (s *DatasetService) AppendRow(ctx context.Context, id string, values map[string]string) (int, []*model.Cell, error) {
	table, err := s.store.Table(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return table.AppendRow(ctx, values)
}
