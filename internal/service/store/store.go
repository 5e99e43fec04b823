package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/repository"
	"github.com/weibaohui/opensheets/internal/service/statemachine"
)

// ErrStaleOutcome 结果到达时单元格已不再被本次生成持有（取消、删除或已被用户确认）
var ErrStaleOutcome = errors.New("stale generation outcome")

// PersistError 内存状态已更新，但写入数据库失败
type PersistError struct {
	Entity string
	ID     string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Entity, e.ID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistError 判断是否为持久化错误
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// Store 已加载数据集的注册表，每个数据集对应一个 Table
type Store struct {
	gateway   repository.Gateway
	cellLimit int
	sm        *statemachine.CellStateMachine

	mu     sync.Mutex
	tables map[string]*Table
}

// New 创建 Store，cellLimit 为加载数据集时每列读取的单元格数量
func New(gateway repository.Gateway, cellLimit int) *Store {
	return &Store{
		gateway:   gateway,
		cellLimit: cellLimit,
		sm:        statemachine.NewCellStateMachine(),
		tables:    make(map[string]*Table),
	}
}

// Table 返回数据集对应的表，首次访问时从数据库加载
func (s *Store) Table(ctx context.Context, datasetID string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[datasetID]; ok {
		return t, nil
	}
	ds, err := s.gateway.GetDatasetByID(ctx, datasetID, s.cellLimit)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrDatasetNotFound
		}
		return nil, fmt.Errorf("load dataset %s: %w", datasetID, err)
	}
	t := newTable(ds, s.gateway, s.sm, s.cellLimit)
	s.tables[datasetID] = t
	klog.V(6).Infof("数据集已加载到内存: id=%s, columns=%d, rows=%d", datasetID, len(t.columns), t.rows)
	return t, nil
}

// CreateDataset 创建空数据集并注册到内存
func (s *Store) CreateDataset(ctx context.Context, name, createdBy string) (*Table, error) {
	ds := &model.Dataset{ID: uuid.NewString(), Name: name, CreatedBy: createdBy}
	if err := s.gateway.CreateDataset(ctx, ds); err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	t := newTable(ds, s.gateway, s.sm, 0)

	s.mu.Lock()
	s.tables[ds.ID] = t
	s.mu.Unlock()
	return t, nil
}

func (s *Store) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	return s.gateway.ListDatasets(ctx)
}

// DeleteDataset 删除数据集，调用方负责先取消该数据集上的生成
func (s *Store) DeleteDataset(ctx context.Context, datasetID string) error {
	s.mu.Lock()
	t := s.tables[datasetID]
	s.mu.Unlock()
	if t != nil {
		// 先停止单元格写库，避免删除后留下孤立记录
		t.markDeleted()
	}
	if err := s.gateway.DeleteDataset(ctx, datasetID); err != nil {
		if t != nil {
			t.mu.Lock()
			t.deleted = false
			t.mu.Unlock()
		}
		return err
	}
	s.mu.Lock()
	delete(s.tables, datasetID)
	s.mu.Unlock()
	return nil
}
