package repository

import (
	"context"
	"errors"

	"github.com/weibaohui/opensheets/internal/model"
	"gorm.io/gorm"
)

type datasetRepository struct {
	db *gorm.DB
}

func NewDatasetRepository(db *gorm.DB) DatasetRepository {
	return &datasetRepository{db: db}
}

func (r *datasetRepository) Create(ctx context.Context, dataset *model.Dataset) error {
	return r.db.WithContext(ctx).Omit("Columns").Create(dataset).Error
}

func (r *datasetRepository) List(ctx context.Context) ([]model.Dataset, error) {
	var datasets []model.Dataset
	err := r.db.WithContext(ctx).Order("created_at desc").Find(&datasets).Error
	return datasets, err
}

func (r *datasetRepository) Get(ctx context.Context, id string) (*model.Dataset, error) {
	var dataset model.Dataset
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&dataset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &dataset, nil
}

// Delete 删除数据集及其下所有列、配置和单元格
func (r *datasetRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		columnIDs := tx.Model(&model.Column{}).Select("id").Where("dataset_id = ?", id)
		if err := tx.Where("column_id IN (?)", columnIDs).Delete(&model.Cell{}).Error; err != nil {
			return err
		}
		if err := tx.Where("column_id IN (?)", columnIDs).Delete(&model.Process{}).Error; err != nil {
			return err
		}
		if err := tx.Where("dataset_id = ?", id).Delete(&model.Column{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Dataset{}).Error
	})
}
