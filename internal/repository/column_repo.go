package repository

import (
	"context"
	"errors"

	"github.com/weibaohui/opensheets/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type columnRepository struct {
	db *gorm.DB
}

func NewColumnRepository(db *gorm.DB) ColumnRepository {
	return &columnRepository{db: db}
}

// Create 创建列，Process 一并写入，Cells 单独持久化
func (r *columnRepository) Create(ctx context.Context, column *model.Column) error {
	return r.db.WithContext(ctx).Omit("Cells").Create(column).Error
}

func (r *columnRepository) GetByDataset(ctx context.Context, datasetID string) ([]model.Column, error) {
	var columns []model.Column
	err := r.db.WithContext(ctx).
		Preload("Process").
		Where("dataset_id = ?", datasetID).
		Order("sort_order").Order("created_at").
		Find(&columns).Error
	return columns, err
}

func (r *columnRepository) Get(ctx context.Context, id string) (*model.Column, error) {
	var column model.Column
	err := r.db.WithContext(ctx).Preload("Process").Where("id = ?", id).First(&column).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &column, nil
}

func (r *columnRepository) UpdatePartially(ctx context.Context, column *model.Column) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Column{}).Where("id = ?", column.ID).Updates(map[string]interface{}{
			"name":       column.Name,
			"kind":       column.Kind,
			"type":       column.Type,
			"visible":    column.Visible,
			"sort_order": column.SortOrder,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.Column{}).Where("id = ?", column.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
		}

		if column.Process == nil {
			return tx.Where("column_id = ?", column.ID).Delete(&model.Process{}).Error
		}
		process := *column.Process
		process.ID = 0
		process.ColumnID = column.ID
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "column_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"model_name", "model_provider", "endpoint_url", "prompt", "task",
				"columns_references", "image_column_id", "offset", "limit", "updated_at",
			}),
		}).Create(&process).Error
	})
}

func (r *columnRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("column_id = ?", id).Delete(&model.Cell{}).Error; err != nil {
			return err
		}
		if err := tx.Where("column_id = ?", id).Delete(&model.Process{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Column{}).Error
	})
}
