package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/weibaohui/opensheets/internal/model"
	"gorm.io/gorm"
)

type cellRepository struct {
	db *gorm.DB
}

func NewCellRepository(db *gorm.DB) CellRepository {
	return &cellRepository{db: db}
}

func (r *cellRepository) Create(ctx context.Context, cell *model.Cell) error {
	return r.db.WithContext(ctx).Create(cell).Error
}

// Update 按 (column_id, idx) 写入单元格的全部可变字段（包括零值）
func (r *cellRepository) Update(ctx context.Context, cell *model.Cell) error {
	db := r.db.WithContext(ctx)
	result := db.Model(&model.Cell{}).Where("column_id = ? AND idx = ?", cell.ColumnID, cell.Idx).Updates(map[string]interface{}{
		"value":          cell.Value,
		"blob":           cell.Blob,
		"error":          cell.Error,
		"previous_value": cell.PreviousValue,
		"validated":      cell.Validated,
		"generating":     cell.Generating,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	// mysql 在值未变化时 RowsAffected 为 0，需要再确认一次是否存在
	var count int64
	if err := db.Model(&model.Cell{}).Where("column_id = ? AND idx = ?", cell.ColumnID, cell.Idx).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cellRepository) GetByColumn(ctx context.Context, columnID string, offset, limit int) ([]model.Cell, error) {
	var cells []model.Cell
	tx := r.db.WithContext(ctx).Where("column_id = ?", columnID).Order("idx")
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	err := tx.Find(&cells).Error
	return cells, err
}

func (r *cellRepository) GetByIdx(ctx context.Context, columnID string, idx int) (*model.Cell, error) {
	var cell model.Cell
	err := r.db.WithContext(ctx).Where("column_id = ? AND idx = ?", columnID, idx).First(&cell).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cell, nil
}

// CountRows 返回这些列中最大的 idx + 1，没有单元格时为 0
func (r *cellRepository) CountRows(ctx context.Context, columnIDs []string) (int, error) {
	if len(columnIDs) == 0 {
		return 0, nil
	}
	var maxIdx sql.NullInt64
	err := r.db.WithContext(ctx).Model(&model.Cell{}).
		Where("column_id IN ?", columnIDs).
		Select("MAX(idx)").
		Row().Scan(&maxIdx)
	if err != nil {
		return 0, err
	}
	if !maxIdx.Valid {
		return 0, nil
	}
	return int(maxIdx.Int64) + 1, nil
}

// ResetGenerating 清理进程退出时遗留的 generating 标记
func (r *cellRepository) ResetGenerating(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.Cell{}).
		Where("generating = ?", true).
		Update("generating", false)
	return result.RowsAffected, result.Error
}
