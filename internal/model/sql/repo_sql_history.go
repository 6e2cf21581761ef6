package sql

import (
	"artgen/internal/entity"
	"context"
	"fmt"
)

// CreateHistoryEntry appends a history row and prunes the user's oldest
// entries beyond maxEntries. Insert and prune share the write path so the cap
// holds without a separate janitor.
func (r *GormRepository) CreateHistoryEntry(ctx context.Context, entry *entity.DbHistoryEntry, maxEntries int) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	if entry.UserID == 0 {
		return fmt.Errorf("invalid user id")
	}

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	if maxEntries <= 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&entity.DbHistoryEntry{}).
		Where("user_id = ?", entry.UserID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("count history: %w", err)
	}

	excess := count - int64(maxEntries)
	if excess <= 0 {
		return nil
	}

	// FIFO 淘汰：按创建时间删最旧的
	var victims []entity.DbHistoryEntry
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", entry.UserID).
		Order("created_at ASC, id ASC").
		Limit(int(excess)).
		Find(&victims).Error; err != nil {
		return fmt.Errorf("load prune candidates: %w", err)
	}

	ids := make([]uint, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).Delete(&entity.DbHistoryEntry{}, ids).Error; err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

// ListHistory retrieves paginated history entries, newest first.
func (r *GormRepository) ListHistory(ctx context.Context, params *entity.HistoryQuery) ([]entity.DbHistoryEntry, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbHistoryEntry{})
	if params != nil && params.UserID > 0 {
		query = query.Where("user_id = ?", params.UserID)
	}

	var totalCount int64
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, nil, err
	}

	page := 1
	pageSize := 20
	if params != nil {
		if params.Page > 0 {
			page = int(params.Page)
		}
		if params.PageSize > 0 {
			pageSize = int(params.PageSize)
		}
	}

	offset := (page - 1) * pageSize
	if offset < 0 {
		offset = 0
	}

	var entries []entity.DbHistoryEntry
	if err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(totalCount, page, pageSize)
	return entries, meta, nil
}

// CountHistory returns the number of history entries for one user.
func (r *GormRepository) CountHistory(ctx context.Context, userID uint) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("repository not initialised")
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.DbHistoryEntry{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
