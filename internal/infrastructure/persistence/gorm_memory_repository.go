package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/persistence/models"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// GormMemoryRepository GORM 实现的记忆文档库（三元存储的 source of truth）
type GormMemoryRepository struct {
	db *gorm.DB
}

// NewGormMemoryRepository 创建 GORM 记忆仓储
func NewGormMemoryRepository(db *gorm.DB) repository.DocumentStore {
	return &GormMemoryRepository{db: db}
}

// Insert 插入记录，event_id 冲突视为参数错误
func (r *GormMemoryRepository) Insert(ctx context.Context, rec *entity.MemoryRecord) error {
	model, err := toModel(rec)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.NewInvalidParameter("event_id already exists: " + rec.EventID)
		}
		return apperrors.NewSystemError("failed to insert memory record", err)
	}
	return nil
}

// Update 整条覆盖更新
func (r *GormMemoryRepository) Update(ctx context.Context, rec *entity.MemoryRecord) error {
	model, err := toModel(rec)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Model(&models.MemoryRecordModel{}).
		Where("event_id = ?", rec.EventID).
		Updates(model)
	if result.Error != nil {
		return apperrors.NewSystemError("failed to update memory record", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NewNotFound("memory record not found: " + rec.EventID)
	}
	return nil
}

// GetByEventID 按 event_id 取单条
func (r *GormMemoryRepository) GetByEventID(ctx context.Context, eventID string) (*entity.MemoryRecord, error) {
	var model models.MemoryRecordModel
	if err := r.db.WithContext(ctx).First(&model, "event_id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("memory record not found: " + eventID)
		}
		return nil, apperrors.NewSystemError("failed to get memory record", err)
	}
	return toEntity(&model)
}

// GetByEventIDs 批量取。缺失的 ID 直接跳过，不报错。
func (r *GormMemoryRepository) GetByEventIDs(ctx context.Context, eventIDs []string) ([]*entity.MemoryRecord, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	var rows []models.MemoryRecordModel
	if err := r.db.WithContext(ctx).Where("event_id IN ?", eventIDs).Find(&rows).Error; err != nil {
		return nil, apperrors.NewSystemError("failed to get memory records", err)
	}
	return toEntities(rows)
}

// Fetch 按过滤条件分页直读
func (r *GormMemoryRepository) Fetch(ctx context.Context, q repository.FetchQuery) ([]*entity.MemoryRecord, int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.MemoryRecordModel{})
	tx = applyFilters(tx, q.Filters)

	if q.Type != "" {
		tx = tx.Where("memory_type = ?", string(q.Type))
	}
	if q.LatestOnly {
		tx = tx.Where("is_latest = ?", true)
	}
	if q.VersionRange[0] != "" {
		tx = tx.Where("version >= ?", q.VersionRange[0])
	}
	if q.VersionRange[1] != "" {
		tx = tx.Where("version <= ?", q.VersionRange[1])
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, apperrors.NewSystemError("failed to count memory records", err)
	}

	order := "timestamp desc"
	if q.Sort == repository.SortAsc {
		order = "timestamp asc"
	}
	tx = tx.Order(order)
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var rows []models.MemoryRecordModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, 0, apperrors.NewSystemError("failed to fetch memory records", err)
	}
	recs, err := toEntities(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// DeleteByEventID 删除单条。目标不存在视为成功（回滚路径需要幂等删除）。
func (r *GormMemoryRepository) DeleteByEventID(ctx context.Context, eventID string) error {
	if err := r.db.WithContext(ctx).
		Delete(&models.MemoryRecordModel{}, "event_id = ?", eventID).Error; err != nil {
		return apperrors.NewSystemError("failed to delete memory record", err)
	}
	return nil
}

// ListEventIDs 按过滤条件列出全部 event_id（管理操作用）
func (r *GormMemoryRepository) ListEventIDs(ctx context.Context, f repository.Filters) ([]string, error) {
	tx := r.db.WithContext(ctx).Model(&models.MemoryRecordModel{})
	tx = applyFilters(tx, f)

	var ids []string
	if err := tx.Pluck("event_id", &ids).Error; err != nil {
		return nil, apperrors.NewSystemError("failed to list event ids", err)
	}
	return ids, nil
}

// CountUnlinked 统计群内未被聚合进 Episode 的 MemCell
func (r *GormMemoryRepository) CountUnlinked(ctx context.Context, groupID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.MemoryRecordModel{}).
		Where("kind = ? AND group_id = ? AND linked_episode_id = ''", string(entity.KindMemCell), groupID).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.NewSystemError("failed to count unlinked memcells", err)
	}
	return count, nil
}

// ListUnlinked 批取未聚合 MemCell，最老优先
func (r *GormMemoryRepository) ListUnlinked(ctx context.Context, groupID string, limit int) ([]*entity.MemoryRecord, error) {
	var rows []models.MemoryRecordModel
	tx := r.db.WithContext(ctx).
		Where("kind = ? AND group_id = ? AND linked_episode_id = ''", string(entity.KindMemCell), groupID).
		Order("timestamp asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, apperrors.NewSystemError("failed to list unlinked memcells", err)
	}
	return toEntities(rows)
}

// MarkLinked 标记一批 MemCell 已聚合进指定 Episode
func (r *GormMemoryRepository) MarkLinked(ctx context.Context, memcellIDs []string, episodeEventID string) error {
	if len(memcellIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&models.MemoryRecordModel{}).
		Where("event_id IN ?", memcellIDs).
		Update("linked_episode_id", episodeEventID).Error
	if err != nil {
		return apperrors.NewSystemError("failed to mark memcells linked", err)
	}
	return nil
}

// UpsertProfile 写入新版本画像并在同一事务内重归一化 is_latest：
// 同一 (user_id, group_id) 下恰好一条 is_latest=true，且为字典序最大的 version。
func (r *GormMemoryRepository) UpsertProfile(ctx context.Context, rec *entity.MemoryRecord) error {
	if rec.Kind != entity.KindProfile {
		return apperrors.NewInvalidParameter("UpsertProfile requires kind=profile")
	}
	if rec.Version == "" {
		return apperrors.NewInvalidParameter("profile version is required")
	}

	model, err := toModel(rec)
	if err != nil {
		return err
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 同版本覆盖，新版本插入
		var existing models.MemoryRecordModel
		err := tx.Where("kind = ? AND user_id = ? AND group_id = ? AND version = ?",
			string(entity.KindProfile), rec.UserID, rec.GroupID, rec.Version).
			First(&existing).Error
		switch {
		case err == nil:
			model.EventID = existing.EventID
			if err := tx.Model(&models.MemoryRecordModel{}).
				Where("event_id = ?", existing.EventID).
				Updates(model).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(model).Error; err != nil {
				return err
			}
		default:
			return err
		}

		// 重归一化：全部清零后把字典序最大 version 置位
		if err := tx.Model(&models.MemoryRecordModel{}).
			Where("kind = ? AND user_id = ? AND group_id = ?",
				string(entity.KindProfile), rec.UserID, rec.GroupID).
			Update("is_latest", false).Error; err != nil {
			return err
		}

		var latest models.MemoryRecordModel
		if err := tx.Where("kind = ? AND user_id = ? AND group_id = ?",
			string(entity.KindProfile), rec.UserID, rec.GroupID).
			Order("version desc").
			First(&latest).Error; err != nil {
			return err
		}
		return tx.Model(&models.MemoryRecordModel{}).
			Where("event_id = ?", latest.EventID).
			Update("is_latest", true).Error
	})
	if txErr != nil {
		return apperrors.NewSystemError("failed to upsert profile", txErr)
	}
	return nil
}

// applyFilters 把作用域 / 时间过滤翻译为 WHERE 子句
func applyFilters(tx *gorm.DB, f repository.Filters) *gorm.DB {
	switch f.Scope {
	case entity.ScopePersonal:
		tx = tx.Where("user_id = ?", f.UserID)
	case entity.ScopeGroup:
		tx = tx.Where("group_id = ?", f.GroupID)
	default: // all：并集
		switch {
		case f.UserID != "" && f.GroupID != "":
			tx = tx.Where("user_id = ? OR group_id = ?", f.UserID, f.GroupID)
		case f.UserID != "":
			tx = tx.Where("user_id = ?", f.UserID)
		case f.GroupID != "":
			tx = tx.Where("group_id = ?", f.GroupID)
		}
	}
	if f.Kind != "" {
		tx = tx.Where("kind = ?", string(f.Kind))
	}
	if f.TimeRange != nil {
		if !f.TimeRange.Start.IsZero() {
			tx = tx.Where("timestamp >= ?", f.TimeRange.Start)
		}
		if !f.TimeRange.End.IsZero() {
			tx = tx.Where("timestamp <= ?", f.TimeRange.End)
		}
	}
	return tx
}

// 转换方法

func toModel(rec *entity.MemoryRecord) (*models.MemoryRecordModel, error) {
	participants, err := marshalJSON(rec.Participants)
	if err != nil {
		return nil, err
	}
	keywords, err := marshalJSON(rec.Keywords)
	if err != nil {
		return nil, err
	}
	linkedEntities, err := marshalJSON(rec.LinkedEntities)
	if err != nil {
		return nil, err
	}
	originalData, err := marshalJSON(rec.OriginalData)
	if err != nil {
		return nil, err
	}
	memcellIDs, err := marshalJSON(rec.MemCellEventIDs)
	if err != nil {
		return nil, err
	}

	return &models.MemoryRecordModel{
		EventID:         rec.EventID,
		Kind:            string(rec.Kind),
		UserID:          rec.UserID,
		GroupID:         rec.GroupID,
		Participants:    participants,
		Timestamp:       rec.Timestamp,
		Type:            string(rec.Type),
		Subject:         rec.Subject,
		Summary:         rec.Summary,
		Keywords:        keywords,
		LinkedEntities:  linkedEntities,
		OriginalData:    originalData,
		MemCellEventIDs: memcellIDs,
		Episode:         rec.Episode,
		LinkedEpisodeID: rec.LinkedEpisodeID,
		StartTime:       rec.StartTime,
		EndTime:         rec.EndTime,
		Version:         rec.Version,
		IsLatest:        rec.IsLatest,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

func toEntity(m *models.MemoryRecordModel) (*entity.MemoryRecord, error) {
	rec := &entity.MemoryRecord{
		EventID:         m.EventID,
		Kind:            entity.RecordKind(m.Kind),
		UserID:          m.UserID,
		GroupID:         m.GroupID,
		Timestamp:       m.Timestamp,
		Type:            entity.MemoryType(m.Type),
		Subject:         m.Subject,
		Summary:         m.Summary,
		Episode:         m.Episode,
		LinkedEpisodeID: m.LinkedEpisodeID,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		Version:         m.Version,
		IsLatest:        m.IsLatest,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if err := unmarshalJSON(m.Participants, &rec.Participants); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(m.Keywords, &rec.Keywords); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(m.LinkedEntities, &rec.LinkedEntities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(m.OriginalData, &rec.OriginalData); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(m.MemCellEventIDs, &rec.MemCellEventIDs); err != nil {
		return nil, err
	}
	return rec, nil
}

func toEntities(rows []models.MemoryRecordModel) ([]*entity.MemoryRecord, error) {
	out := make([]*entity.MemoryRecord, 0, len(rows))
	for i := range rows {
		rec, err := toEntity(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.NewSystemError("failed to marshal record field", err)
	}
	return string(data), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return apperrors.NewSystemError("failed to unmarshal record field", err)
	}
	return nil
}
