package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/persistence/models"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// GormMetaRepository GORM 实现的会话元信息仓储
type GormMetaRepository struct {
	db *gorm.DB
}

// NewGormMetaRepository 创建会话元信息仓储
func NewGormMetaRepository(db *gorm.DB) repository.MetaStore {
	return &GormMetaRepository{db: db}
}

// Upsert 整条写入（group_id 冲突时覆盖）
func (r *GormMetaRepository) Upsert(ctx context.Context, meta *entity.ConversationMeta) error {
	if meta.GroupID == "" {
		return apperrors.NewInvalidParameter("group_id is required")
	}
	model, err := metaToModel(meta)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}},
			UpdateAll: true,
		}).
		Create(model).Error
	if err != nil {
		return apperrors.NewSystemError("failed to upsert conversation meta", err)
	}
	return nil
}

// Patch 字段级合并更新。只认识的键生效，participants 合并而非覆盖。
func (r *GormMetaRepository) Patch(ctx context.Context, groupID string, patch map[string]any) (*entity.ConversationMeta, error) {
	var out *entity.ConversationMeta

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model models.ConversationMetaModel
		if err := tx.First(&model, "group_id = ?", groupID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NewNotFound("conversation meta not found: " + groupID)
			}
			return err
		}

		meta, err := metaToEntity(&model)
		if err != nil {
			return err
		}

		for key, val := range patch {
			switch key {
			case "group_name":
				if s, ok := val.(string); ok {
					meta.GroupName = s
				}
			case "scene":
				if s, ok := val.(string); ok {
					meta.Scene = entity.Scene(s)
				}
			case "default_timezone":
				if s, ok := val.(string); ok {
					meta.DefaultTimezone = s
				}
			case "participants":
				merged, ok := toStringMap(val)
				if !ok {
					return apperrors.NewInvalidParameter("participants must be a string map")
				}
				if meta.Participants == nil {
					meta.Participants = make(map[string]string)
				}
				for id, name := range merged {
					meta.Participants[id] = name
				}
			default:
				return apperrors.NewInvalidParameter("unknown meta field: " + key)
			}
		}

		updated, err := metaToModel(meta)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.ConversationMetaModel{}).
			Where("group_id = ?", groupID).
			Updates(updated).Error; err != nil {
			return err
		}
		out = meta
		return nil
	})
	if txErr != nil {
		var appErr *apperrors.AppError
		if errors.As(txErr, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.NewSystemError("failed to patch conversation meta", txErr)
	}
	return out, nil
}

// Get 读取单条
func (r *GormMetaRepository) Get(ctx context.Context, groupID string) (*entity.ConversationMeta, error) {
	var model models.ConversationMetaModel
	if err := r.db.WithContext(ctx).First(&model, "group_id = ?", groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFound("conversation meta not found: " + groupID)
		}
		return nil, apperrors.NewSystemError("failed to get conversation meta", err)
	}
	return metaToEntity(&model)
}

func metaToModel(meta *entity.ConversationMeta) (*models.ConversationMetaModel, error) {
	participants, err := json.Marshal(meta.Participants)
	if err != nil {
		return nil, apperrors.NewSystemError("failed to marshal participants", err)
	}
	return &models.ConversationMetaModel{
		GroupID:         meta.GroupID,
		GroupName:       meta.GroupName,
		Participants:    string(participants),
		Scene:           string(meta.Scene),
		DefaultTimezone: meta.DefaultTimezone,
		UpdatedAt:       meta.UpdatedAt,
	}, nil
}

func metaToEntity(m *models.ConversationMetaModel) (*entity.ConversationMeta, error) {
	meta := &entity.ConversationMeta{
		GroupID:         m.GroupID,
		GroupName:       m.GroupName,
		Scene:           entity.Scene(m.Scene),
		DefaultTimezone: m.DefaultTimezone,
		UpdatedAt:       m.UpdatedAt,
	}
	if m.Participants != "" && m.Participants != "null" {
		if err := json.Unmarshal([]byte(m.Participants), &meta.Participants); err != nil {
			return nil, apperrors.NewSystemError("failed to unmarshal participants", err)
		}
	}
	return meta, nil
}

// toStringMap 兼容 map[string]string 与 JSON 解码出的 map[string]any
func toStringMap(val any) (map[string]string, bool) {
	switch m := val.(type) {
	case map[string]string:
		return m, true
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}
