package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// EventPublisher 记忆事件发布接口（Kafka 实现，测试用 no-op）
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, rec *entity.MemoryRecord)
}

// TripleWriter 三元存储写入器。写入顺序固定：文档库 → 向量索引 → 文本索引。
// 任一步失败即反向补偿删除已写入的部分；补偿本身失败时返回 PARTIAL_WRITE，
// 附带仍然存活的后端列表，留给运维对账。
type TripleWriter struct {
	docs     repository.DocumentStore
	text     repository.TextIndex
	vectors  repository.VectorIndex
	embedder Embedder
	logger   *zap.Logger
}

// NewTripleWriter 创建三元写入器
func NewTripleWriter(
	docs repository.DocumentStore,
	text repository.TextIndex,
	vectors repository.VectorIndex,
	embedder Embedder,
	logger *zap.Logger,
) *TripleWriter {
	return &TripleWriter{
		docs:     docs,
		text:     text,
		vectors:  vectors,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "triple-writer")),
	}
}

// Write 把一条记录写入三个后端。成功时三处一致，失败时要么全部回滚、
// 要么返回 PARTIAL_WRITE。
func (w *TripleWriter) Write(ctx context.Context, rec *entity.MemoryRecord) error {
	// 步骤 1：文档库（source of truth）
	if err := w.docs.Insert(ctx, rec); err != nil {
		return err
	}

	// 步骤 2：嵌入 + 向量索引
	vector, err := w.embedder.Embed(ctx, rec.SearchContent())
	if err == nil {
		err = w.vectors.Upsert(ctx, rec.EventID, vector, rec)
	}
	if err != nil {
		return w.rollback(ctx, rec.EventID, err, []string{"document"})
	}

	// 步骤 3：文本索引
	if err := w.text.Index(ctx, rec); err != nil {
		return w.rollback(ctx, rec.EventID, err, []string{"document", "vector"})
	}

	return nil
}

// rollback 反向补偿删除。written 是已成功写入的后端（写入顺序）。
func (w *TripleWriter) rollback(ctx context.Context, eventID string, cause error, written []string) error {
	var surviving []string

	for i := len(written) - 1; i >= 0; i-- {
		var err error
		switch written[i] {
		case "vector":
			err = w.vectors.Delete(ctx, eventID)
		case "document":
			err = w.docs.DeleteByEventID(ctx, eventID)
		}
		if err != nil {
			surviving = append(surviving, written[i])
			w.logger.Error("Compensating delete failed",
				zap.String("event_id", eventID),
				zap.String("backend", written[i]),
				zap.Error(err),
			)
		}
	}

	if len(surviving) > 0 {
		w.logger.Error("Partial write detected",
			zap.String("event_id", eventID),
			zap.Strings("surviving_backends", surviving),
			zap.Error(cause),
		)
		return apperrors.Wrap(apperrors.CodePartialWrite,
			"memory write failed and rollback incomplete", cause)
	}

	w.logger.Warn("Memory write rolled back",
		zap.String("event_id", eventID),
		zap.Error(cause),
	)
	return apperrors.Wrap(apperrors.CodeSystem, "memory write failed, rolled back", cause)
}

// Delete 从三个后端删除一条记录。尽力而为：单个后端失败不阻断其余删除，
// 最后返回第一个遇到的错误。
func (w *TripleWriter) Delete(ctx context.Context, eventID string) error {
	var firstErr error
	if err := w.text.Delete(ctx, eventID); err != nil {
		firstErr = err
	}
	if err := w.vectors.Delete(ctx, eventID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.docs.DeleteByEventID(ctx, eventID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeleteByFilters 按过滤条件批量删除，返回删除条数（管理操作用）
func (w *TripleWriter) DeleteByFilters(ctx context.Context, f repository.Filters) (int, error) {
	ids, err := w.docs.ListEventIDs(ctx, f)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if err := w.Delete(ctx, id); err != nil {
			w.logger.Warn("Failed to delete record during bulk delete",
				zap.String("event_id", id), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
