package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/service"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// MemorizeResult 记忆化接口的同步响应
type MemorizeResult struct {
	Status         string   `json:"status"` // accumulated | extracted
	EventIDs       []string `json:"event_ids,omitempty"`
	MemCellCount   int      `json:"memcell_count,omitempty"`
	EpisodeCreated bool     `json:"episode_created,omitempty"`
	PartialWrite   bool     `json:"partial_write,omitempty"`
}

// MemoryService 记忆服务用例层，接口层只跟它对话
type MemoryService struct {
	dispatcher *service.Dispatcher
	retriever  *service.HybridRetriever
	agentic    *service.AgenticRetriever
	docs       repository.DocumentStore
	metas      repository.MetaStore
	queue      repository.QueueCache
	logger     *zap.Logger
}

// NewMemoryService 创建记忆服务
func NewMemoryService(
	dispatcher *service.Dispatcher,
	retriever *service.HybridRetriever,
	agentic *service.AgenticRetriever,
	docs repository.DocumentStore,
	metas repository.MetaStore,
	queue repository.QueueCache,
	logger *zap.Logger,
) *MemoryService {
	return &MemoryService{
		dispatcher: dispatcher,
		retriever:  retriever,
		agentic:    agentic,
		docs:       docs,
		metas:      metas,
		queue:      queue,
		logger:     logger.With(zap.String("component", "memory-service")),
	}
}

// Memorize 投递一条消息并同步等待处理结果。
// 过载拒绝立即返回；正常路径等待流水线出结果（缓冲 or 抽取完成）。
func (s *MemoryService) Memorize(ctx context.Context, msg entity.RawMessage) (*MemorizeResult, error) {
	resultCh, err := s.dispatcher.Deliver(ctx, msg)
	if err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		if result.Err != nil {
			return nil, result.Err
		}
		return &MemorizeResult{
			Status:         result.Outcome,
			EventIDs:       result.EventIDs,
			MemCellCount:   result.MemCellCount,
			EpisodeCreated: result.EpisodeCreated,
			PartialWrite:   result.PartialWrite,
		}, nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "memorize wait cancelled", ctx.Err())
	}
}

// Fetch 直读文档库
func (s *MemoryService) Fetch(ctx context.Context, q repository.FetchQuery) ([]*entity.MemoryRecord, int64, error) {
	return s.docs.Fetch(ctx, q)
}

// GetByEventID 按 event_id 取单条
func (s *MemoryService) GetByEventID(ctx context.Context, eventID string) (*entity.MemoryRecord, error) {
	if eventID == "" {
		return nil, apperrors.NewInvalidParameter("event_id is required")
	}
	return s.docs.GetByEventID(ctx, eventID)
}

// Search 混合检索
func (s *MemoryService) Search(ctx context.Context, req service.RetrievalRequest) (*entity.RetrievalResponse, error) {
	return s.retriever.Retrieve(ctx, req)
}

// AgenticSearch 两轮代理式检索
func (s *MemoryService) AgenticSearch(ctx context.Context, req service.RetrievalRequest) (*entity.RetrievalResponse, error) {
	return s.agentic.Retrieve(ctx, req)
}

// UpsertMeta 写入会话元信息
func (s *MemoryService) UpsertMeta(ctx context.Context, meta *entity.ConversationMeta) error {
	meta.UpdatedAt = time.Now().UTC()
	return s.metas.Upsert(ctx, meta)
}

// PatchMeta 字段级更新会话元信息
func (s *MemoryService) PatchMeta(ctx context.Context, groupID string, patch map[string]any) (*entity.ConversationMeta, error) {
	if groupID == "" {
		return nil, apperrors.NewInvalidParameter("group_id is required")
	}
	return s.metas.Patch(ctx, groupID, patch)
}

// GetMeta 读取会话元信息
func (s *MemoryService) GetMeta(ctx context.Context, groupID string) (*entity.ConversationMeta, error) {
	if groupID == "" {
		return nil, apperrors.NewInvalidParameter("group_id is required")
	}
	return s.metas.Get(ctx, groupID)
}

// QueueStats 单个分组缓冲的统计
func (s *MemoryService) QueueStats(ctx context.Context, groupID string) (*repository.QueueStats, error) {
	if groupID == "" {
		return nil, apperrors.NewInvalidParameter("group_id is required")
	}
	return s.queue.Stats(ctx, groupID)
}

// DispatcherStats 调度器统计快照
func (s *MemoryService) DispatcherStats() service.DispatcherStats {
	return s.dispatcher.Stats()
}
