package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// 事件类型（与 Kafka 生产者约定一致）
const (
	eventMemCellExtracted = "memcell.extracted"
	eventEpisodeExtracted = "episode.extracted"
)

// PipelineConfig 记忆化流水线参数
type PipelineConfig struct {
	EpisodeBatchSize int // 未聚合 MemCell 达到该数即触发 Episode 聚合
	WriteRetries     int // 单条记录写入失败的重试次数，耗尽后丢弃
}

// MemorizePipeline 记忆化流水线：缓冲 → 边界检测 → MemCell 抽取 →
// 三元写入 → 缓冲出队 → Episode 聚合。
// 同一路由键的处理由 KeyedLock 串行化，读改写缓冲不会交错。
type MemorizePipeline struct {
	cfg       PipelineConfig
	queue     repository.QueueCache
	locks     *KeyedLock
	boundary  *BoundaryDetector
	memcells  *MemCellExtractor
	episodes  *EpisodeExtractor
	writer    *TripleWriter
	docs      repository.DocumentStore
	metas     repository.MetaStore
	publisher EventPublisher
	logger    *zap.Logger
}

// NewMemorizePipeline 创建流水线。publisher 可为 nil（禁用事件发布）。
func NewMemorizePipeline(
	cfg PipelineConfig,
	queue repository.QueueCache,
	boundary *BoundaryDetector,
	memcells *MemCellExtractor,
	episodes *EpisodeExtractor,
	writer *TripleWriter,
	docs repository.DocumentStore,
	metas repository.MetaStore,
	publisher EventPublisher,
	logger *zap.Logger,
) *MemorizePipeline {
	if cfg.EpisodeBatchSize <= 0 {
		cfg.EpisodeBatchSize = 10
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	return &MemorizePipeline{
		cfg:       cfg,
		queue:     queue,
		locks:     NewKeyedLock(),
		boundary:  boundary,
		memcells:  memcells,
		episodes:  episodes,
		writer:    writer,
		docs:      docs,
		metas:     metas,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "memorize-pipeline")),
	}
}

// bufferedMessage 缓冲里的消息连同其队列成员串（出队时精确删除）
type bufferedMessage struct {
	msg    entity.RawMessage
	member string
}

// Process 处理一条入站消息。作为 Dispatcher 的 ProcessFunc 挂载。
func (p *MemorizePipeline) Process(ctx context.Context, msg entity.RawMessage) ProcessResult {
	key := msg.RouteKey()
	p.locks.Lock(key)
	defer p.locks.Unlock(key)

	if err := p.queue.Append(ctx, key, msg, msg.Timestamp.UnixMilli()); err != nil {
		return ProcessResult{Err: err}
	}

	buffered, err := p.loadBuffer(ctx, key)
	if err != nil {
		return ProcessResult{Err: err}
	}

	// 本条消息为 NEW，此前的缓冲为 HISTORY
	var history, incoming []bufferedMessage
	for _, b := range buffered {
		if b.msg.MessageID == msg.MessageID {
			incoming = append(incoming, b)
		} else {
			history = append(history, b)
		}
	}

	decision, err := p.boundary.Detect(ctx, rawMessages(history), rawMessages(incoming))
	if err != nil {
		// 边界检测失败走 fail-open：继续缓冲，下一条消息再判
		p.logger.Warn("Boundary detection failed, accumulating",
			zap.String("key", key), zap.Error(err))
		return ProcessResult{Outcome: OutcomeAccumulated}
	}
	if !decision.Cut {
		return ProcessResult{Outcome: OutcomeAccumulated}
	}

	p.logger.Info("Conversation boundary detected",
		zap.String("key", key),
		zap.Bool("force_emit_all", decision.ForceEmitAll),
		zap.String("reason", decision.Reason),
	)

	// 正常切分只发射 HISTORY，新消息留在缓冲开启下一片段；
	// 强制发射（缓冲打满）时连新消息一并带走。
	seg := &entity.EpisodeSegment{
		History:     rawMessages(history),
		GroupID:     msg.GroupID,
		CurrentTime: msg.Timestamp,
	}
	emitted := history
	if decision.ForceEmitAll {
		seg.New = rawMessages(incoming)
		emitted = buffered
	}

	return p.extractAndWrite(ctx, key, seg, emitted)
}

func (p *MemorizePipeline) extractAndWrite(ctx context.Context, key string, seg *entity.EpisodeSegment, emitted []bufferedMessage) ProcessResult {
	var meta *entity.ConversationMeta
	if seg.GroupID != "" {
		if m, err := p.metas.Get(ctx, seg.GroupID); err == nil {
			meta = m
		}
	}

	records, err := p.memcells.Extract(ctx, seg, meta)
	if err != nil {
		// 抽取失败保留缓冲：片段未消费，后续消息可再触发
		return ProcessResult{Err: err}
	}

	var eventIDs []string
	partial := false
	for _, rec := range records {
		if err := p.writeWithRetry(ctx, rec); err != nil {
			if apperrors.Is(err, apperrors.CodePartialWrite) {
				partial = true
			}
			p.logger.Error("Dropping memcell after write retries",
				zap.String("event_id", rec.EventID), zap.Error(err))
			continue
		}
		eventIDs = append(eventIDs, rec.EventID)
		if p.publisher != nil {
			p.publisher.Publish(ctx, eventMemCellExtracted, rec)
		}
	}

	// 片段已消费，出队。删除失败不影响已写入的记忆，只可能造成重复抽取。
	members := make([]string, len(emitted))
	for i, b := range emitted {
		members[i] = b.member
	}
	if _, err := p.queue.Remove(ctx, key, members...); err != nil {
		p.logger.Warn("Failed to dequeue emitted segment",
			zap.String("key", key), zap.Error(err))
	}

	result := ProcessResult{
		Outcome:      OutcomeExtracted,
		EventIDs:     eventIDs,
		MemCellCount: len(eventIDs),
		PartialWrite: partial,
	}

	if seg.GroupID != "" && len(eventIDs) > 0 {
		episodeID, err := p.maybeAggregateEpisode(ctx, seg.GroupID)
		if err != nil {
			p.logger.Warn("Episode aggregation failed",
				zap.String("group_id", seg.GroupID), zap.Error(err))
		}
		if episodeID != "" {
			result.EpisodeCreated = true
			result.EventIDs = append(result.EventIDs, episodeID)
		}
	}
	return result
}

// writeWithRetry 单条记录写入，瞬态失败重试。PARTIAL_WRITE 不重试：
// 记录已部分落盘，重写会制造重复。
func (p *MemorizePipeline) writeWithRetry(ctx context.Context, rec *entity.MemoryRecord) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.WriteRetries; attempt++ {
		err := p.writer.Write(ctx, rec)
		if err == nil {
			return nil
		}
		lastErr = err
		if apperrors.Is(err, apperrors.CodePartialWrite) {
			return err
		}
	}
	return lastErr
}

// maybeAggregateEpisode 未聚合 MemCell 达到批量阈值时聚合为 Episode。
// 返回新 Episode 的 event_id，未触发聚合时为空串。
func (p *MemorizePipeline) maybeAggregateEpisode(ctx context.Context, groupID string) (string, error) {
	count, err := p.docs.CountUnlinked(ctx, groupID)
	if err != nil {
		return "", err
	}
	if count < int64(p.cfg.EpisodeBatchSize) {
		return "", nil
	}

	cells, err := p.docs.ListUnlinked(ctx, groupID, p.cfg.EpisodeBatchSize)
	if err != nil {
		return "", err
	}
	if len(cells) == 0 {
		return "", nil
	}

	episode, err := p.episodes.Aggregate(ctx, groupID, cells)
	if err != nil {
		return "", err
	}
	if err := p.writeWithRetry(ctx, episode); err != nil {
		return "", err
	}

	ids := make([]string, len(cells))
	for i, c := range cells {
		ids[i] = c.EventID
	}
	if err := p.docs.MarkLinked(ctx, ids, episode.EventID); err != nil {
		return "", err
	}

	if p.publisher != nil {
		p.publisher.Publish(ctx, eventEpisodeExtracted, episode)
	}
	p.logger.Info("Episode aggregated",
		zap.String("group_id", groupID),
		zap.String("event_id", episode.EventID),
		zap.Int("memcell_count", len(cells)),
	)
	return episode.EventID, nil
}

// loadBuffer 读取整个缓冲并按时间升序解码
func (p *MemorizePipeline) loadBuffer(ctx context.Context, key string) ([]bufferedMessage, error) {
	items, err := p.queue.RangeByTimestamp(ctx, key, 0, 0, 0)
	if err != nil {
		return nil, err
	}

	// RangeByTimestamp 降序返回，这里反转为时间升序
	out := make([]bufferedMessage, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var msg entity.RawMessage
		if err := items[i].Decode(&msg); err != nil {
			p.logger.Warn("Skipping undecodable buffer entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, bufferedMessage{msg: msg, member: items[i].Member})
	}
	return out, nil
}

func rawMessages(buffered []bufferedMessage) []entity.RawMessage {
	out := make([]entity.RawMessage, len(buffered))
	for i, b := range buffered {
		out[i] = b.msg
	}
	return out
}
