package eventbus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/config"
)

// 事件类型
const (
	EventMemCellExtracted = "memcell.extracted"
	EventEpisodeExtracted = "episode.extracted"
)

// MemoryEvent 记忆事件载荷
type MemoryEvent struct {
	Type      string    `json:"type"`
	EventID   string    `json:"event_id"`
	GroupID   string    `json:"group_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
	EmittedAt time.Time `json:"emitted_at"`
}

// KafkaProducer 把抽取产出发布到 Kafka。按 group_id 哈希分区，
// 保证同组事件的分区内有序。发布失败只记日志，不阻断写入主流程。
type KafkaProducer struct {
	writer  *kafka.Writer
	topic   string
	started atomic.Bool
	logger  *zap.Logger
}

// NewKafkaProducer 创建生产者。brokers 为空返回 nil（禁用发布，调用方判空）。
func NewKafkaProducer(cfg config.KafkaConfig, logger *zap.Logger) *KafkaProducer {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	return &KafkaProducer{
		topic:  cfg.Topic,
		logger: logger.With(zap.String("component", "event-producer")),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Start 幂等启动：重复调用只生效一次
func (p *KafkaProducer) Start() {
	if p == nil {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("Kafka event producer started", zap.String("topic", p.topic))
}

// Publish 发布记忆事件。未启动或已禁用时为 no-op。
func (p *KafkaProducer) Publish(ctx context.Context, eventType string, rec *entity.MemoryRecord) {
	if p == nil || !p.started.Load() {
		return
	}

	payload, err := json.Marshal(MemoryEvent{
		Type:      eventType,
		EventID:   rec.EventID,
		GroupID:   rec.GroupID,
		UserID:    rec.UserID,
		Subject:   rec.Subject,
		Timestamp: rec.Timestamp,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("Failed to marshal memory event", zap.Error(err))
		return
	}

	// 分区键优先 group_id，私聊记忆退化到 user_id
	key := rec.GroupID
	if key == "" {
		key = rec.UserID
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		p.logger.Warn("Failed to publish memory event",
			zap.String("type", eventType),
			zap.String("event_id", rec.EventID),
			zap.Error(err),
		)
	}
}

// Close 关闭底层 writer
func (p *KafkaProducer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
