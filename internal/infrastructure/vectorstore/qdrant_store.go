package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/config"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// QdrantStore Qdrant 向量索引。point ID 复用 event_id（UUID），
// 过滤字段随 payload 写入，检索时下推给 Qdrant。
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	logger     *zap.Logger
}

// NewQdrantStore 连接 Qdrant 并确保 collection 存在（cosine 距离）
func NewQdrantStore(cfg config.QdrantConfig, dimension int, logger *zap.Logger) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, apperrors.NewSystemError("failed to connect to qdrant", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		logger:     logger.With(zap.String("component", "vector-index")),
	}
	if err := s.ensureCollection(context.Background(), dimension); err != nil {
		return nil, err
	}
	return s, nil
}

// Compile-time interface check
var _ repository.VectorIndex = (*QdrantStore)(nil)

func (s *QdrantStore) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return apperrors.NewSystemError("failed to check qdrant collection", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return apperrors.NewSystemError("failed to create qdrant collection", err)
	}
	s.logger.Info("Qdrant collection created",
		zap.String("collection", s.collection),
		zap.Int("dimension", dimension),
	)
	return nil
}

// Upsert 写入（或覆盖）向量点
func (s *QdrantStore) Upsert(ctx context.Context, eventID string, vector []float32, rec *entity.MemoryRecord) error {
	payload := map[string]any{
		"user_id":      rec.UserID,
		"group_id":     rec.GroupID,
		"kind":         string(rec.Kind),
		"timestamp_ms": rec.Timestamp.UnixMilli(),
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(eventID),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return apperrors.NewSystemError("failed to upsert vector", err)
	}
	return nil
}

// Delete 删除向量点，不存在视为成功
func (s *QdrantStore) Delete(ctx context.Context, eventID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(eventID)),
	})
	if err != nil {
		return apperrors.NewSystemError("failed to delete vector", err)
	}
	return nil
}

// Search cosine kNN，过滤条件下推
func (s *QdrantStore) Search(ctx context.Context, vector []float32, q repository.VectorQuery) ([]repository.ScoredID, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         buildQdrantFilter(q.Filters),
	})
	if err != nil {
		return nil, apperrors.NewSystemError("vector search failed", err)
	}

	hits := make([]repository.ScoredID, 0, len(points))
	for _, p := range points {
		id := p.GetId().GetUuid()
		if id == "" {
			id = fmt.Sprintf("%d", p.GetId().GetNum())
		}
		hits = append(hits, repository.ScoredID{EventID: id, Score: float64(p.GetScore())})
	}
	return hits, nil
}

// Close 关闭 gRPC 连接
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// buildQdrantFilter 作用域 / 时间过滤翻译为 Qdrant filter。
// should-only filter 的语义就是"至少命中一个"，正好对应 all 作用域的并集。
func buildQdrantFilter(f repository.Filters) *qdrant.Filter {
	filter := &qdrant.Filter{}

	switch f.Scope {
	case entity.ScopePersonal:
		filter.Must = append(filter.Must, qdrant.NewMatch("user_id", f.UserID))
	case entity.ScopeGroup:
		filter.Must = append(filter.Must, qdrant.NewMatch("group_id", f.GroupID))
	default:
		if f.UserID != "" {
			filter.Should = append(filter.Should, qdrant.NewMatch("user_id", f.UserID))
		}
		if f.GroupID != "" {
			filter.Should = append(filter.Should, qdrant.NewMatch("group_id", f.GroupID))
		}
	}

	if f.Kind != "" {
		filter.Must = append(filter.Must, qdrant.NewMatch("kind", string(f.Kind)))
	}

	if f.TimeRange != nil && (!f.TimeRange.Start.IsZero() || !f.TimeRange.End.IsZero()) {
		r := &qdrant.Range{}
		if !f.TimeRange.Start.IsZero() {
			r.Gte = qdrant.PtrOf(float64(f.TimeRange.Start.UnixMilli()))
		}
		if !f.TimeRange.End.IsZero() {
			r.Lte = qdrant.PtrOf(float64(f.TimeRange.End.UnixMilli()))
		}
		filter.Must = append(filter.Must, qdrant.NewRange("timestamp_ms", r))
	}

	if len(filter.Must) == 0 && len(filter.Should) == 0 {
		return nil
	}
	return filter
}
