package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
)

// vectorEntry 内存向量条目，保留过滤所需的投影字段
type vectorEntry struct {
	eventID   string
	vector    []float32
	userID    string
	groupID   string
	kind      entity.RecordKind
	timestamp time.Time
}

// InMemoryVectorStore 内存向量索引（余弦相似度，用于测试和小规模使用）
type InMemoryVectorStore struct {
	mu      sync.RWMutex
	entries map[string]*vectorEntry
}

// NewInMemoryVectorStore 创建内存向量索引
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{
		entries: make(map[string]*vectorEntry),
	}
}

// Compile-time interface check
var _ repository.VectorIndex = (*InMemoryVectorStore)(nil)

// Upsert 插入或覆盖向量
func (s *InMemoryVectorStore) Upsert(ctx context.Context, eventID string, vector []float32, rec *entity.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[eventID] = &vectorEntry{
		eventID:   eventID,
		vector:    vector,
		userID:    rec.UserID,
		groupID:   rec.GroupID,
		kind:      rec.Kind,
		timestamp: rec.Timestamp,
	}
	return nil
}

// Delete 删除向量，不存在视为成功
func (s *InMemoryVectorStore) Delete(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, eventID)
	return nil
}

// Search 余弦相似度 kNN
func (s *InMemoryVectorStore) Search(ctx context.Context, vector []float32, q repository.VectorQuery) ([]repository.ScoredID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		eventID string
		score   float64
	}
	var candidates []scored

	for _, entry := range s.entries {
		if !matchesFilters(entry, q.Filters) {
			continue
		}
		candidates = append(candidates, scored{
			eventID: entry.eventID,
			score:   cosineSimilarity(vector, entry.vector),
		})
	}

	// 按分数排序
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	limit := q.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	results := make([]repository.ScoredID, limit)
	for i := 0; i < limit; i++ {
		results[i] = repository.ScoredID{EventID: candidates[i].eventID, Score: candidates[i].score}
	}
	return results, nil
}

// Close 实现接口，无资源可释放
func (s *InMemoryVectorStore) Close() error {
	return nil
}

func matchesFilters(entry *vectorEntry, f repository.Filters) bool {
	switch f.Scope {
	case entity.ScopePersonal:
		if entry.userID != f.UserID {
			return false
		}
	case entity.ScopeGroup:
		if entry.groupID != f.GroupID {
			return false
		}
	default: // all：并集
		if f.UserID != "" || f.GroupID != "" {
			matched := (f.UserID != "" && entry.userID == f.UserID) ||
				(f.GroupID != "" && entry.groupID == f.GroupID)
			if !matched {
				return false
			}
		}
	}
	if f.Kind != "" && entry.kind != f.Kind {
		return false
	}
	if f.TimeRange != nil && !f.TimeRange.Contains(entry.timestamp) {
		return false
	}
	return true
}

// cosineSimilarity 计算余弦相似度
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
