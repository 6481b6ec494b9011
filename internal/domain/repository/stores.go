package repository

import (
	"context"
	"time"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
)

// Filters 作用域 / 时间过滤条件，三个后端共享同一套语义。
// Scope 决定 UserID / GroupID 的组合方式：
//   - personal: user_id 精确匹配
//   - group:    group_id 精确匹配
//   - all:      两者取并集
type Filters struct {
	UserID    string
	GroupID   string
	Scope     entity.MemoryScope
	Kind      entity.RecordKind // 可选，空表示不限
	TimeRange *entity.TimeRange
}

// SortOrder 结果排序方向
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// FetchQuery 直读文档库的分页查询
type FetchQuery struct {
	Filters
	Type         entity.MemoryType // 可选
	Limit        int
	Offset       int
	Sort         SortOrder
	VersionRange [2]string // 可选，闭区间，仅对 Profile 生效
	LatestOnly   bool      // Profile 读默认 is_latest=true
}

// DocumentStore 文档库（三元存储的 source of truth）
type DocumentStore interface {
	Insert(ctx context.Context, rec *entity.MemoryRecord) error
	Update(ctx context.Context, rec *entity.MemoryRecord) error
	GetByEventID(ctx context.Context, eventID string) (*entity.MemoryRecord, error)
	GetByEventIDs(ctx context.Context, eventIDs []string) ([]*entity.MemoryRecord, error)
	Fetch(ctx context.Context, q FetchQuery) ([]*entity.MemoryRecord, int64, error)
	DeleteByEventID(ctx context.Context, eventID string) error
	ListEventIDs(ctx context.Context, f Filters) ([]string, error)

	// Episode 聚合支持：未被聚合的 MemCell 计数与批取（最老优先）
	CountUnlinked(ctx context.Context, groupID string) (int64, error)
	ListUnlinked(ctx context.Context, groupID string, limit int) ([]*entity.MemoryRecord, error)
	MarkLinked(ctx context.Context, memcellIDs []string, episodeEventID string) error

	// Profile 版本化 upsert：同一 (user_id, group_id) 下恰好一条 is_latest，
	// 且为字典序最大的 version
	UpsertProfile(ctx context.Context, rec *entity.MemoryRecord) error
}

// ScoredID 后端检索命中：event_id + 后端量纲的分数
type ScoredID struct {
	EventID string
	Score   float64
}

// WeightedTerm 带权查询词，权重来自 smart text score
type WeightedTerm struct {
	Term   string
	Weight float64
}

// TextQuery BM25 文本检索请求
type TextQuery struct {
	Terms   []WeightedTerm
	Filters Filters
	Limit   int
}

// TextIndex 倒排文本索引（BM25 分片）
type TextIndex interface {
	Index(ctx context.Context, rec *entity.MemoryRecord) error
	Delete(ctx context.Context, eventID string) error
	Search(ctx context.Context, q TextQuery) ([]ScoredID, error)
	Close() error
}

// VectorQuery 向量检索请求
type VectorQuery struct {
	Filters Filters
	Limit   int
}

// VectorIndex 向量索引（cosine kNN）
type VectorIndex interface {
	Upsert(ctx context.Context, eventID string, vector []float32, rec *entity.MemoryRecord) error
	Delete(ctx context.Context, eventID string) error
	Search(ctx context.Context, vector []float32, q VectorQuery) ([]ScoredID, error)
	Close() error
}

// QueueItem 缓冲队列条目。Member 保留原始成员串，用于精确删除。
type QueueItem struct {
	ID     string
	Score  int64
	Member string
	Decode func(v any) error
}

// QueueStats 队列统计
type QueueStats struct {
	TotalCount   int64
	MaxLength    int
	OldestScore  int64
	NewestScore  int64
	TTLRemaining time.Duration
	IsFull       bool
}

// QueueCache 按键有界、按 score 排序的缓冲队列（C1 契约）
type QueueCache interface {
	// Append 原子追加并刷新 TTL；score 缺省为当前毫秒时间戳
	Append(ctx context.Context, key string, payload any, score int64) error
	Size(ctx context.Context, key string) (int64, error)
	Clear(ctx context.Context, key string) error
	TrimExcess(ctx context.Context, key string) (int64, error)
	// RangeByTimestamp 按 score 降序返回 [start, end] 内的条目。
	// start/end 传 0 表示无界；limit ≤ 0 表示不限
	RangeByTimestamp(ctx context.Context, key string, start, end int64, limit int) ([]QueueItem, error)
	// Remove 按成员精确删除（发射片段后出队）
	Remove(ctx context.Context, key string, members ...string) (int64, error)
	Stats(ctx context.Context, key string) (*QueueStats, error)
}

// MetaStore 会话元信息存取
type MetaStore interface {
	Upsert(ctx context.Context, meta *entity.ConversationMeta) error
	Patch(ctx context.Context, groupID string, patch map[string]any) (*entity.ConversationMeta, error)
	Get(ctx context.Context, groupID string) (*entity.ConversationMeta, error)
}
