package entity

import (
	"strings"
	"time"
)

// MemoryType 记忆类型
type MemoryType string

const (
	MemoryTypeConversation MemoryType = "conversation"
	MemoryTypeDocument     MemoryType = "document"
	MemoryTypeOther        MemoryType = "other"
)

// RecordKind 记录种类标签（tagged union 判别字段）。
// MemCell 是一手记忆单元；Episode 聚合多个 MemCell；Profile 是按版本
// 归一化的群组画像聚合。
type RecordKind string

const (
	KindMemCell RecordKind = "memcell"
	KindEpisode RecordKind = "episode"
	KindProfile RecordKind = "profile"
)

// MemoryScope 检索可见范围
type MemoryScope string

const (
	ScopeAll      MemoryScope = "all"
	ScopePersonal MemoryScope = "personal"
	ScopeGroup    MemoryScope = "group"
)

// TimeRange 闭区间时间过滤
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains 判断时间点是否落在区间内（零值端点视为无界）
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// MemoryRecord 持久化记忆单元。MemCell / Episode / Profile 共用一个结构，
// 由 Kind 判别；读路径通过 memcell_event_id_list 是否为空区分前两者。
type MemoryRecord struct {
	EventID         string       `json:"event_id"`
	Kind            RecordKind   `json:"kind"`
	UserID          string       `json:"user_id,omitempty"`  // 空表示群组作用域
	GroupID         string       `json:"group_id,omitempty"` // 空表示个人作用域
	Participants    []string     `json:"participants"`
	Timestamp       time.Time    `json:"timestamp"`
	Type            MemoryType   `json:"type"`
	Subject         string       `json:"subject"`
	Summary         string       `json:"summary"`
	Keywords        []string     `json:"keywords,omitempty"`
	LinkedEntities  []string     `json:"linked_entities,omitempty"`
	OriginalData    []RawMessage `json:"original_data,omitempty"`
	MemCellEventIDs []string     `json:"memcell_event_id_list,omitempty"`
	Episode         string       `json:"episode,omitempty"` // Episode 长叙述
	LinkedEpisodeID string       `json:"-"`                 // MemCell 被聚合进的 Episode

	// 语义记忆有效期窗口，两端都存在时参与 current_time 过滤
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Profile 版本字段
	Version  string `json:"version,omitempty"`
	IsLatest bool   `json:"is_latest,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEpisode 判别是否为 Episode 记录
func (r *MemoryRecord) IsEpisode() bool {
	return len(r.MemCellEventIDs) > 0
}

// SearchContent 拼接可检索文本（主题 + 摘要 + 关键词 + 叙述）
func (r *MemoryRecord) SearchContent() string {
	parts := make([]string, 0, 4)
	if r.Subject != "" {
		parts = append(parts, r.Subject)
	}
	if r.Summary != "" {
		parts = append(parts, r.Summary)
	}
	if len(r.Keywords) > 0 {
		parts = append(parts, strings.Join(r.Keywords, " "))
	}
	if r.Episode != "" {
		parts = append(parts, r.Episode)
	}
	return strings.Join(parts, "\n")
}

// ValidAt 判断记录在 current_time 是否有效。
// 仅当 start_time 与 end_time 都存在时才做窗口排除，否则视为有效。
func (r *MemoryRecord) ValidAt(now time.Time) bool {
	if r.StartTime == nil || r.EndTime == nil {
		return true
	}
	if now.Before(*r.StartTime) || now.After(*r.EndTime) {
		return false
	}
	return true
}

// RetrievalMode 检索模式
type RetrievalMode string

const (
	ModeBM25      RetrievalMode = "bm25"
	ModeEmbedding RetrievalMode = "embedding"
	ModeRRF       RetrievalMode = "rrf"
)

// RetrievalResult 单条检索结果。Score 只在同一次响应内可比。
type RetrievalResult struct {
	EventID   string    `json:"event_id"`
	Score     float64   `json:"score"`
	Subject   string    `json:"subject"`
	Summary   string    `json:"summary"`
	Episode   string    `json:"episode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RetrievalResponse 检索响应：结果列表 + 扁平元数据
// （retrieval_mode、total_latency_ms、round 计数、refined_queries 等）
type RetrievalResponse struct {
	Results  []RetrievalResult `json:"memories"`
	Metadata map[string]any    `json:"metadata"`
}
