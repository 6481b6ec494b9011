package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// fakeLLM 脚本化 LLM：按顺序弹出预置响应
type fakeLLM struct {
	mu        sync.Mutex
	responses []fakeLLMResponse
	calls     int
}

type fakeLLMResponse struct {
	content string
	err     error
}

func (f *fakeLLM) push(content string) *fakeLLM {
	f.responses = append(f.responses, fakeLLMResponse{content: content})
	return f
}

func (f *fakeLLM) pushErr(err error) *fakeLLM {
	f.responses = append(f.responses, fakeLLMResponse{err: err})
	return f
}

func (f *fakeLLM) Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fakeLLM: no scripted response left")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &LLMResponse{Content: next.content}, nil
}

// staticPrompts 直通渲染器，测试不关心提示词内容
type staticPrompts struct{}

func (staticPrompts) Render(name string, data any) (string, error) {
	return "prompt:" + name, nil
}

// fakeEmbedder 确定性嵌入：向量由文本长度导出
type fakeEmbedder struct {
	failNext bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("embed backend down")
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

// fakeDocs 内存文档库
type fakeDocs struct {
	mu      sync.Mutex
	records map[string]*entity.MemoryRecord
	// 故障注入
	failInsert bool
	failDelete bool
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{records: make(map[string]*entity.MemoryRecord)}
}

func (f *fakeDocs) Insert(ctx context.Context, rec *entity.MemoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return fmt.Errorf("document store down")
	}
	cp := *rec
	f.records[rec.EventID] = &cp
	return nil
}

func (f *fakeDocs) Update(ctx context.Context, rec *entity.MemoryRecord) error {
	return f.Insert(ctx, rec)
}

func (f *fakeDocs) GetByEventID(ctx context.Context, eventID string) (*entity.MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[eventID]
	if !ok {
		return nil, apperrors.NewNotFound("not found: " + eventID)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDocs) GetByEventIDs(ctx context.Context, eventIDs []string) ([]*entity.MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.MemoryRecord
	for _, id := range eventIDs {
		if rec, ok := f.records[id]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDocs) Fetch(ctx context.Context, q repository.FetchQuery) ([]*entity.MemoryRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.MemoryRecord
	for _, rec := range f.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, int64(len(out)), nil
}

func (f *fakeDocs) DeleteByEventID(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return fmt.Errorf("document delete down")
	}
	delete(f.records, eventID)
	return nil
}

func (f *fakeDocs) ListEventIDs(ctx context.Context, filters repository.Filters) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeDocs) CountUnlinked(ctx context.Context, groupID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, rec := range f.records {
		if rec.Kind == entity.KindMemCell && rec.GroupID == groupID && rec.LinkedEpisodeID == "" {
			n++
		}
	}
	return n, nil
}

func (f *fakeDocs) ListUnlinked(ctx context.Context, groupID string, limit int) ([]*entity.MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.MemoryRecord
	for _, rec := range f.records {
		if rec.Kind == entity.KindMemCell && rec.GroupID == groupID && rec.LinkedEpisodeID == "" {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDocs) MarkLinked(ctx context.Context, memcellIDs []string, episodeEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range memcellIDs {
		if rec, ok := f.records[id]; ok {
			rec.LinkedEpisodeID = episodeEventID
		}
	}
	return nil
}

func (f *fakeDocs) UpsertProfile(ctx context.Context, rec *entity.MemoryRecord) error {
	return f.Insert(ctx, rec)
}

func (f *fakeDocs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeText 内存文本索引：朴素子串匹配，带故障注入
type fakeText struct {
	mu         sync.Mutex
	content    map[string]string
	failIndex  bool
	failDelete bool
}

func newFakeText() *fakeText {
	return &fakeText{content: make(map[string]string)}
}

func (f *fakeText) Index(ctx context.Context, rec *entity.MemoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIndex {
		return fmt.Errorf("text index down")
	}
	f.content[rec.EventID] = rec.SearchContent()
	return nil
}

func (f *fakeText) Delete(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return fmt.Errorf("text delete down")
	}
	delete(f.content, eventID)
	return nil
}

func (f *fakeText) Search(ctx context.Context, q repository.TextQuery) ([]repository.ScoredID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []repository.ScoredID
	for id, content := range f.content {
		score := 0.0
		for _, term := range q.Terms {
			if strings.Contains(content, term.Term) {
				score += term.Weight
			}
		}
		if score > 0 {
			hits = append(hits, repository.ScoredID{EventID: id, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EventID < hits[j].EventID
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (f *fakeText) Close() error { return nil }

func (f *fakeText) has(eventID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.content[eventID]
	return ok
}

// fakeVectors 内存向量索引存根，带故障注入
type fakeVectors struct {
	mu         sync.Mutex
	vectors    map[string][]float32
	failUpsert bool
	failDelete bool
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{vectors: make(map[string][]float32)}
}

func (f *fakeVectors) Upsert(ctx context.Context, eventID string, vector []float32, rec *entity.MemoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return fmt.Errorf("vector index down")
	}
	f.vectors[eventID] = vector
	return nil
}

func (f *fakeVectors) Delete(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return fmt.Errorf("vector delete down")
	}
	delete(f.vectors, eventID)
	return nil
}

func (f *fakeVectors) Search(ctx context.Context, vector []float32, q repository.VectorQuery) ([]repository.ScoredID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []repository.ScoredID
	for id := range f.vectors {
		hits = append(hits, repository.ScoredID{EventID: id, Score: 0.5})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].EventID < hits[j].EventID })
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (f *fakeVectors) Close() error { return nil }

func (f *fakeVectors) has(eventID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vectors[eventID]
	return ok
}

// fakeQueue 内存有界队列，语义对齐 Redis sorted set 实现
type fakeQueue struct {
	mu        sync.Mutex
	items     map[string][]fakeQueueItem
	maxLength int
	seq       int
}

type fakeQueueItem struct {
	member  string
	score   int64
	payload entity.RawMessage
}

func newFakeQueue(maxLength int) *fakeQueue {
	return &fakeQueue{items: make(map[string][]fakeQueueItem), maxLength: maxLength}
}

func (f *fakeQueue) Append(ctx context.Context, key string, payload any, score int64) error {
	msg, ok := payload.(entity.RawMessage)
	if !ok {
		return fmt.Errorf("fakeQueue only stores RawMessage")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.items[key] = append(f.items[key], fakeQueueItem{
		member:  fmt.Sprintf("member-%d", f.seq),
		score:   score,
		payload: msg,
	})
	sort.SliceStable(f.items[key], func(i, j int) bool {
		return f.items[key][i].score < f.items[key][j].score
	})
	return nil
}

func (f *fakeQueue) Size(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.items[key])), nil
}

func (f *fakeQueue) Clear(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
	return nil
}

func (f *fakeQueue) TrimExcess(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excess := len(f.items[key]) - f.maxLength
	if excess <= 0 {
		return 0, nil
	}
	f.items[key] = f.items[key][excess:]
	return int64(excess), nil
}

func (f *fakeQueue) RangeByTimestamp(ctx context.Context, key string, start, end int64, limit int) ([]repository.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []repository.QueueItem
	items := f.items[key]
	for i := len(items) - 1; i >= 0; i-- { // 降序
		item := items[i]
		if start != 0 && item.score < start {
			continue
		}
		if end != 0 && item.score > end {
			continue
		}
		payload := item.payload
		out = append(out, repository.QueueItem{
			ID:     item.member,
			Score:  item.score,
			Member: item.member,
			Decode: func(v any) error {
				p, ok := v.(*entity.RawMessage)
				if !ok {
					return fmt.Errorf("decode target must be *RawMessage")
				}
				*p = payload
				return nil
			},
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeQueue) Remove(ctx context.Context, key string, members ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]struct{}, len(members))
	for _, m := range members {
		drop[m] = struct{}{}
	}
	var kept []fakeQueueItem
	var removed int64
	for _, item := range f.items[key] {
		if _, ok := drop[item.member]; ok {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	f.items[key] = kept
	return removed, nil
}

func (f *fakeQueue) Stats(ctx context.Context, key string) (*repository.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[key]
	stats := &repository.QueueStats{
		TotalCount: int64(len(items)),
		MaxLength:  f.maxLength,
		IsFull:     len(items) >= f.maxLength,
	}
	if len(items) > 0 {
		stats.OldestScore = items[0].score
		stats.NewestScore = items[len(items)-1].score
	}
	return stats, nil
}

// fakeMetas 内存元信息存储
type fakeMetas struct {
	mu    sync.Mutex
	metas map[string]*entity.ConversationMeta
}

func newFakeMetas() *fakeMetas {
	return &fakeMetas{metas: make(map[string]*entity.ConversationMeta)}
}

func (f *fakeMetas) Upsert(ctx context.Context, meta *entity.ConversationMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *meta
	f.metas[meta.GroupID] = &cp
	return nil
}

func (f *fakeMetas) Patch(ctx context.Context, groupID string, patch map[string]any) (*entity.ConversationMeta, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

func (f *fakeMetas) Get(ctx context.Context, groupID string) (*entity.ConversationMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.metas[groupID]
	if !ok {
		return nil, apperrors.NewNotFound("meta not found")
	}
	cp := *meta
	return &cp, nil
}

func repositoryFiltersAll() repository.Filters {
	return repository.Filters{GroupID: "g1", Scope: entity.ScopeGroup}
}

// capturePublisher 记录发布的事件
type capturePublisher struct {
	mu     sync.Mutex
	events []string
}

func (c *capturePublisher) Publish(ctx context.Context, eventType string, rec *entity.MemoryRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func (c *capturePublisher) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == eventType {
			n++
		}
	}
	return n
}
