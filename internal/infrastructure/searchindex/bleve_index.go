package searchindex

import (
	"context"
	"errors"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// BleveIndex 倒排文本索引。文档 ID 即 event_id，检索走带权 should 查询，
// 相关度由 bleve 的 BM25/tf-idf 打分，权重通过 boost 注入。
type BleveIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewBleveIndex 打开（或创建）磁盘索引。path 为 ":memory:" 时用纯内存索引。
func NewBleveIndex(path string, logger *zap.Logger) (*BleveIndex, error) {
	var idx bleve.Index
	var err error

	if path == ":memory:" {
		idx, err = bleve.NewMemOnly(buildMapping())
	} else if _, statErr := os.Stat(path); statErr == nil {
		idx, err = bleve.Open(path)
	} else {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, apperrors.NewSystemError("failed to open text index", err)
	}

	return &BleveIndex{
		index:  idx,
		logger: logger.With(zap.String("component", "text-index")),
	}, nil
}

// NewMemOnlyIndex 纯内存索引，测试用
func NewMemOnlyIndex(logger *zap.Logger) (*BleveIndex, error) {
	return NewBleveIndex(":memory:", logger)
}

// Compile-time interface check
var _ repository.TextIndex = (*BleveIndex)(nil)

func buildMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name

	numericField := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("user_id", keywordField)
	doc.AddFieldMappingsAt("group_id", keywordField)
	doc.AddFieldMappingsAt("kind", keywordField)
	doc.AddFieldMappingsAt("search_content", contentField)
	doc.AddFieldMappingsAt("timestamp_ms", numericField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Index 写入（或覆盖）一条记录的可检索投影
func (b *BleveIndex) Index(ctx context.Context, rec *entity.MemoryRecord) error {
	if rec.EventID == "" {
		return apperrors.NewInvalidParameter("event_id is required for indexing")
	}
	doc := map[string]any{
		"user_id":        rec.UserID,
		"group_id":       rec.GroupID,
		"kind":           string(rec.Kind),
		"search_content": rec.SearchContent(),
		"timestamp_ms":   float64(rec.Timestamp.UnixMilli()),
	}
	if err := b.index.Index(rec.EventID, doc); err != nil {
		return apperrors.NewSystemError("failed to index record", err)
	}
	return nil
}

// Delete 删除一条。不存在视为成功（回滚路径需要幂等删除）。
func (b *BleveIndex) Delete(ctx context.Context, eventID string) error {
	if err := b.index.Delete(eventID); err != nil {
		return apperrors.NewSystemError("failed to delete from text index", err)
	}
	return nil
}

// Search 带权词检索。每个词是一个 should 分支，boost 为 smart text 权重；
// 作用域 / 时间过滤以 must 分支参与。
func (b *BleveIndex) Search(ctx context.Context, q repository.TextQuery) ([]repository.ScoredID, error) {
	if len(q.Terms) == 0 {
		return nil, nil
	}

	boolQuery := bleve.NewBooleanQuery()
	for _, term := range q.Terms {
		mq := bleve.NewMatchQuery(term.Term)
		mq.SetField("search_content")
		if term.Weight > 0 {
			mq.SetBoost(term.Weight)
		}
		boolQuery.AddShould(mq)
	}
	boolQuery.SetMinShould(1)

	for _, filter := range buildFilterQueries(q.Filters) {
		boolQuery.AddMust(filter)
	}

	req := bleve.NewSearchRequestOptions(boolQuery, q.Limit, 0, false)
	if q.Limit <= 0 {
		req.Size = 100
	}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, apperrors.NewSystemError("text search failed", err)
	}

	hits := make([]repository.ScoredID, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, repository.ScoredID{EventID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Close 关闭索引
func (b *BleveIndex) Close() error {
	if err := b.index.Close(); err != nil && !errors.Is(err, bleve.ErrorIndexClosed) {
		return err
	}
	return nil
}

func buildFilterQueries(f repository.Filters) []query.Query {
	var filters []query.Query

	switch f.Scope {
	case entity.ScopePersonal:
		filters = append(filters, termQuery("user_id", f.UserID))
	case entity.ScopeGroup:
		filters = append(filters, termQuery("group_id", f.GroupID))
	default: // all：user/group 并集
		switch {
		case f.UserID != "" && f.GroupID != "":
			union := bleve.NewBooleanQuery()
			union.AddShould(termQuery("user_id", f.UserID))
			union.AddShould(termQuery("group_id", f.GroupID))
			union.SetMinShould(1)
			filters = append(filters, union)
		case f.UserID != "":
			filters = append(filters, termQuery("user_id", f.UserID))
		case f.GroupID != "":
			filters = append(filters, termQuery("group_id", f.GroupID))
		}
	}

	if f.Kind != "" {
		filters = append(filters, termQuery("kind", string(f.Kind)))
	}

	if f.TimeRange != nil && (!f.TimeRange.Start.IsZero() || !f.TimeRange.End.IsZero()) {
		var min, max *float64
		if !f.TimeRange.Start.IsZero() {
			v := float64(f.TimeRange.Start.UnixMilli())
			min = &v
		}
		if !f.TimeRange.End.IsZero() {
			v := float64(f.TimeRange.End.UnixMilli())
			max = &v
		}
		nr := bleve.NewNumericRangeQuery(min, max)
		nr.SetField("timestamp_ms")
		filters = append(filters, nr)
	}

	return filters
}

func termQuery(field, value string) query.Query {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return tq
}
