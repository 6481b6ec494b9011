package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// RetrievalRequest 检索请求
type RetrievalRequest struct {
	Query                 string
	Mode                  entity.RetrievalMode
	Filters               repository.Filters
	TopK                  int
	CurrentTime           time.Time // 有效期过滤基准，零值取当前时间
	DisableValidityFilter bool
}

// RetrievalTunables 热加载旋钮的读取口，由配置监视器提供
type RetrievalTunables func() (rrfK int, defaultTopK int)

// RetrieverConfig 检索固定参数
type RetrieverConfig struct {
	CandidatesPerSide int // RRF 每路召回候选数下限，实际取 max(该值, top_k*5)
}

// HybridRetriever 混合检索器。三种模式：bm25（倒排）、embedding（向量）、
// rrf（双路召回 + Reciprocal Rank Fusion）。分数只在同一次响应内可比。
type HybridRetriever struct {
	docs     repository.DocumentStore
	text     repository.TextIndex
	vectors  repository.VectorIndex
	embedder Embedder
	cfg      RetrieverConfig
	tunables RetrievalTunables
	logger   *zap.Logger
}

// NewHybridRetriever 创建混合检索器
func NewHybridRetriever(
	docs repository.DocumentStore,
	text repository.TextIndex,
	vectors repository.VectorIndex,
	embedder Embedder,
	cfg RetrieverConfig,
	tunables RetrievalTunables,
	logger *zap.Logger,
) *HybridRetriever {
	if cfg.CandidatesPerSide <= 0 {
		cfg.CandidatesPerSide = 100
	}
	return &HybridRetriever{
		docs:     docs,
		text:     text,
		vectors:  vectors,
		embedder: embedder,
		cfg:      cfg,
		tunables: tunables,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve 执行一次检索
func (r *HybridRetriever) Retrieve(ctx context.Context, req RetrievalRequest) (*entity.RetrievalResponse, error) {
	if req.Query == "" {
		return nil, apperrors.NewInvalidParameter("query is required")
	}

	rrfK, defaultTopK := r.tunables()
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	mode := req.Mode
	if mode == "" {
		mode = entity.ModeRRF
	}

	start := time.Now()

	var hits []repository.ScoredID
	var err error
	switch mode {
	case entity.ModeBM25:
		hits, err = r.searchText(ctx, req, topK)
	case entity.ModeEmbedding:
		hits, err = r.searchVector(ctx, req, topK)
	case entity.ModeRRF:
		// 大 top_k 按比例扩召回池，融合不会在截断的候选上丢召回
		perSide := max(r.cfg.CandidatesPerSide, topK*5)
		var textHits, vectorHits []repository.ScoredID
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			textHits, err = r.searchText(gctx, req, perSide)
			return err
		})
		g.Go(func() error {
			var err error
			vectorHits, err = r.searchVector(gctx, req, perSide)
			return err
		})
		if err = g.Wait(); err != nil {
			break
		}
		hits = FuseRRF(rrfK, textHits, vectorHits)
	default:
		return nil, apperrors.NewInvalidParameter("unknown retrieval mode: " + string(mode))
	}
	if err != nil {
		return nil, err
	}

	if len(hits) > topK {
		hits = hits[:topK]
	}

	results, err := r.hydrate(ctx, hits, req.CurrentTime, req.DisableValidityFilter)
	if err != nil {
		return nil, err
	}

	return &entity.RetrievalResponse{
		Results: results,
		Metadata: map[string]any{
			"retrieval_mode":   string(mode),
			"total_latency_ms": time.Since(start).Milliseconds(),
			"candidate_count":  len(hits),
		},
	}, nil
}

func (r *HybridRetriever) searchText(ctx context.Context, req RetrievalRequest, limit int) ([]repository.ScoredID, error) {
	return r.text.Search(ctx, repository.TextQuery{
		Terms:   SearchTerms(req.Query),
		Filters: req.Filters,
		Limit:   limit,
	})
}

func (r *HybridRetriever) searchVector(ctx context.Context, req RetrievalRequest, limit int) ([]repository.ScoredID, error) {
	vector, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSystem, "failed to embed query", err)
	}
	return r.vectors.Search(ctx, vector, repository.VectorQuery{
		Filters: req.Filters,
		Limit:   limit,
	})
}

// hydrate 从文档库取回命中记录并做有效期过滤。文档库里已不存在的
// 命中（索引滞后删除）直接跳过。
func (r *HybridRetriever) hydrate(ctx context.Context, hits []repository.ScoredID, currentTime time.Time, skipValidity bool) ([]entity.RetrievalResult, error) {
	if len(hits) == 0 {
		return []entity.RetrievalResult{}, nil
	}
	if currentTime.IsZero() {
		currentTime = time.Now()
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.EventID
	}
	recs, err := r.docs.GetByEventIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*entity.MemoryRecord, len(recs))
	for _, rec := range recs {
		byID[rec.EventID] = rec
	}

	results := make([]entity.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		rec, ok := byID[h.EventID]
		if !ok {
			continue
		}
		if !skipValidity && !rec.ValidAt(currentTime) {
			continue
		}
		results = append(results, entity.RetrievalResult{
			EventID:   rec.EventID,
			Score:     h.Score,
			Subject:   rec.Subject,
			Summary:   rec.Summary,
			Episode:   rec.Episode,
			Timestamp: rec.Timestamp,
		})
	}
	return results, nil
}

// FuseRRF Reciprocal Rank Fusion：score = Σ 1/(k + rank)，rank 从 1 起。
// 融合分数只依赖排名，不依赖各路后端的原始量纲。
// 同分时按 event_id 字典序，保证结果可复现。
func FuseRRF(k int, lists ...[]repository.ScoredID) []repository.ScoredID {
	if k <= 0 {
		k = 60
	}

	scores := make(map[string]float64)
	for _, list := range lists {
		for rank, hit := range list {
			scores[hit.EventID] += 1.0 / float64(k+rank+1)
		}
	}

	fused := make([]repository.ScoredID, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, repository.ScoredID{EventID: id, Score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].EventID < fused[j].EventID
	})
	return fused
}
