package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
)

// AgenticConfig 两轮检索参数
type AgenticConfig struct {
	Round1K            int           // 首轮召回数，0 取请求 top_k
	MaxParallelRefined int           // 细化查询并行上限
	OverallTimeout     time.Duration // 整体超时
	Round1Timeout      time.Duration // 首轮检索超时
	JudgeTimeout       time.Duration // 充分性判定超时
	Round2Timeout      time.Duration // 细化轮整体超时
}

// AgenticRetriever 两轮代理式检索。首轮混合检索后由 LLM 判定结果是否
// 足以回答查询；不足时用 LLM 提出的细化查询并行补召回，再融合。
// 判定环节任何失败都降级为首轮结果（agentic_fallback 标记），
// 检索可用性不被 LLM 拖垮。
type AgenticRetriever struct {
	retriever *HybridRetriever
	llm       LLMClient
	prompts   PromptRenderer
	cfg       AgenticConfig
	logger    *zap.Logger
}

// NewAgenticRetriever 创建代理式检索器
func NewAgenticRetriever(retriever *HybridRetriever, llm LLMClient, prompts PromptRenderer, cfg AgenticConfig, logger *zap.Logger) *AgenticRetriever {
	if cfg.MaxParallelRefined <= 0 {
		cfg.MaxParallelRefined = 3
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 180 * time.Second
	}
	if cfg.Round1Timeout <= 0 {
		cfg.Round1Timeout = 30 * time.Second
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = 15 * time.Second
	}
	if cfg.Round2Timeout <= 0 {
		cfg.Round2Timeout = 60 * time.Second
	}
	return &AgenticRetriever{
		retriever: retriever,
		llm:       llm,
		prompts:   prompts,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "agentic-retriever")),
	}
}

// judgeOutput LLM 判定输出契约
type judgeOutput struct {
	IsSufficient   bool     `json:"is_sufficient"`
	Reasoning      string   `json:"reasoning"`
	RefinedQueries []string `json:"refined_queries"`
}

// Retrieve 执行两轮检索
func (a *AgenticRetriever) Retrieve(ctx context.Context, req RetrievalRequest) (*entity.RetrievalResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.OverallTimeout)
	defer cancel()

	start := time.Now()

	round1Req := req
	round1Req.Mode = entity.ModeRRF
	if a.cfg.Round1K > 0 {
		round1Req.TopK = a.cfg.Round1K
	}

	round1Ctx, cancelRound1 := context.WithTimeout(ctx, a.cfg.Round1Timeout)
	round1, err := a.retriever.Retrieve(round1Ctx, round1Req)
	cancelRound1()
	if err != nil {
		return nil, err
	}

	judge, err := a.judge(ctx, req.Query, round1.Results)
	if err != nil {
		a.logger.Warn("Sufficiency judge failed, falling back to round 1", zap.Error(err))
		round1.Metadata["retrieval_mode"] = "agentic_fallback"
		round1.Metadata["total_latency_ms"] = time.Since(start).Milliseconds()
		return round1, nil
	}

	if judge.IsSufficient || len(judge.RefinedQueries) == 0 {
		round1.Metadata["is_sufficient"] = true
		round1.Metadata["is_multi_round"] = false
		round1.Metadata["reasoning"] = judge.Reasoning
		round1.Metadata["total_latency_ms"] = time.Since(start).Milliseconds()
		return round1, nil
	}

	refined := judge.RefinedQueries
	if len(refined) > a.cfg.MaxParallelRefined {
		refined = refined[:a.cfg.MaxParallelRefined]
	}

	round2Ctx, cancelRound2 := context.WithTimeout(ctx, a.cfg.Round2Timeout)
	lists := a.refinedSearch(round2Ctx, req, refined)
	cancelRound2()

	round2Count := 0
	for _, list := range lists {
		round2Count += len(list)
	}
	lists = append([][]entity.RetrievalResult{round1.Results}, lists...)

	merged := mergeResultLists(lists)
	topK := req.TopK
	if topK <= 0 {
		_, topK = a.retriever.tunables()
	}
	if len(merged) > topK {
		merged = merged[:topK]
	}

	return &entity.RetrievalResponse{
		Results: merged,
		Metadata: map[string]any{
			"retrieval_mode":   string(entity.ModeRRF),
			"is_sufficient":    false,
			"is_multi_round":   true,
			"reasoning":        judge.Reasoning,
			"round1_count":     len(round1.Results),
			"round2_count":     round2Count,
			"refined_queries":  refined,
			"total_latency_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}

// judge 询问 LLM 首轮结果是否足以回答查询
func (a *AgenticRetriever) judge(ctx context.Context, query string, results []entity.RetrievalResult) (*judgeOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.JudgeTimeout)
	defer cancel()

	promptText, err := a.prompts.Render(PromptJudge, map[string]any{
		"Query":    query,
		"Memories": formatResults(results),
	})
	if err != nil {
		return nil, err
	}

	resp, err := a.llm.Generate(ctx, &LLMRequest{
		Messages: []LLMMessage{{Role: "user", Content: promptText}},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	body, err := ExtractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	var out judgeOutput
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// refinedSearch 并行执行细化查询。单条失败只记日志，不拖垮整轮。
func (a *AgenticRetriever) refinedSearch(ctx context.Context, req RetrievalRequest, queries []string) [][]entity.RetrievalResult {
	var mu sync.Mutex
	lists := make([][]entity.RetrievalResult, 0, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxParallelRefined)

	for _, q := range queries {
		query := q
		g.Go(func() error {
			refinedReq := req
			refinedReq.Query = query
			refinedReq.Mode = entity.ModeRRF

			resp, err := a.retriever.Retrieve(gctx, refinedReq)
			if err != nil {
				a.logger.Warn("Refined query failed",
					zap.String("query", query), zap.Error(err))
				return nil
			}
			mu.Lock()
			lists = append(lists, resp.Results)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return lists
}

// mergeResultLists 跨结果列表按 event_id 去重，取各次出现的最大分，
// 保留每条记录的首次出现内容
func mergeResultLists(lists [][]entity.RetrievalResult) []entity.RetrievalResult {
	byID := make(map[string]entity.RetrievalResult)
	scores := make(map[string]float64)
	for _, list := range lists {
		for _, res := range list {
			if _, ok := byID[res.EventID]; !ok {
				byID[res.EventID] = res
				scores[res.EventID] = res.Score
				continue
			}
			if res.Score > scores[res.EventID] {
				scores[res.EventID] = res.Score
			}
		}
	}

	out := make([]entity.RetrievalResult, 0, len(scores))
	for id, score := range scores {
		res := byID[id]
		res.Score = score
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

func formatResults(results []entity.RetrievalResult) string {
	if len(results) == 0 {
		return "(no memories retrieved)"
	}
	var sb strings.Builder
	for i, res := range results {
		fmt.Fprintf(&sb, "%d. [%s] %s: %s\n",
			i+1, res.Timestamp.Format(time.RFC3339), res.Subject, res.Summary)
	}
	return sb.String()
}
