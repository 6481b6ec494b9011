package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
)

func newTestRetriever(docs *fakeDocs, text *fakeText, vectors *fakeVectors) *HybridRetriever {
	return NewHybridRetriever(docs, text, vectors, &fakeEmbedder{},
		RetrieverConfig{CandidatesPerSide: 50},
		func() (int, int) { return 60, 10 },
		zap.NewNop())
}

// seedMemories 通过三元写入器灌入检索语料，三个后端保持一致
func seedMemories(t *testing.T, docs *fakeDocs, text *fakeText, vectors *fakeVectors, summaries map[string]string) {
	t.Helper()
	w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	i := 0
	for id, summary := range summaries {
		rec := sampleRecord(id)
		rec.Summary = summary
		rec.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := w.Write(context.Background(), rec); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
		i++
	}
}

func TestAgenticRetriever(t *testing.T) {
	cfg := AgenticConfig{
		MaxParallelRefined: 3,
		OverallTimeout:     time.Minute,
		JudgeTimeout:       time.Second,
	}
	corpus := map[string]string{
		"e1": "alpha release planned for friday",
		"e2": "beta testing schedule confirmed",
		"e3": "gamma budget approved by finance",
	}

	t.Run("sufficient stops after round one", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		seedMemories(t, docs, text, vectors, corpus)

		llm := (&fakeLLM{}).push(`{"is_sufficient": true, "reasoning": "round one covers the query", "refined_queries": []}`)
		a := NewAgenticRetriever(newTestRetriever(docs, text, vectors), llm, staticPrompts{}, cfg, zap.NewNop())

		resp, err := a.Retrieve(context.Background(), RetrievalRequest{Query: "alpha release"})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if resp.Metadata["is_sufficient"] != true {
			t.Errorf("expected is_sufficient metadata, got %v", resp.Metadata)
		}
		if resp.Metadata["is_multi_round"] != false {
			t.Errorf("expected single-round metadata, got %v", resp.Metadata)
		}
		if resp.Metadata["reasoning"] != "round one covers the query" {
			t.Errorf("judge reasoning must surface in metadata, got %v", resp.Metadata["reasoning"])
		}
		if llm.calls != 1 {
			t.Errorf("expected a single judge call, got %d", llm.calls)
		}
		if len(resp.Results) == 0 {
			t.Error("round-one results must be returned")
		}
	})

	t.Run("insufficient triggers refined round", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		seedMemories(t, docs, text, vectors, corpus)

		llm := (&fakeLLM{}).push(`{"is_sufficient": false, "reasoning": "missing beta and gamma context", "refined_queries": ["beta testing", "gamma budget"]}`)
		a := NewAgenticRetriever(newTestRetriever(docs, text, vectors), llm, staticPrompts{}, cfg, zap.NewNop())

		resp, err := a.Retrieve(context.Background(), RetrievalRequest{Query: "alpha release", TopK: 10})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if resp.Metadata["is_multi_round"] != true {
			t.Errorf("expected multi-round metadata, got %v", resp.Metadata)
		}
		if resp.Metadata["is_sufficient"] != false {
			t.Errorf("expected is_sufficient=false, got %v", resp.Metadata)
		}
		if n, ok := resp.Metadata["round1_count"].(int); !ok || n == 0 {
			t.Errorf("round1_count must report round-one hits, got %v", resp.Metadata["round1_count"])
		}
		if _, ok := resp.Metadata["round2_count"].(int); !ok {
			t.Errorf("round2_count missing: %v", resp.Metadata)
		}
		refined, ok := resp.Metadata["refined_queries"].([]string)
		if !ok || len(refined) != 2 {
			t.Errorf("expected 2 refined queries in metadata, got %v", resp.Metadata["refined_queries"])
		}
		// 细化查询把三条语料都捞了回来
		if len(resp.Results) != 3 {
			t.Errorf("expected 3 merged results, got %d", len(resp.Results))
		}
	})

	t.Run("refined queries capped at parallel limit", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		seedMemories(t, docs, text, vectors, corpus)

		many := `{"is_sufficient": false, "reasoning": "needs more angles", "refined_queries": ["q1", "q2", "q3", "q4", "q5"]}`
		llm := (&fakeLLM{}).push(many)
		a := NewAgenticRetriever(newTestRetriever(docs, text, vectors), llm, staticPrompts{}, cfg, zap.NewNop())

		resp, err := a.Retrieve(context.Background(), RetrievalRequest{Query: "alpha"})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		refined, _ := resp.Metadata["refined_queries"].([]string)
		if len(refined) != 3 {
			t.Errorf("expected refined queries capped at 3, got %d", len(refined))
		}
	})

	t.Run("judge transport failure falls back to round one", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		seedMemories(t, docs, text, vectors, corpus)

		llm := (&fakeLLM{}).pushErr(fmt.Errorf("llm unavailable"))
		a := NewAgenticRetriever(newTestRetriever(docs, text, vectors), llm, staticPrompts{}, cfg, zap.NewNop())

		resp, err := a.Retrieve(context.Background(), RetrievalRequest{Query: "alpha release"})
		if err != nil {
			t.Fatalf("fallback path must not error: %v", err)
		}
		if resp.Metadata["retrieval_mode"] != "agentic_fallback" {
			t.Errorf("expected agentic_fallback mode, got %v", resp.Metadata["retrieval_mode"])
		}
		if len(resp.Results) == 0 {
			t.Error("fallback must still return round-one results")
		}
	})

	t.Run("judge garbage output falls back to round one", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		seedMemories(t, docs, text, vectors, corpus)

		llm := (&fakeLLM{}).push("I cannot answer in JSON today")
		a := NewAgenticRetriever(newTestRetriever(docs, text, vectors), llm, staticPrompts{}, cfg, zap.NewNop())

		resp, err := a.Retrieve(context.Background(), RetrievalRequest{Query: "alpha release"})
		if err != nil {
			t.Fatalf("fallback path must not error: %v", err)
		}
		if resp.Metadata["retrieval_mode"] != "agentic_fallback" {
			t.Errorf("expected agentic_fallback mode, got %v", resp.Metadata["retrieval_mode"])
		}
	})
}

func scored(id string, score float64) entity.RetrievalResult {
	return entity.RetrievalResult{EventID: id, Score: score}
}

func TestMergeResultLists(t *testing.T) {
	t.Run("duplicates keep their best score", func(t *testing.T) {
		merged := mergeResultLists([][]entity.RetrievalResult{
			{scored("a", 0.4), scored("b", 0.3)},
			{scored("b", 0.9), scored("c", 0.2)},
		})
		if len(merged) != 3 {
			t.Fatalf("expected 3 merged, got %d", len(merged))
		}
		if merged[0].EventID != "b" || merged[0].Score != 0.9 {
			t.Errorf("b must keep its max score and rank first, got %v", merged[0])
		}
	})

	t.Run("ties break lexicographically", func(t *testing.T) {
		merged := mergeResultLists([][]entity.RetrievalResult{
			{scored("z", 0.5)},
			{scored("a", 0.5)},
		})
		if merged[0].EventID != "a" || merged[1].EventID != "z" {
			t.Errorf("equal scores must order by event_id: %v", merged)
		}
	})

	t.Run("first appearance content survives dedup", func(t *testing.T) {
		withSubject := scored("a", 0.2)
		withSubject.Subject = "kept"
		merged := mergeResultLists([][]entity.RetrievalResult{
			{withSubject},
			{scored("a", 0.8)},
		})
		if len(merged) != 1 || merged[0].Subject != "kept" || merged[0].Score != 0.8 {
			t.Errorf("dedup must keep first content with max score: %v", merged)
		}
	})
}
