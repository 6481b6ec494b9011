package service

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

func TestFuseRRF(t *testing.T) {
	t.Run("fusion ranks shared hits first", func(t *testing.T) {
		// 文本路: e1(第1), e2(第2)；向量路: e2(第1), e3(第2)
		textHits := []repository.ScoredID{
			{EventID: "e1", Score: 12.5},
			{EventID: "e2", Score: 8.1},
		}
		vectorHits := []repository.ScoredID{
			{EventID: "e2", Score: 0.93},
			{EventID: "e3", Score: 0.88},
		}

		fused := FuseRRF(60, textHits, vectorHits)
		if len(fused) != 3 {
			t.Fatalf("expected 3 fused hits, got %d", len(fused))
		}

		// e2 = 1/62 + 1/61, e1 = 1/61, e3 = 1/62
		wantOrder := []string{"e2", "e1", "e3"}
		for i, want := range wantOrder {
			if fused[i].EventID != want {
				t.Errorf("position %d: got %s, want %s", i, fused[i].EventID, want)
			}
		}

		const eps = 1e-12
		wantScores := map[string]float64{
			"e1": 1.0 / 61,
			"e2": 1.0/62 + 1.0/61,
			"e3": 1.0 / 62,
		}
		for _, hit := range fused {
			if math.Abs(hit.Score-wantScores[hit.EventID]) > eps {
				t.Errorf("%s: got score %v, want %v", hit.EventID, hit.Score, wantScores[hit.EventID])
			}
		}
	})

	t.Run("scores ignore backend magnitudes", func(t *testing.T) {
		// 同排名不同原始分的两组输入必须得到相同融合分
		a := FuseRRF(60, []repository.ScoredID{{EventID: "x", Score: 1000}})
		b := FuseRRF(60, []repository.ScoredID{{EventID: "x", Score: 0.001}})
		if a[0].Score != b[0].Score {
			t.Errorf("fusion must only depend on rank: %v vs %v", a[0].Score, b[0].Score)
		}
	})

	t.Run("ties break deterministically", func(t *testing.T) {
		list1 := []repository.ScoredID{{EventID: "b"}}
		list2 := []repository.ScoredID{{EventID: "a"}}
		fused := FuseRRF(60, list1, list2)
		if fused[0].EventID != "a" || fused[1].EventID != "b" {
			t.Errorf("tie break should be lexicographic: %v", fused)
		}
	})

	t.Run("non-positive k falls back to 60", func(t *testing.T) {
		fused := FuseRRF(0, []repository.ScoredID{{EventID: "x"}})
		if math.Abs(fused[0].Score-1.0/61) > 1e-12 {
			t.Errorf("expected default k=60, got score %v", fused[0].Score)
		}
	})
}

func TestHybridRetriever(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seed := func(t *testing.T) (*HybridRetriever, *fakeDocs, *fakeText, *fakeVectors) {
		t.Helper()
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		r := newTestRetriever(docs, text, vectors)
		return r, docs, text, vectors
	}

	t.Run("empty query rejected", func(t *testing.T) {
		r, _, _, _ := seed(t)
		if _, err := r.Retrieve(ctx, RetrievalRequest{}); !apperrors.Is(err, apperrors.CodeInvalidParameter) {
			t.Errorf("expected INVALID_PARAMETER, got %v", err)
		}
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		r, _, _, _ := seed(t)
		_, err := r.Retrieve(ctx, RetrievalRequest{Query: "q", Mode: entity.RetrievalMode("semantic")})
		if !apperrors.Is(err, apperrors.CodeInvalidParameter) {
			t.Errorf("expected INVALID_PARAMETER, got %v", err)
		}
	})

	t.Run("bm25 mode hydrates from document store", func(t *testing.T) {
		r, docs, text, vectors := seed(t)
		seedMemories(t, docs, text, vectors, map[string]string{
			"e1": "release planned for friday",
			"e2": "budget approved",
		})

		resp, err := r.Retrieve(ctx, RetrievalRequest{Query: "release", Mode: entity.ModeBM25})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if len(resp.Results) != 1 || resp.Results[0].EventID != "e1" {
			t.Errorf("expected only e1, got %v", resp.Results)
		}
		if resp.Results[0].Summary == "" {
			t.Error("results must carry hydrated content")
		}
		if resp.Metadata["retrieval_mode"] != "bm25" {
			t.Errorf("metadata mode wrong: %v", resp.Metadata)
		}
	})

	t.Run("stale index hits skipped", func(t *testing.T) {
		r, docs, text, vectors := seed(t)
		seedMemories(t, docs, text, vectors, map[string]string{"e1": "release notes"})
		// 文档先于索引被删，检索命中要静默跳过
		if err := docs.DeleteByEventID(ctx, "e1"); err != nil {
			t.Fatal(err)
		}

		resp, err := r.Retrieve(ctx, RetrievalRequest{Query: "release", Mode: entity.ModeBM25})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if len(resp.Results) != 0 {
			t.Errorf("hit without document must be dropped: %v", resp.Results)
		}
	})

	t.Run("validity window filters results", func(t *testing.T) {
		r, docs, text, vectors := seed(t)
		w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())

		expired := sampleRecord("expired")
		expired.Summary = "release promo code"
		start := base.Add(-48 * time.Hour)
		end := base.Add(-24 * time.Hour)
		expired.StartTime, expired.EndTime = &start, &end
		if err := w.Write(ctx, expired); err != nil {
			t.Fatal(err)
		}

		resp, err := r.Retrieve(ctx, RetrievalRequest{
			Query:       "release",
			Mode:        entity.ModeBM25,
			CurrentTime: base,
		})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if len(resp.Results) != 0 {
			t.Errorf("expired record must be filtered: %v", resp.Results)
		}

		// 显式关掉有效期过滤后可见
		resp, err = r.Retrieve(ctx, RetrievalRequest{
			Query:                 "release",
			Mode:                  entity.ModeBM25,
			CurrentTime:           base,
			DisableValidityFilter: true,
		})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Errorf("disabled filter must surface the record: %v", resp.Results)
		}
	})

	t.Run("rrf mode fuses both sides", func(t *testing.T) {
		r, docs, text, vectors := seed(t)
		seedMemories(t, docs, text, vectors, map[string]string{
			"e1": "release planned",
			"e2": "unrelated note",
		})

		resp, err := r.Retrieve(ctx, RetrievalRequest{Query: "release"})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		// 向量侧返回全部，文本侧只中 e1：e1 两路得分必须领先
		if len(resp.Results) != 2 || resp.Results[0].EventID != "e1" {
			t.Errorf("fusion order wrong: %v", resp.Results)
		}
		if resp.Metadata["retrieval_mode"] != "rrf" {
			t.Errorf("default mode must be rrf: %v", resp.Metadata)
		}
	})

	t.Run("large top_k widens the candidate pool", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		// 候选下限压到 1：召回池必须随 top_k 扩大，否则融合只剩单条候选
		r := NewHybridRetriever(docs, text, vectors, &fakeEmbedder{},
			RetrieverConfig{CandidatesPerSide: 1},
			func() (int, int) { return 60, 10 },
			zap.NewNop())
		seedMemories(t, docs, text, vectors, map[string]string{
			"e1": "release one", "e2": "release two", "e3": "release three",
		})

		resp, err := r.Retrieve(ctx, RetrievalRequest{Query: "release", TopK: 30})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if len(resp.Results) != 3 {
			t.Errorf("expected all 3 candidates fused, got %d", len(resp.Results))
		}
	})

	t.Run("top_k truncates", func(t *testing.T) {
		r, docs, text, vectors := seed(t)
		seedMemories(t, docs, text, vectors, map[string]string{
			"e1": "release one", "e2": "release two", "e3": "release three",
		})

		resp, err := r.Retrieve(ctx, RetrievalRequest{Query: "release", TopK: 2})
		if err != nil {
			t.Fatalf("retrieve failed: %v", err)
		}
		if len(resp.Results) != 2 {
			t.Errorf("expected top 2, got %d", len(resp.Results))
		}
	})
}
