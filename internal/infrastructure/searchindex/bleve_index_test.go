package searchindex

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
)

func newIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewMemOnlyIndex(zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func indexedRecord(id, userID, groupID, summary string, ts time.Time) *entity.MemoryRecord {
	return &entity.MemoryRecord{
		EventID:   id,
		Kind:      entity.KindMemCell,
		UserID:    userID,
		GroupID:   groupID,
		Subject:   "topic",
		Summary:   summary,
		Timestamp: ts,
	}
}

func terms(words ...string) []repository.WeightedTerm {
	out := make([]repository.WeightedTerm, len(words))
	for i, w := range words {
		out[i] = repository.WeightedTerm{Term: w, Weight: 1.0}
	}
	return out
}

func TestBleveIndex(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("index and search", func(t *testing.T) {
		idx := newIndex(t)
		if err := idx.Index(ctx, indexedRecord("e1", "u1", "g1", "release planned for friday", base)); err != nil {
			t.Fatalf("index failed: %v", err)
		}
		if err := idx.Index(ctx, indexedRecord("e2", "u2", "g1", "budget approved by finance", base)); err != nil {
			t.Fatal(err)
		}

		hits, err := idx.Search(ctx, repository.TextQuery{Terms: terms("release"), Limit: 10})
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(hits) != 1 || hits[0].EventID != "e1" {
			t.Errorf("expected only e1, got %v", hits)
		}
	})

	t.Run("empty terms return nothing", func(t *testing.T) {
		idx := newIndex(t)
		hits, err := idx.Search(ctx, repository.TextQuery{})
		if err != nil || hits != nil {
			t.Errorf("expected nil, nil for empty query, got %v, %v", hits, err)
		}
	})

	t.Run("missing event id rejected", func(t *testing.T) {
		idx := newIndex(t)
		if err := idx.Index(ctx, &entity.MemoryRecord{Summary: "x"}); err == nil {
			t.Error("record without event_id must be rejected")
		}
	})

	t.Run("group scope filter", func(t *testing.T) {
		idx := newIndex(t)
		idx.Index(ctx, indexedRecord("e1", "u1", "team-a", "release planned", base))
		idx.Index(ctx, indexedRecord("e2", "u2", "team-b", "release shipped", base))

		hits, err := idx.Search(ctx, repository.TextQuery{
			Terms:   terms("release"),
			Filters: repository.Filters{GroupID: "team-a", Scope: entity.ScopeGroup},
			Limit:   10,
		})
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(hits) != 1 || hits[0].EventID != "e1" {
			t.Errorf("group filter leaked: %v", hits)
		}
	})

	t.Run("all scope is a union", func(t *testing.T) {
		idx := newIndex(t)
		idx.Index(ctx, indexedRecord("mine", "alice", "", "release notes", base))
		idx.Index(ctx, indexedRecord("team", "bob", "team-a", "release notes", base))
		idx.Index(ctx, indexedRecord("other", "carol", "team-b", "release notes", base))

		hits, err := idx.Search(ctx, repository.TextQuery{
			Terms:   terms("release"),
			Filters: repository.Filters{UserID: "alice", GroupID: "team-a", Scope: entity.ScopeAll},
			Limit:   10,
		})
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(hits) != 2 {
			t.Errorf("union must return alice's and team-a's records, got %v", hits)
		}
		for _, h := range hits {
			if h.EventID == "other" {
				t.Error("record outside the union must not match")
			}
		}
	})

	t.Run("time range filter", func(t *testing.T) {
		idx := newIndex(t)
		idx.Index(ctx, indexedRecord("old", "u1", "g1", "release alpha", base))
		idx.Index(ctx, indexedRecord("new", "u1", "g1", "release beta", base.Add(48*time.Hour)))

		hits, err := idx.Search(ctx, repository.TextQuery{
			Terms: terms("release"),
			Filters: repository.Filters{
				GroupID:   "g1",
				Scope:     entity.ScopeGroup,
				TimeRange: &entity.TimeRange{Start: base.Add(24 * time.Hour)},
			},
			Limit: 10,
		})
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(hits) != 1 || hits[0].EventID != "new" {
			t.Errorf("time filter failed: %v", hits)
		}
	})

	t.Run("reindex replaces document", func(t *testing.T) {
		idx := newIndex(t)
		idx.Index(ctx, indexedRecord("e1", "u1", "g1", "about kubernetes", base))
		idx.Index(ctx, indexedRecord("e1", "u1", "g1", "about databases", base))

		hits, _ := idx.Search(ctx, repository.TextQuery{Terms: terms("kubernetes"), Limit: 10})
		if len(hits) != 0 {
			t.Errorf("old content must be gone after reindex: %v", hits)
		}
		hits, _ = idx.Search(ctx, repository.TextQuery{Terms: terms("databases"), Limit: 10})
		if len(hits) != 1 {
			t.Errorf("new content must be searchable: %v", hits)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		idx := newIndex(t)
		idx.Index(ctx, indexedRecord("e1", "u1", "g1", "ephemeral", base))

		if err := idx.Delete(ctx, "e1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if err := idx.Delete(ctx, "e1"); err != nil {
			t.Errorf("repeat delete must succeed: %v", err)
		}
		hits, _ := idx.Search(ctx, repository.TextQuery{Terms: terms("ephemeral"), Limit: 10})
		if len(hits) != 0 {
			t.Errorf("deleted document still matches: %v", hits)
		}
	})

	t.Run("weighted terms influence ranking", func(t *testing.T) {
		idx := newIndex(t)
		idx.Index(ctx, indexedRecord("heavy", "u1", "g1", "migration deadline", base))
		idx.Index(ctx, indexedRecord("light", "u1", "g1", "migration 42", base))

		hits, err := idx.Search(ctx, repository.TextQuery{
			Terms: []repository.WeightedTerm{
				{Term: "deadline", Weight: 1.0},
				{Term: "42", Weight: 0.2},
			},
			Limit: 10,
		})
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("expected both documents, got %v", hits)
		}
		if hits[0].EventID != "heavy" {
			t.Errorf("higher-weighted term must rank first: %v", hits)
		}
	})
}
