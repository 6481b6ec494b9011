package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

func sampleRecord(id string) *entity.MemoryRecord {
	return &entity.MemoryRecord{
		EventID:   id,
		Kind:      entity.KindMemCell,
		GroupID:   "g1",
		Subject:   "planning",
		Summary:   "team agreed to ship on friday",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestTripleWriter(t *testing.T) {
	t.Run("success writes all three backends", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())

		if err := w.Write(context.Background(), sampleRecord("e1")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if docs.count() != 1 || !text.has("e1") || !vectors.has("e1") {
			t.Error("record missing from one of the backends")
		}
	})

	t.Run("vector failure rolls back document", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		vectors.failUpsert = true
		w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())

		err := w.Write(context.Background(), sampleRecord("e1"))
		if err == nil {
			t.Fatal("expected error")
		}
		if apperrors.Is(err, apperrors.CodePartialWrite) {
			t.Error("clean rollback must not report PARTIAL_WRITE")
		}
		if docs.count() != 0 {
			t.Error("document must be rolled back after vector failure")
		}
	})

	t.Run("text failure rolls back vector and document", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		text.failIndex = true
		w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())

		err := w.Write(context.Background(), sampleRecord("e1"))
		if err == nil {
			t.Fatal("expected error")
		}
		if docs.count() != 0 || vectors.has("e1") {
			t.Error("both document and vector must be rolled back")
		}
	})

	t.Run("failed rollback reports partial write", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		text.failIndex = true
		docs.failDelete = true // 补偿删除也失败
		w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())

		err := w.Write(context.Background(), sampleRecord("e1"))
		if !apperrors.Is(err, apperrors.CodePartialWrite) {
			t.Fatalf("expected PARTIAL_WRITE, got %v", err)
		}
		// 文档侧删不掉，记录残留
		if docs.count() != 1 {
			t.Error("surviving backend should still hold the record")
		}
	})

	t.Run("embed failure rolls back document", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		embedder := &fakeEmbedder{failNext: true}
		w := NewTripleWriter(docs, text, vectors, embedder, zap.NewNop())

		if err := w.Write(context.Background(), sampleRecord("e1")); err == nil {
			t.Fatal("expected error")
		}
		if docs.count() != 0 {
			t.Error("document must be rolled back after embed failure")
		}
	})

	t.Run("delete removes from all backends", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())

		if err := w.Write(context.Background(), sampleRecord("e1")); err != nil {
			t.Fatal(err)
		}
		if err := w.Delete(context.Background(), "e1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if docs.count() != 0 || text.has("e1") || vectors.has("e1") {
			t.Error("record must be gone from all backends")
		}
	})

	t.Run("bulk delete by filters", func(t *testing.T) {
		docs, text, vectors := newFakeDocs(), newFakeText(), newFakeVectors()
		w := NewTripleWriter(docs, text, vectors, &fakeEmbedder{}, zap.NewNop())

		for _, id := range []string{"e1", "e2", "e3"} {
			if err := w.Write(context.Background(), sampleRecord(id)); err != nil {
				t.Fatal(err)
			}
		}
		deleted, err := w.DeleteByFilters(context.Background(), repositoryFiltersAll())
		if err != nil {
			t.Fatalf("bulk delete failed: %v", err)
		}
		if deleted != 3 || docs.count() != 0 {
			t.Errorf("expected 3 deleted, got %d (remaining %d)", deleted, docs.count())
		}
	})
}
