package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// EpisodeExtractor 把同一群组的一批 MemCell 聚合为一条 Episode 叙事
type EpisodeExtractor struct {
	llm     LLMClient
	prompts PromptRenderer
	retry   RetryPolicy
	logger  *zap.Logger
}

// NewEpisodeExtractor 创建 Episode 聚合器
func NewEpisodeExtractor(llm LLMClient, prompts PromptRenderer, retry RetryPolicy, logger *zap.Logger) *EpisodeExtractor {
	return &EpisodeExtractor{
		llm:     llm,
		prompts: prompts,
		retry:   retry,
		logger:  logger.With(zap.String("component", "episode-extractor")),
	}
}

// episodeOutput LLM 输出契约
type episodeOutput struct {
	Subject  string   `json:"subject"`
	Summary  string   `json:"summary"`
	Episode  string   `json:"episode"`
	Keywords []string `json:"keywords"`
}

// Aggregate 聚合一批 MemCell（最老优先传入）为 Episode 记录。
// 返回的记录尚未持久化，memcell_event_id_list 已填好。
func (e *EpisodeExtractor) Aggregate(ctx context.Context, groupID string, memcells []*entity.MemoryRecord) (*entity.MemoryRecord, error) {
	if len(memcells) == 0 {
		return nil, apperrors.NewInvalidParameter("no memcells to aggregate")
	}

	promptText, err := e.prompts.Render(PromptEpisode, map[string]any{
		"GroupID":     groupID,
		"CurrentTime": time.Now().Format(time.RFC3339),
		"MemCells":    formatMemCells(memcells),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSystem, "render episode prompt", err)
	}

	req := &LLMRequest{
		Messages: []LLMMessage{{Role: "user", Content: promptText}},
		JSONMode: true,
	}

	var lastErr error
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		resp, err := CallWithRetry(ctx, e.llm, req, RetryPolicy{MaxRetries: 0, Backoff: e.retry.Backoff})
		if err != nil {
			lastErr = err
			if !isRetryableLLMError(err) {
				break
			}
			continue
		}

		body, err := ExtractJSON(resp.Content)
		if err != nil {
			lastErr = err
			continue
		}
		var out episodeOutput
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(out.Episode) == "" {
			lastErr = fmt.Errorf("empty episode narrative")
			continue
		}

		return buildEpisodeRecord(&out, groupID, memcells), nil
	}

	return nil, apperrors.Wrap(apperrors.CodeExtractionFailed, "episode aggregation failed", lastErr)
}

func buildEpisodeRecord(out *episodeOutput, groupID string, memcells []*entity.MemoryRecord) *entity.MemoryRecord {
	now := time.Now().UTC()

	ids := make([]string, len(memcells))
	participants := make([]string, 0)
	seen := make(map[string]struct{})
	for i, cell := range memcells {
		ids[i] = cell.EventID
		for _, p := range cell.Participants {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			participants = append(participants, p)
		}
	}

	return &entity.MemoryRecord{
		EventID:         uuid.NewString(),
		Kind:            entity.KindEpisode,
		GroupID:         groupID,
		Participants:    participants,
		Timestamp:       memcells[0].Timestamp,
		Type:            entity.MemoryTypeConversation,
		Subject:         out.Subject,
		Summary:         out.Summary,
		Episode:         out.Episode,
		Keywords:        out.Keywords,
		MemCellEventIDs: ids,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func formatMemCells(memcells []*entity.MemoryRecord) string {
	var sb strings.Builder
	for i, cell := range memcells {
		fmt.Fprintf(&sb, "%d. [%s] %s: %s\n",
			i+1, cell.Timestamp.Format(time.RFC3339), cell.Subject, cell.Summary)
	}
	return sb.String()
}
