package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// MemCellExtractor 从闭合会话片段抽取结构化记忆单元
type MemCellExtractor struct {
	llm     LLMClient
	prompts PromptRenderer
	retry   RetryPolicy
	logger  *zap.Logger
}

// NewMemCellExtractor 创建 MemCell 抽取器
func NewMemCellExtractor(llm LLMClient, prompts PromptRenderer, retry RetryPolicy, logger *zap.Logger) *MemCellExtractor {
	return &MemCellExtractor{
		llm:     llm,
		prompts: prompts,
		retry:   retry,
		logger:  logger.With(zap.String("component", "memcell-extractor")),
	}
}

// memcellOutput LLM 输出契约
type memcellOutput struct {
	MemCells []struct {
		Subject        string   `json:"subject"`
		Summary        string   `json:"summary"`
		Keywords       []string `json:"keywords"`
		LinkedEntities []string `json:"linked_entities"`
		UserID         string   `json:"user_id"`
		StartTime      string   `json:"start_time"`
		EndTime        string   `json:"end_time"`
	} `json:"memcells"`
}

// Extract 抽取片段内的全部 MemCell。片段无可记内容时返回空切片（不算错误）。
// LLM 输出非法 JSON 计入重试预算，耗尽后返回 EXTRACTION_FAILED。
func (e *MemCellExtractor) Extract(ctx context.Context, seg *entity.EpisodeSegment, meta *entity.ConversationMeta) ([]*entity.MemoryRecord, error) {
	msgs := seg.Messages()
	if len(msgs) == 0 {
		return nil, nil
	}

	groupName := ""
	if meta != nil {
		groupName = meta.GroupName
	}

	promptText, err := e.prompts.Render(PromptMemCell, map[string]any{
		"GroupID":      seg.GroupID,
		"GroupName":    groupName,
		"Participants": strings.Join(seg.Participants(), ", "),
		"CurrentTime":  seg.CurrentTime.Format(time.RFC3339),
		"Conversation": FormatMessages(msgs),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSystem, "render memcell prompt", err)
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

		out, err := parseMemCellOutput(resp.Content)
		if err != nil {
			lastErr = err
			e.logger.Warn("MemCell output not parseable, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		return e.buildRecords(out, seg), nil
	}

	return nil, apperrors.Wrap(apperrors.CodeExtractionFailed, "memcell extraction failed", lastErr)
}

func parseMemCellOutput(raw string) (*memcellOutput, error) {
	body, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var out memcellOutput
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *MemCellExtractor) buildRecords(out *memcellOutput, seg *entity.EpisodeSegment) []*entity.MemoryRecord {
	msgs := seg.Messages()
	now := time.Now().UTC()

	records := make([]*entity.MemoryRecord, 0, len(out.MemCells))
	for _, cell := range out.MemCells {
		if strings.TrimSpace(cell.Summary) == "" {
			continue
		}

		rec := &entity.MemoryRecord{
			EventID:        uuid.NewString(),
			Kind:           entity.KindMemCell,
			UserID:         strings.TrimSpace(cell.UserID),
			GroupID:        seg.GroupID,
			Participants:   seg.Participants(),
			Timestamp:      msgs[0].Timestamp,
			Type:           entity.MemoryTypeConversation,
			Subject:        cell.Subject,
			Summary:        cell.Summary,
			Keywords:       cell.Keywords,
			LinkedEntities: cell.LinkedEntities,
			OriginalData:   msgs,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		// 有效期窗口两端都合法才保留；RFC3339 必须带显式时区。
		// 单端缺失或解析失败时整个窗口丢弃，记录永久有效。
		start, okStart := parseRFC3339(cell.StartTime)
		end, okEnd := parseRFC3339(cell.EndTime)
		if okStart && okEnd && !end.Before(start) {
			rec.StartTime = &start
			rec.EndTime = &end
		} else if cell.StartTime != "" || cell.EndTime != "" {
			e.logger.Debug("Dropping invalid validity window",
				zap.String("start", cell.StartTime),
				zap.String("end", cell.EndTime),
			)
		}

		records = append(records, rec)
	}
	return records
}

func parseRFC3339(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
