package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	apperrors "github.com/zirenlegend/EverMemOS-sub001/pkg/errors"
)

// PromptRenderer 提示词渲染接口，由基础设施层的模板注册表实现
type PromptRenderer interface {
	Render(name string, data any) (string, error)
}

// 提示词模板名
const (
	PromptBoundary = "boundary"
	PromptMemCell  = "memcell"
	PromptEpisode  = "episode"
	PromptJudge    = "judge"
)

// BoundaryConfig 边界检测参数
type BoundaryConfig struct {
	Retry          RetryPolicy
	HardCutSilence time.Duration // 静默超过该时长直接切分，不询问 LLM
	HardCutCount   int           // 缓冲达到该条数强制全量发射
}

// BoundaryDecision 边界判定结果
type BoundaryDecision struct {
	Cut          bool   // history 构成闭合片段
	ForceEmitAll bool   // 缓冲打满，全量发射（含新消息）
	Reason       string // 判定依据，进日志
}

// BoundaryDetector 会话边界检测。硬规则优先（静默超时、缓冲打满、
// 短历史保护），其余情况交给 LLM 做语义判定。
type BoundaryDetector struct {
	llm     LLMClient
	prompts PromptRenderer
	cfg     BoundaryConfig
	logger  *zap.Logger
}

// NewBoundaryDetector 创建边界检测器
func NewBoundaryDetector(llm LLMClient, prompts PromptRenderer, cfg BoundaryConfig, logger *zap.Logger) *BoundaryDetector {
	return &BoundaryDetector{
		llm:     llm,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "boundary-detector")),
	}
}

// boundaryOutput LLM 输出契约
type boundaryOutput struct {
	IsBoundary bool   `json:"is_boundary"`
	Reason     string `json:"reason"`
}

// Detect 判定 incoming 是否开启了与 history 语义分离的新话题。
// history 不超过 2 条时永不切分（片段太短没有抽取价值）。
func (d *BoundaryDetector) Detect(ctx context.Context, history, incoming []entity.RawMessage) (BoundaryDecision, error) {
	total := len(history) + len(incoming)
	if d.cfg.HardCutCount > 0 && total >= d.cfg.HardCutCount {
		return BoundaryDecision{
			Cut:          true,
			ForceEmitAll: true,
			Reason:       "buffer reached hard-cut count",
		}, nil
	}

	if len(history) <= 2 {
		return BoundaryDecision{Reason: "history too short"}, nil
	}

	if len(incoming) > 0 && d.cfg.HardCutSilence > 0 {
		gap := incoming[0].Timestamp.Sub(history[len(history)-1].Timestamp)
		if gap >= d.cfg.HardCutSilence {
			return BoundaryDecision{
				Cut:    true,
				Reason: fmt.Sprintf("silence gap %s", gap.Round(time.Second)),
			}, nil
		}
	}

	return d.detectByLLM(ctx, history, incoming)
}

func (d *BoundaryDetector) detectByLLM(ctx context.Context, history, incoming []entity.RawMessage) (BoundaryDecision, error) {
	promptText, err := d.prompts.Render(PromptBoundary, map[string]any{
		"CurrentTime": time.Now().Format(time.RFC3339),
		"History":     FormatMessages(history),
		"New":         FormatMessages(incoming),
	})
	if err != nil {
		return BoundaryDecision{}, apperrors.Wrap(apperrors.CodeSystem, "render boundary prompt", err)
	}

	req := &LLMRequest{
		Messages: []LLMMessage{{Role: "user", Content: promptText}},
		JSONMode: true,
	}

	// 解析失败也算一次尝试，与传输层错误共享重试预算
	var lastErr error
	for attempt := 0; attempt <= d.cfg.Retry.MaxRetries; attempt++ {
		resp, err := CallWithRetry(ctx, d.llm, req, RetryPolicy{MaxRetries: 0})
		if err != nil {
			lastErr = err
			if !isRetryableLLMError(err) {
				break
			}
			continue
		}

		raw, err := ExtractJSON(resp.Content)
		if err != nil {
			lastErr = err
			d.logger.Warn("Boundary output not parseable, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		var out boundaryOutput
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			lastErr = err
			continue
		}

		reason := strings.TrimSpace(out.Reason)
		if reason == "" {
			reason = "llm decision"
		}
		return BoundaryDecision{Cut: out.IsBoundary, Reason: reason}, nil
	}

	return BoundaryDecision{}, apperrors.Wrap(apperrors.CodeExtractionFailed, "boundary detection failed", lastErr)
}

// FormatMessages 把消息序列渲染为提示词里的对话文本
func FormatMessages(msgs []entity.RawMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), name, m.Content)
	}
	return sb.String()
}
