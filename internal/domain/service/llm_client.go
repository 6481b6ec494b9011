package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LLMMessage 对话消息
type LLMMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// LLMRequest LLM 调用请求
type LLMRequest struct {
	Messages    []LLMMessage
	Temperature float64
	MaxTokens   int
	// JSONMode 要求提供商返回合法 JSON（response_format: json_object）
	JSONMode bool
}

// LLMResponse LLM 调用响应
type LLMResponse struct {
	Content      string
	Model        string
	FinishReason string
	PromptTokens int
	OutputTokens int
}

// LLMClient 非流式 LLM 客户端。抽取与检索判定共用。
type LLMClient interface {
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// Embedder 嵌入客户端
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// RetryPolicy LLM 调用重试策略：指数退避，只重试瞬态错误
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// CallWithRetry 按策略调用 LLM。解析失败由调用方判定是否重试，
// 这里只处理传输层 / 提供商瞬态错误。
func CallWithRetry(ctx context.Context, client LLMClient, req *LLMRequest, policy RetryPolicy) (*LLMResponse, error) {
	var lastErr error
	backoff := policy.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := client.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableLLMError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("llm call failed after %d retries: %w", policy.MaxRetries, lastErr)
}

// isRetryableLLMError 判断 LLM 错误是否值得重试（限流 / 超时 / 5xx / 网络抖动）
func isRetryableLLMError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"429", "rate limit", "timeout", "deadline exceeded",
		"connection refused", "connection reset", "eof",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// ExtractJSON 从 LLM 输出中取出 JSON 体。模型偶尔会包 markdown 代码栏
// 或附带解释性前后缀，这里取第一个 '{' 到最后一个 '}'（或数组对应括号）。
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON object in LLM output")
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndexByte(s, '}')
	} else {
		end = strings.LastIndexByte(s, ']')
	}
	if end <= start {
		return "", fmt.Errorf("unbalanced JSON in LLM output")
	}

	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("invalid JSON in LLM output")
	}
	return candidate, nil
}
