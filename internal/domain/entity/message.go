package entity

import (
	"time"
)

// Scene 消息场景
type Scene string

const (
	SceneAssistant Scene = "assistant"  // 私聊 / 助手对话
	SceneGroupChat Scene = "group_chat" // 群聊
)

// RawMessage 入站原始消息，投递后不可变。
// group_id 为空表示私聊，路由键回退到 sender_id。
type RawMessage struct {
	MessageID  string    `json:"message_id"`
	GroupID    string    `json:"group_id,omitempty"`
	GroupName  string    `json:"group_name,omitempty"`
	SenderID   string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"create_time"`
	ReferList  []string  `json:"refer_list,omitempty"`
	Scene      Scene     `json:"scene,omitempty"`
}

// Validate 校验必填字段。时间戳必须带显式时区，由边界层解析保证。
func (m *RawMessage) Validate() error {
	if m.MessageID == "" {
		return ErrMissingMessageID
	}
	if m.SenderID == "" {
		return ErrMissingSender
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	if m.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// RouteKey 返回分组路由键：群聊用 group_id，私聊回退 sender_id
func (m *RawMessage) RouteKey() string {
	if m.GroupID != "" {
		return m.GroupID
	}
	return m.SenderID
}

// EpisodeSegment 待抽取的闭合会话片段（瞬态，不持久化）
type EpisodeSegment struct {
	History     []RawMessage // 切点之前的上下文
	New         []RawMessage // 触发切分的新消息
	GroupID     string
	CurrentTime time.Time
}

// Messages 按时间序返回片段内全部消息
func (s *EpisodeSegment) Messages() []RawMessage {
	out := make([]RawMessage, 0, len(s.History)+len(s.New))
	out = append(out, s.History...)
	out = append(out, s.New...)
	return out
}

// Participants 返回片段内去重后的发送者（保持首次出现顺序）
func (s *EpisodeSegment) Participants() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, msg := range s.Messages() {
		if _, ok := seen[msg.SenderID]; ok {
			continue
		}
		seen[msg.SenderID] = struct{}{}
		out = append(out, msg.SenderID)
	}
	return out
}

// StartTime 返回片段首条消息时间，空片段返回零值
func (s *EpisodeSegment) StartTime() time.Time {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return time.Time{}
	}
	return msgs[0].Timestamp
}

// ConversationMeta 会话元信息，用于丰富抽取提示词
type ConversationMeta struct {
	GroupID         string            `json:"group_id"`
	GroupName       string            `json:"group_name,omitempty"`
	Participants    map[string]string `json:"participants,omitempty"` // sender_id → 显示名
	Scene           Scene             `json:"scene,omitempty"`
	DefaultTimezone string            `json:"default_timezone,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
