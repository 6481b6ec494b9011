package models

import (
	"time"
)

// MemoryRecordModel 记忆记录表。MemCell / Episode / Profile 共表，
// 由 kind 判别；切片字段序列化为 JSON 存文本列。
type MemoryRecordModel struct {
	EventID         string    `gorm:"primaryKey;column:event_id"`
	Kind            string    `gorm:"column:kind;index:idx_kind"`
	UserID          string    `gorm:"column:user_id;index:idx_user"`
	GroupID         string    `gorm:"column:group_id;index:idx_group"`
	Participants    string    `gorm:"column:participants;type:text"` // JSON []string
	Timestamp       time.Time `gorm:"column:timestamp;index:idx_timestamp"`
	Type            string    `gorm:"column:memory_type"`
	Subject         string    `gorm:"column:subject"`
	Summary         string    `gorm:"column:summary;type:text"`
	Keywords        string    `gorm:"column:keywords;type:text"`        // JSON []string
	LinkedEntities  string    `gorm:"column:linked_entities;type:text"` // JSON []string
	OriginalData    string    `gorm:"column:original_data;type:text"`   // JSON []RawMessage
	MemCellEventIDs string    `gorm:"column:memcell_event_ids;type:text"`
	Episode         string    `gorm:"column:episode;type:text"`
	LinkedEpisodeID string    `gorm:"column:linked_episode_id;index:idx_linked_episode"`

	StartTime *time.Time `gorm:"column:start_time"`
	EndTime   *time.Time `gorm:"column:end_time"`

	// Profile 版本字段。同一 (user_id, group_id) 下恰好一条 is_latest
	Version  string `gorm:"column:version"`
	IsLatest bool   `gorm:"column:is_latest;index:idx_latest"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (MemoryRecordModel) TableName() string {
	return "memory_records"
}

// ConversationMetaModel 会话元信息表
type ConversationMetaModel struct {
	GroupID         string    `gorm:"primaryKey;column:group_id"`
	GroupName       string    `gorm:"column:group_name"`
	Participants    string    `gorm:"column:participants;type:text"` // JSON map[string]string
	Scene           string    `gorm:"column:scene"`
	DefaultTimezone string    `gorm:"column:default_timezone"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (ConversationMetaModel) TableName() string {
	return "conversation_metas"
}
