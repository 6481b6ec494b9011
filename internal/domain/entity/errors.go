package entity

import "errors"

// 入参校验哨兵错误，由接口层映射为 INVALID_PARAMETER
var (
	ErrMissingMessageID = errors.New("message_id is required")
	ErrMissingSender    = errors.New("sender is required")
	ErrEmptyContent     = errors.New("content is required")
	ErrMissingTimestamp = errors.New("create_time is required")
)
