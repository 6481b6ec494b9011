package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidParameter  ErrorCode = "INVALID_PARAMETER"
	CodeNotFound          ErrorCode = "RESOURCE_NOT_FOUND"
	CodeBufferUnavailable ErrorCode = "BUFFER_UNAVAILABLE"
	CodeExtractionFailed  ErrorCode = "EXTRACTION_FAILED"
	CodePartialWrite      ErrorCode = "PARTIAL_WRITE"
	CodeOverloaded        ErrorCode = "OVERLOADED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeSystem            ErrorCode = "SYSTEM_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建指定错误码的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 创建带原因的应用错误
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewInvalidParameter 创建无效参数错误
func NewInvalidParameter(message string) *AppError {
	return &AppError{Code: CodeInvalidParameter, Message: message}
}

// NewNotFound 创建未找到错误
func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewOverloaded 创建过载错误
func NewOverloaded(message string) *AppError {
	return &AppError{Code: CodeOverloaded, Message: message}
}

// NewBufferUnavailable 创建缓冲不可用错误（可重试）
func NewBufferUnavailable(message string, cause error) *AppError {
	return &AppError{Code: CodeBufferUnavailable, Message: message, Err: cause}
}

// NewSystemError 创建内部错误
func NewSystemError(message string, cause error) *AppError {
	return &AppError{Code: CodeSystem, Message: message, Err: cause}
}

// CodeOf 提取错误码，非 AppError 返回 SYSTEM_ERROR
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeSystem
}

// Is 判断错误是否携带指定错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetriable 判断是否为可重试错误（缓冲不可用或超时）
func IsRetriable(err error) bool {
	return Is(err, CodeBufferUnavailable) || Is(err, CodeTimeout)
}
