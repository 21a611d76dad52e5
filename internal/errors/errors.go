// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation  ErrorType = "validation_error"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeNetwork     ErrorType = "network_error"
	ErrorTypeUpstream    ErrorType = "upstream_rejected"
	ErrorTypeMalformed   ErrorType = "malformed_response"
	ErrorTypePersistence ErrorType = "persistence_error"
)

// GenericFailureMessage 无法提取更具体信息时展示给用户的文本
const GenericFailureMessage = "Something went wrong. Please try again."

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
	Status  int    // 上游HTTP状态码（如有）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewNetworkError 创建网络错误
func NewNetworkError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNetwork, message, originalError)
}

// NewMalformedError 创建响应格式错误
func NewMalformedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeMalformed, message, originalError)
}

// NewPersistenceError 创建持久化错误
func NewPersistenceError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypePersistence, message, originalError)
}

// NewUpstreamError 根据上游状态码和消息创建错误，消息会被映射为用户可读的文本
func NewUpstreamError(status int, message string) *AppError {
	e := NewAppError(ErrorTypeUpstream, UpstreamMessage(status, message), nil)
	e.Status = status
	return e
}

// NewUpstreamStatusError 保留上游原始消息的错误，代理端点原样转发给客户端
func NewUpstreamStatusError(status int, message string, originalError error) *AppError {
	e := NewAppError(ErrorTypeUpstream, message, originalError)
	e.Status = status
	return e
}

// StatusOf 返回错误携带的上游状态码，没有时返回 0
func StatusOf(err error) int {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Status
	}
	return 0
}

// UpstreamMessage 将上游状态码与原始消息映射为展示给用户的文本
func UpstreamMessage(status int, message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		message = fmt.Sprintf("LLM request failed (%d)", status)
	}

	switch {
	case status == http.StatusForbidden:
		message += " (check API key, model access, or quota)"
	case status == http.StatusRequestEntityTooLarge:
		message = "The conversation is too long for the model. Please shorten the conversation or clear older messages and try again."
	case strings.Contains(strings.ToLower(message), "no endpoints found"):
		message += " (selected model is not available; try a different one)"
	}
	return message
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsUpstreamError 检查是否为上游拒绝错误
func IsUpstreamError(err error) bool {
	return hasType(err, ErrorTypeUpstream)
}

// IsMalformedError 检查是否为响应格式错误
func IsMalformedError(err error) bool {
	return hasType(err, ErrorTypeMalformed)
}

// IsNetworkError 检查是否为网络或超时错误
func IsNetworkError(err error) bool {
	return hasType(err, ErrorTypeNetwork) || hasType(err, ErrorTypeTimeout)
}

func hasType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// UserMessage 返回写入对话记录的错误文本
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var appError *AppError
	if errors.As(err, &appError) {
		switch appError.Type {
		case ErrorTypeMalformed:
			return "Error: " + GenericFailureMessage
		case ErrorTypeTimeout:
			return "Error: The model took too long to respond. Please try again."
		case ErrorTypeNetwork:
			return "Error: Could not reach the chat server. Check your connection and try again."
		}
		if appError.Message != "" {
			return "Error: " + appError.Message
		}
	}

	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return "Error: " + msg
	}
	return GenericFailureMessage
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeNetwork:
		return "NETWORK_ERROR"
	case ErrorTypeUpstream:
		return "UPSTREAM_REJECTED"
	case ErrorTypeMalformed:
		return "MALFORMED_RESPONSE"
	case ErrorTypePersistence:
		return "PERSISTENCE_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}
