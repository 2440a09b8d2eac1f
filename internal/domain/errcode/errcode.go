package errcode

import (
	"errors"
	"fmt"
)

// Code 代理内部错误码，按原样出现在错误应答中
type Code string

const (
	// 传输类错误
	ConnectionLost  Code = "ConnectionLost"
	InvalidFrame    Code = "InvalidFrame"
	HandshakeFailed Code = "HandshakeFailed"

	// 协议类错误
	NotImplemented   Code = "NotImplemented"
	MalformedPayload Code = "MalformedPayload"
	VersionMismatch  Code = "VersionMismatch"

	// 仲裁类错误
	AlreadyHeld        Code = "AlreadyHeld"
	NotLockHolder      Code = "NotLockHolder"
	RateLimited        Code = "RateLimited"
	ProviderBlocked    Code = "ProviderBlocked"
	ProviderNotAllowed Code = "ProviderNotAllowed"
	PresenceBlocked    Code = "PresenceBlocked"
	UserOverride       Code = "UserOverride"
	ChargerFaulted     Code = "ChargerFaulted"

	// 操作类错误
	CallTimeout        Code = "CallTimeout"
	Preempted          Code = "Preempted"
	ChargerUnavailable Code = "ChargerUnavailable"

	// 系统类错误
	ConfigInvalid  Code = "ConfigInvalid"
	LogWriteFailed Code = "LogWriteFailed"
)

// Error 携带错误码的代理错误
type Error struct {
	Code    Code
	Message string
}

// Error 实现error接口
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New 创建带错误码的错误
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 创建带格式化消息的错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf 提取错误的代理错误码，非代理错误返回空串
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
