package backend

import (
	"encoding/json"

	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
)

// 后端控制协议，与OCPP帧无关的JSON帧。
// 客户端到代理为op帧，代理到客户端为type帧。

// 客户端操作
const (
	OpSubscribe      = "subscribe"
	OpUnsubscribe    = "unsubscribe"
	OpRequestControl = "request_control"
	OpReleaseControl = "release_control"
	OpCommand        = "command"
)

// 代理下行帧类型
const (
	FrameTypeEvent   = "event"
	FrameTypeControl = "control"
	FrameTypeResult  = "result"
	FrameTypeError   = "error"
)

// 控制帧状态
const (
	ControlGranted = "granted"
	ControlRevoked = "revoked"
	ControlDenied  = "denied"
)

// OpFrame 客户端发来的操作帧。RequestID原样回显。
type OpFrame struct {
	Op        string            `json:"op"`
	RequestID json.RawMessage   `json:"request_id,omitempty"`
	Command   *commands.Command `json:"command,omitempty"`
}

// EventFrame 事件广播帧
type EventFrame struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// ControlFrame 控制权变更通知帧
type ControlFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ResultFrame 命令结果帧
type ResultFrame struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Result    interface{}     `json:"result"`
}

// ErrorFrame 错误帧
type ErrorFrame struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}
