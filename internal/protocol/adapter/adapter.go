package adapter

import (
	"encoding/json"
	"time"

	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/ocppj"
)

// ResponseContext 构造充电桩Call应答时需要的上下文
type ResponseContext struct {
	Now               time.Time
	TransactionID     int // 代理为本次交易分配的ID（仅交易开始类动作）
	HeartbeatInterval int
}

// Adapter 版本无关的OCPP编解码器。适配器是纯粹的:
// 不做I/O，除版本标记外无状态。
type Adapter interface {
	// Version 返回协议版本标识
	Version() string

	// DecodeChargerCall 将充电桩发来的Call解码为统一事件。
	// 不关心的动作返回nil事件，未知动作返回UnknownActionError。
	DecodeChargerCall(chargerID string, frame *ocppj.Frame) (events.Event, error)

	// EncodeCallResult 为充电桩的Call构造应答载荷
	EncodeCallResult(action string, ctx ResponseContext) (interface{}, error)

	// EncodeCommand 将统一命令编码为出站Call的动作与载荷
	EncodeCommand(cmd *commands.Command) (action string, payload interface{}, err error)

	// DecodeCommandResult 解释命令CallResult的载荷
	DecodeCommandResult(cmdType commands.Type, payload json.RawMessage) (*commands.Result, error)

	// EncodeEvent 将统一事件编码为前向链路上的OCPP Call
	// （出站客户端把充电桩遥测转发给远端CSMS时使用）
	EncodeEvent(ev events.Event) (action string, payload interface{}, err error)

	// DecodeCommandCall 将远端服务发来的命令类Call解码为统一命令
	// （出站客户端的反向链路）
	DecodeCommandCall(frame *ocppj.Frame) (*commands.Command, error)
}

// UnknownActionError 不支持的OCPP动作，应以NotImplemented错误应答
type UnknownActionError struct {
	Action string
}

// Error 实现error接口
func (e *UnknownActionError) Error() string {
	return "unknown action: " + e.Action
}
