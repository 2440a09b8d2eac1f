package ocppj

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// MessageType OCPP-J消息类型
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

// Frame 解码后的OCPP-J线上帧
type Frame struct {
	Type             MessageType
	MessageID        string
	Action           string          // 仅Call
	Payload          json.RawMessage // Call与CallResult
	ErrorCode        string          // 仅CallError
	ErrorDescription string          // 仅CallError
	ErrorDetails     json.RawMessage // 仅CallError
}

// FrameError 帧解析错误。MessageID在可恢复时非空，
// 调用方可据此用CallError应答而非断开连接。
type FrameError struct {
	MessageID string
	Message   string
	Cause     error
}

// Error 实现error接口
func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid frame: %s (caused by: %v)", e.Message, e.Cause)
	}
	return fmt.Sprintf("invalid frame: %s", e.Message)
}

// Decode 解码一个OCPP-J文本帧
func Decode(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, &FrameError{Message: "not a JSON array", Cause: err}
	}
	if len(parts) < 3 {
		return nil, &FrameError{Message: "array too short"}
	}

	var msgType int
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		return nil, &FrameError{Message: "message type is not a number", Cause: err}
	}

	var msgID string
	if err := json.Unmarshal(parts[1], &msgID); err != nil {
		return nil, &FrameError{Message: "message id is not a string", Cause: err}
	}

	switch MessageType(msgType) {
	case MessageTypeCall:
		if len(parts) != 4 {
			return nil, &FrameError{MessageID: msgID, Message: "Call must have exactly 4 elements"}
		}
		var action string
		if err := json.Unmarshal(parts[2], &action); err != nil {
			return nil, &FrameError{MessageID: msgID, Message: "action is not a string", Cause: err}
		}
		return &Frame{
			Type:      MessageTypeCall,
			MessageID: msgID,
			Action:    action,
			Payload:   parts[3],
		}, nil

	case MessageTypeCallResult:
		if len(parts) != 3 {
			return nil, &FrameError{MessageID: msgID, Message: "CallResult must have exactly 3 elements"}
		}
		return &Frame{
			Type:      MessageTypeCallResult,
			MessageID: msgID,
			Payload:   parts[2],
		}, nil

	case MessageTypeCallError:
		if len(parts) != 5 {
			return nil, &FrameError{MessageID: msgID, Message: "CallError must have exactly 5 elements"}
		}
		var code, desc string
		if err := json.Unmarshal(parts[2], &code); err != nil {
			return nil, &FrameError{MessageID: msgID, Message: "error code is not a string", Cause: err}
		}
		if err := json.Unmarshal(parts[3], &desc); err != nil {
			return nil, &FrameError{MessageID: msgID, Message: "error description is not a string", Cause: err}
		}
		return &Frame{
			Type:             MessageTypeCallError,
			MessageID:        msgID,
			ErrorCode:        code,
			ErrorDescription: desc,
			ErrorDetails:     parts[4],
		}, nil

	default:
		return nil, &FrameError{MessageID: msgID, Message: fmt.Sprintf("unknown message type %d", msgType)}
	}
}

// EncodeCall 编码Call帧
func EncodeCall(messageID, action string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCall, messageID, action, payload})
}

// EncodeCallResult 编码CallResult帧
func EncodeCallResult(messageID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]interface{}{MessageTypeCallResult, messageID, payload})
}

// EncodeCallError 编码CallError帧
func EncodeCallError(messageID, errorCode, errorDescription string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{MessageTypeCallError, messageID, errorCode, errorDescription, details})
}

// IDGenerator 连接内唯一的消息ID生成器，单调计数器十进制渲染
type IDGenerator struct {
	counter uint64
}

// Next 生成下一个消息ID
func (g *IDGenerator) Next() string {
	return strconv.FormatUint(atomic.AddUint64(&g.counter, 1), 10)
}
