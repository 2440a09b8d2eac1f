package ocpp16

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/domain/protocol"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/adapter"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/ocppj"
)

// OCPP 1.6 动作名
const (
	ActionBootNotification       = "BootNotification"
	ActionHeartbeat              = "Heartbeat"
	ActionStatusNotification     = "StatusNotification"
	ActionMeterValues            = "MeterValues"
	ActionStartTransaction       = "StartTransaction"
	ActionStopTransaction        = "StopTransaction"
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionReset                  = "Reset"
	ActionChangeAvailability     = "ChangeAvailability"
)

// Adapter OCPP 1.6编解码器
type Adapter struct {
	validate *validator.Validate
}

// NewAdapter 创建OCPP 1.6适配器
func NewAdapter() *Adapter {
	return &Adapter{validate: validator.New()}
}

// Version 实现adapter.Adapter接口
func (a *Adapter) Version() string {
	return protocol.OCPP_VERSION_1_6
}

// DecodeChargerCall 将充电桩的Call解码为统一事件
func (a *Adapter) DecodeChargerCall(chargerID string, frame *ocppj.Frame) (events.Event, error) {
	switch frame.Action {
	case ActionBootNotification:
		var req BootNotificationRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return &events.BootNotificationEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeBootNotification, chargerID),
			Vendor:    req.ChargePointVendor,
			Model:     req.ChargePointModel,
		}, nil

	case ActionHeartbeat:
		return &events.HeartbeatEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeHeartbeat, chargerID),
		}, nil

	case ActionStatusNotification:
		var req StatusNotificationRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return &events.StatusChangedEvent{
			BaseEvent:   events.NewBaseEvent(events.EventTypeStatusChanged, chargerID),
			ConnectorID: req.ConnectorId,
			Status:      events.NormalizeStatus16(req.Status),
			ErrorCode:   req.ErrorCode,
		}, nil

	case ActionMeterValues:
		var req MeterValuesRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		wh, sampledAt := extractEnergyWh(req.MeterValue)
		return &events.MeterSampleEvent{
			BaseEvent:     events.NewBaseEvent(events.EventTypeMeterSample, chargerID),
			ConnectorID:   req.ConnectorId,
			TransactionID: req.TransactionId,
			MeterWh:       wh,
			SampledAt:     sampledAt,
		}, nil

	case ActionStartTransaction:
		var req StartTransactionRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		// 交易ID由充电桩会话分配后补齐
		return &events.TransactionStartedEvent{
			BaseEvent:    events.NewBaseEvent(events.EventTypeTransactionStarted, chargerID),
			ConnectorID:  req.ConnectorId,
			IDTag:        req.IdTag,
			MeterStartWh: req.MeterStart,
			StartedAt:    req.Timestamp,
		}, nil

	case ActionStopTransaction:
		var req StopTransactionRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		reason := ""
		if req.Reason != nil {
			reason = *req.Reason
		}
		return &events.TransactionEndedEvent{
			BaseEvent:     events.NewBaseEvent(events.EventTypeTransactionEnded, chargerID),
			TransactionID: req.TransactionId,
			MeterStopWh:   req.MeterStop,
			StoppedAt:     req.Timestamp,
			Reason:        reason,
		}, nil

	default:
		return nil, &adapter.UnknownActionError{Action: frame.Action}
	}
}

// EncodeCallResult 为充电桩的Call构造应答载荷
func (a *Adapter) EncodeCallResult(action string, ctx adapter.ResponseContext) (interface{}, error) {
	switch action {
	case ActionBootNotification:
		return BootNotificationResponse{
			Status:      "Accepted",
			CurrentTime: ctx.Now,
			Interval:    ctx.HeartbeatInterval,
		}, nil
	case ActionHeartbeat:
		return HeartbeatResponse{CurrentTime: ctx.Now}, nil
	case ActionStatusNotification:
		return StatusNotificationResponse{}, nil
	case ActionMeterValues:
		return MeterValuesResponse{}, nil
	case ActionStartTransaction:
		return StartTransactionResponse{
			IdTagInfo:     IdTagInfo{Status: "Accepted"},
			TransactionId: ctx.TransactionID,
		}, nil
	case ActionStopTransaction:
		return StopTransactionResponse{
			IdTagInfo: &IdTagInfo{Status: "Accepted"},
		}, nil
	default:
		return nil, &adapter.UnknownActionError{Action: action}
	}
}

// EncodeCommand 将统一命令编码为出站Call
func (a *Adapter) EncodeCommand(cmd *commands.Command) (string, interface{}, error) {
	switch cmd.Type {
	case commands.TypeRemoteStart:
		req := RemoteStartTransactionRequest{IdTag: cmd.IDTag}
		if cmd.ConnectorID > 0 {
			connectorID := cmd.ConnectorID
			req.ConnectorId = &connectorID
		}
		return ActionRemoteStartTransaction, req, nil
	case commands.TypeRemoteStop:
		return ActionRemoteStopTransaction, RemoteStopTransactionRequest{TransactionId: cmd.TransactionID}, nil
	case commands.TypeReset:
		return ActionReset, ResetRequest{Type: string(cmd.ResetKind)}, nil
	case commands.TypeChangeAvailability:
		return ActionChangeAvailability, ChangeAvailabilityRequest{
			ConnectorId: cmd.ConnectorID,
			Type:        string(cmd.AvailabilityKind),
		}, nil
	default:
		return "", nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

// DecodeCommandResult 解释命令应答载荷
func (a *Adapter) DecodeCommandResult(cmdType commands.Type, payload json.RawMessage) (*commands.Result, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errcode.Newf(errcode.MalformedPayload, "command result: %v", err)
	}
	return &commands.Result{Status: resp.Status, Payload: payload}, nil
}

// EncodeEvent 将统一事件编码为前向链路上的OCPP Call
func (a *Adapter) EncodeEvent(ev events.Event) (string, interface{}, error) {
	switch e := ev.(type) {
	case *events.BootNotificationEvent:
		return ActionBootNotification, BootNotificationRequest{
			ChargePointVendor: e.Vendor,
			ChargePointModel:  e.Model,
		}, nil

	case *events.HeartbeatEvent:
		return ActionHeartbeat, HeartbeatRequest{}, nil

	case *events.StatusChangedEvent:
		errorCode := e.ErrorCode
		if errorCode == "" {
			errorCode = "NoError"
		}
		return ActionStatusNotification, StatusNotificationRequest{
			ConnectorId: e.ConnectorID,
			ErrorCode:   errorCode,
			Status:      string(e.Status),
		}, nil

	case *events.MeterSampleEvent:
		return ActionMeterValues, MeterValuesRequest{
			ConnectorId:   e.ConnectorID,
			TransactionId: e.TransactionID,
			MeterValue: []MeterValue{{
				Timestamp: e.SampledAt,
				SampledValue: []SampledValue{{
					Value:     strconv.FormatInt(e.MeterWh, 10),
					Measurand: "Energy.Active.Import.Register",
					Unit:      "Wh",
				}},
			}},
		}, nil

	case *events.TransactionStartedEvent:
		return ActionStartTransaction, StartTransactionRequest{
			ConnectorId: e.ConnectorID,
			IdTag:       e.IDTag,
			MeterStart:  e.MeterStartWh,
			Timestamp:   e.StartedAt,
		}, nil

	case *events.TransactionEndedEvent:
		req := StopTransactionRequest{
			MeterStop:     e.MeterStopWh,
			Timestamp:     e.StoppedAt,
			TransactionId: e.TransactionID,
		}
		if e.Reason != "" {
			reason := e.Reason
			req.Reason = &reason
		}
		return ActionStopTransaction, req, nil

	default:
		return "", nil, fmt.Errorf("event %s has no OCPP 1.6 encoding", ev.GetType())
	}
}

// DecodeCommandCall 将远端服务发来的命令类Call解码为统一命令
func (a *Adapter) DecodeCommandCall(frame *ocppj.Frame) (*commands.Command, error) {
	switch frame.Action {
	case ActionRemoteStartTransaction:
		var req RemoteStartTransactionRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		cmd := &commands.Command{Type: commands.TypeRemoteStart, IDTag: req.IdTag, ConnectorID: 1}
		if req.ConnectorId != nil {
			cmd.ConnectorID = *req.ConnectorId
		}
		return cmd, nil

	case ActionRemoteStopTransaction:
		var req RemoteStopTransactionRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return &commands.Command{Type: commands.TypeRemoteStop, TransactionID: req.TransactionId}, nil

	case ActionReset:
		var req ResetRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return &commands.Command{Type: commands.TypeReset, ResetKind: commands.ResetKind(req.Type)}, nil

	case ActionChangeAvailability:
		var req ChangeAvailabilityRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return &commands.Command{
			Type:             commands.TypeChangeAvailability,
			ConnectorID:      req.ConnectorId,
			AvailabilityKind: commands.AvailabilityKind(req.Type),
		}, nil

	default:
		return nil, &adapter.UnknownActionError{Action: frame.Action}
	}
}

// decodePayload 反序列化并校验载荷
func (a *Adapter) decodePayload(data json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return errcode.Newf(errcode.MalformedPayload, "%v", err)
	}
	if err := a.validate.Struct(out); err != nil {
		return errcode.Newf(errcode.MalformedPayload, "%v", err)
	}
	return nil
}

// extractEnergyWh 从电表值中提取电能读数（Wh）。
// 优先取Energy.Active.Import.Register测量项，kWh换算为Wh。
func extractEnergyWh(meterValues []MeterValue) (int64, time.Time) {
	var wh int64
	var sampledAt time.Time
	for _, mv := range meterValues {
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != "Energy.Active.Import.Register" {
				continue
			}
			value, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				continue
			}
			if sv.Unit == "kWh" {
				value *= 1000
			}
			wh = int64(value)
			sampledAt = mv.Timestamp
		}
	}
	return wh, sampledAt
}
