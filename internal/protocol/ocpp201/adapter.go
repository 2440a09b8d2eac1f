package ocpp201

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

// OCPP 2.0.1 动作名
const (
	ActionBootNotification        = "BootNotification"
	ActionHeartbeat               = "Heartbeat"
	ActionStatusNotification      = "StatusNotification"
	ActionMeterValues             = "MeterValues"
	ActionTransactionEvent        = "TransactionEvent"
	ActionRequestStartTransaction = "RequestStartTransaction"
	ActionRequestStopTransaction  = "RequestStopTransaction"
	ActionReset                   = "Reset"
	ActionChangeAvailability      = "ChangeAvailability"
)

// Adapter OCPP 2.0.1编解码器
type Adapter struct {
	validate *validator.Validate
}

// NewAdapter 创建OCPP 2.0.1适配器
func NewAdapter() *Adapter {
	return &Adapter{validate: validator.New()}
}

// Version 实现adapter.Adapter接口
func (a *Adapter) Version() string {
	return protocol.OCPP_VERSION_2_0_1
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
			Vendor:    req.ChargingStation.VendorName,
			Model:     req.ChargingStation.Model,
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
			Status:      events.NormalizeStatus201(req.ConnectorStatus),
		}, nil

	case ActionMeterValues:
		var req MeterValuesRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		wh, sampledAt := extractEnergyWh(req.MeterValue)
		return &events.MeterSampleEvent{
			BaseEvent:   events.NewBaseEvent(events.EventTypeMeterSample, chargerID),
			ConnectorID: req.EvseId,
			MeterWh:     wh,
			SampledAt:   sampledAt,
		}, nil

	case ActionTransactionEvent:
		var req TransactionEventRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return a.decodeTransactionEvent(chargerID, &req)

	default:
		return nil, &adapter.UnknownActionError{Action: frame.Action}
	}
}

// decodeTransactionEvent 按eventType分解TransactionEvent
func (a *Adapter) decodeTransactionEvent(chargerID string, req *TransactionEventRequest) (events.Event, error) {
	wh, sampledAt := extractEnergyWh(req.MeterValue)
	if sampledAt.IsZero() {
		sampledAt = req.Timestamp
	}

	switch req.EventType {
	case "Started":
		idTag := ""
		if req.IdToken != nil {
			idTag = req.IdToken.IdToken
		}
		connectorID := 1
		if req.Evse != nil {
			connectorID = req.Evse.Id
		}
		// 代理侧交易ID由充电桩会话分配后补齐
		return &events.TransactionStartedEvent{
			BaseEvent:    events.NewBaseEvent(events.EventTypeTransactionStarted, chargerID),
			RemoteID:     req.TransactionInfo.TransactionId,
			ConnectorID:  connectorID,
			IDTag:        idTag,
			MeterStartWh: wh,
			StartedAt:    req.Timestamp,
		}, nil

	case "Ended":
		reason := ""
		if req.TransactionInfo.StoppedReason != nil {
			reason = *req.TransactionInfo.StoppedReason
		}
		return &events.TransactionEndedEvent{
			BaseEvent:   events.NewBaseEvent(events.EventTypeTransactionEnded, chargerID),
			RemoteID:    req.TransactionInfo.TransactionId,
			MeterStopWh: wh,
			StoppedAt:   req.Timestamp,
			Reason:      reason,
		}, nil

	default: // Updated
		return &events.MeterSampleEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeMeterSample, chargerID),
			RemoteID:  req.TransactionInfo.TransactionId,
			MeterWh:   wh,
			SampledAt: sampledAt,
		}, nil
	}
}

// EncodeCallResult 为充电桩的Call构造应答载荷
func (a *Adapter) EncodeCallResult(action string, ctx adapter.ResponseContext) (interface{}, error) {
	switch action {
	case ActionBootNotification:
		return BootNotificationResponse{
			CurrentTime: ctx.Now,
			Interval:    ctx.HeartbeatInterval,
			Status:      "Accepted",
		}, nil
	case ActionHeartbeat:
		return HeartbeatResponse{CurrentTime: ctx.Now}, nil
	case ActionStatusNotification:
		return StatusNotificationResponse{}, nil
	case ActionMeterValues:
		return MeterValuesResponse{}, nil
	case ActionTransactionEvent:
		return TransactionEventResponse{
			IdTokenInfo: &IdTokenInfo{Status: "Accepted"},
		}, nil
	default:
		return nil, &adapter.UnknownActionError{Action: action}
	}
}

// EncodeCommand 将统一命令编码为出站Call
func (a *Adapter) EncodeCommand(cmd *commands.Command) (string, interface{}, error) {
	switch cmd.Type {
	case commands.TypeRemoteStart:
		req := RequestStartTransactionRequest{
			RemoteStartId: cmd.TransactionID,
			IdToken:       IdToken{IdToken: cmd.IDTag, Type: "Central"},
		}
		if cmd.ConnectorID > 0 {
			evseID := cmd.ConnectorID
			req.EvseId = &evseID
		}
		return ActionRequestStartTransaction, req, nil

	case commands.TypeRemoteStop:
		return ActionRequestStopTransaction, RequestStopTransactionRequest{
			TransactionId: strconv.Itoa(cmd.TransactionID),
		}, nil

	case commands.TypeReset:
		kind := "OnIdle"
		if cmd.ResetKind == commands.ResetHard {
			kind = "Immediate"
		}
		return ActionReset, ResetRequest{Type: kind}, nil

	case commands.TypeChangeAvailability:
		req := ChangeAvailabilityRequest{OperationalStatus: string(cmd.AvailabilityKind)}
		if cmd.ConnectorID > 0 {
			req.Evse = &EVSE{Id: cmd.ConnectorID}
		}
		return ActionChangeAvailability, req, nil

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
			ChargingStation: ChargingStation{Model: e.Model, VendorName: e.Vendor},
			Reason:          "PowerUp",
		}, nil

	case *events.HeartbeatEvent:
		return ActionHeartbeat, HeartbeatRequest{}, nil

	case *events.StatusChangedEvent:
		return ActionStatusNotification, StatusNotificationRequest{
			Timestamp:       e.GetTimestamp(),
			ConnectorStatus: denormalizeStatus(e.Status),
			EvseId:          e.ConnectorID,
			ConnectorId:     e.ConnectorID,
		}, nil

	case *events.MeterSampleEvent:
		proxyID := 0
		if e.TransactionID != nil {
			proxyID = *e.TransactionID
		}
		return ActionTransactionEvent, TransactionEventRequest{
			EventType:       "Updated",
			Timestamp:       e.SampledAt,
			TriggerReason:   "MeterValuePeriodic",
			TransactionInfo: TransactionInfo{TransactionId: transactionRef(e.RemoteID, proxyID)},
			MeterValue:      encodeMeterValue(e.MeterWh, e.SampledAt),
		}, nil

	case *events.TransactionStartedEvent:
		return ActionTransactionEvent, TransactionEventRequest{
			EventType:       "Started",
			Timestamp:       e.StartedAt,
			TriggerReason:   "Authorized",
			TransactionInfo: TransactionInfo{TransactionId: transactionRef(e.RemoteID, e.TransactionID)},
			Evse:            &EVSE{Id: e.ConnectorID},
			IdToken:         &IdToken{IdToken: e.IDTag, Type: "Central"},
			MeterValue:      encodeMeterValue(e.MeterStartWh, e.StartedAt),
		}, nil

	case *events.TransactionEndedEvent:
		info := TransactionInfo{TransactionId: transactionRef(e.RemoteID, e.TransactionID)}
		if e.Reason != "" {
			reason := e.Reason
			info.StoppedReason = &reason
		}
		return ActionTransactionEvent, TransactionEventRequest{
			EventType:       "Ended",
			Timestamp:       e.StoppedAt,
			TriggerReason:   "StopAuthorized",
			TransactionInfo: info,
			MeterValue:      encodeMeterValue(e.MeterStopWh, e.StoppedAt),
		}, nil

	default:
		return "", nil, fmt.Errorf("event %s has no OCPP 2.0.1 encoding", ev.GetType())
	}
}

// DecodeCommandCall 将远端服务发来的命令类Call解码为统一命令
func (a *Adapter) DecodeCommandCall(frame *ocppj.Frame) (*commands.Command, error) {
	switch frame.Action {
	case ActionRequestStartTransaction:
		var req RequestStartTransactionRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		cmd := &commands.Command{Type: commands.TypeRemoteStart, IDTag: req.IdToken.IdToken, ConnectorID: 1}
		if req.EvseId != nil {
			cmd.ConnectorID = *req.EvseId
		}
		return cmd, nil

	case ActionRequestStopTransaction:
		var req RequestStopTransactionRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		txID, err := strconv.Atoi(req.TransactionId)
		if err != nil {
			return nil, errcode.Newf(errcode.MalformedPayload, "non-numeric transactionId %q", req.TransactionId)
		}
		return &commands.Command{Type: commands.TypeRemoteStop, TransactionID: txID}, nil

	case ActionReset:
		var req ResetRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		kind := commands.ResetSoft
		if req.Type == "Immediate" {
			kind = commands.ResetHard
		}
		return &commands.Command{Type: commands.TypeReset, ResetKind: kind}, nil

	case ActionChangeAvailability:
		var req ChangeAvailabilityRequest
		if err := a.decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		cmd := &commands.Command{
			Type:             commands.TypeChangeAvailability,
			AvailabilityKind: commands.AvailabilityKind(req.OperationalStatus),
		}
		if req.Evse != nil {
			cmd.ConnectorID = req.Evse.Id
		}
		return cmd, nil

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

// denormalizeStatus 将统一状态映射回2.0.1连接器状态
func denormalizeStatus(s events.ChargerStatus) string {
	switch s {
	case events.StatusAvailable:
		return "Available"
	case events.StatusPreparing, events.StatusCharging,
		events.StatusSuspendedEV, events.StatusSuspendedEVSE, events.StatusFinishing:
		return "Occupied"
	case events.StatusReserved:
		return "Reserved"
	case events.StatusUnavailable:
		return "Unavailable"
	case events.StatusFaulted:
		return "Faulted"
	default:
		return "Unavailable"
	}
}

// transactionRef 交易ID引用：优先使用充电桩侧ID
func transactionRef(remoteID string, proxyID int) string {
	if remoteID != "" {
		return remoteID
	}
	return strconv.Itoa(proxyID)
}

// encodeMeterValue 将Wh读数编码为2.0.1电表值
func encodeMeterValue(wh int64, at time.Time) []MeterValue {
	return []MeterValue{{
		Timestamp: at,
		SampledValue: []SampledValue{{
			Value:         float64(wh),
			Measurand:     "Energy.Active.Import.Register",
			UnitOfMeasure: &UnitOfMeasure{Unit: "Wh"},
		}},
	}}
}

// extractEnergyWh 从电表值中提取电能读数（Wh）
func extractEnergyWh(meterValues []MeterValue) (int64, time.Time) {
	var wh int64
	var sampledAt time.Time
	for _, mv := range meterValues {
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != "Energy.Active.Import.Register" {
				continue
			}
			value := sv.Value
			if sv.UnitOfMeasure != nil {
				if sv.UnitOfMeasure.Unit == "kWh" {
					value *= 1000
				}
				for i := 0; i < sv.UnitOfMeasure.Multiplier; i++ {
					value *= 10
				}
			}
			wh = int64(value)
			sampledAt = mv.Timestamp
		}
	}
	return wh, sampledAt
}
