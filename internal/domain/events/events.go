package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType 统一事件类型
type EventType string

const (
	EventTypeBootNotification    EventType = "boot_notification"
	EventTypeHeartbeat           EventType = "heartbeat"
	EventTypeStatusChanged       EventType = "status_changed"
	EventTypeMeterSample         EventType = "meter_sample"
	EventTypeTransactionStarted  EventType = "transaction_started"
	EventTypeTransactionEnded    EventType = "transaction_ended"
	EventTypeChargerConnected    EventType = "charger_connected"
	EventTypeChargerDisconnected EventType = "charger_disconnected"
)

// Event 统一业务事件接口
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetType 获取事件类型
	GetType() EventType
	// GetChargerID 获取充电桩ID
	GetChargerID() string
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ChargerID string    `json:"charger_id"`
	Timestamp time.Time `json:"timestamp"`
}

// GetID 实现Event接口
func (e *BaseEvent) GetID() string {
	return e.ID
}

// GetType 实现Event接口
func (e *BaseEvent) GetType() EventType {
	return e.Type
}

// GetChargerID 实现Event接口
func (e *BaseEvent) GetChargerID() string {
	return e.ChargerID
}

// GetTimestamp 实现Event接口
func (e *BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// NewBaseEvent 创建基础事件
func NewBaseEvent(eventType EventType, chargerID string) *BaseEvent {
	return &BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		ChargerID: chargerID,
		Timestamp: time.Now().UTC(),
	}
}

// BootNotificationEvent 充电桩启动通知事件
type BootNotificationEvent struct {
	*BaseEvent
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
}

// ToJSON 实现Event接口
func (e *BootNotificationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// HeartbeatEvent 充电桩心跳事件
type HeartbeatEvent struct {
	*BaseEvent
}

// ToJSON 实现Event接口
func (e *HeartbeatEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// StatusChangedEvent 充电桩状态变更事件
type StatusChangedEvent struct {
	*BaseEvent
	ConnectorID int           `json:"connector_id"`
	Status      ChargerStatus `json:"status"`
	ErrorCode   string        `json:"error_code,omitempty"`
}

// ToJSON 实现Event接口
func (e *StatusChangedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// MeterSampleEvent 电表采样事件，电量单位为Wh
type MeterSampleEvent struct {
	*BaseEvent
	ConnectorID   int       `json:"connector_id"`
	TransactionID *int      `json:"transaction_id,omitempty"`
	RemoteID      string    `json:"remote_id,omitempty"` // 充电桩侧交易ID（2.0.1为字符串）
	MeterWh       int64     `json:"meter_wh"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ToJSON 实现Event接口
func (e *MeterSampleEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TransactionStartedEvent 交易开始事件
type TransactionStartedEvent struct {
	*BaseEvent
	TransactionID int       `json:"transaction_id"` // 代理分配，会话在发布前补齐
	RemoteID      string    `json:"remote_id,omitempty"`
	ConnectorID   int       `json:"connector_id"`
	IDTag         string    `json:"id_tag"`
	MeterStartWh  int64     `json:"meter_start_wh"`
	StartedAt     time.Time `json:"started_at"`
}

// ToJSON 实现Event接口
func (e *TransactionStartedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TransactionEndedEvent 交易结束事件
type TransactionEndedEvent struct {
	*BaseEvent
	TransactionID int       `json:"transaction_id"`
	RemoteID      string    `json:"remote_id,omitempty"`
	MeterStopWh   int64     `json:"meter_stop_wh"`
	StoppedAt     time.Time `json:"stopped_at"`
	Reason        string    `json:"reason,omitempty"`
}

// ToJSON 实现Event接口
func (e *TransactionEndedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ChargerConnectedEvent 充电桩接入事件（代理合成）
type ChargerConnectedEvent struct {
	*BaseEvent
	Version string `json:"version"`
}

// ToJSON 实现Event接口
func (e *ChargerConnectedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ChargerDisconnectedEvent 充电桩断开事件（代理合成）
type ChargerDisconnectedEvent struct {
	*BaseEvent
	Reason string `json:"reason"`
}

// ToJSON 实现Event接口
func (e *ChargerDisconnectedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
