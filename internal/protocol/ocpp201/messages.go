package ocpp201

import "time"

// ChargingStation 充电站描述
type ChargingStation struct {
	Model           string  `json:"model" validate:"required,max=20"`
	VendorName      string  `json:"vendorName" validate:"required,max=50"`
	SerialNumber    *string `json:"serialNumber,omitempty" validate:"omitempty,max=25"`
	FirmwareVersion *string `json:"firmwareVersion,omitempty" validate:"omitempty,max=50"`
}

// BootNotificationRequest 启动通知请求
type BootNotificationRequest struct {
	ChargingStation ChargingStation `json:"chargingStation" validate:"required"`
	Reason          string          `json:"reason" validate:"required"`
}

// BootNotificationResponse 启动通知响应
type BootNotificationResponse struct {
	CurrentTime time.Time `json:"currentTime" validate:"required"`
	Interval    int       `json:"interval" validate:"min=0"`
	Status      string    `json:"status" validate:"required,oneof=Accepted Pending Rejected"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct{}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime" validate:"required"`
}

// StatusNotificationRequest 状态通知请求
type StatusNotificationRequest struct {
	Timestamp       time.Time `json:"timestamp" validate:"required"`
	ConnectorStatus string    `json:"connectorStatus" validate:"required"`
	EvseId          int       `json:"evseId" validate:"min=0"`
	ConnectorId     int       `json:"connectorId" validate:"min=0"`
}

// StatusNotificationResponse 状态通知响应
type StatusNotificationResponse struct{}

// UnitOfMeasure 测量单位
type UnitOfMeasure struct {
	Unit       string `json:"unit,omitempty"`
	Multiplier int    `json:"multiplier,omitempty"`
}

// SampledValue 采样值（2.0.1中为数值）
type SampledValue struct {
	Value         float64        `json:"value"`
	Context       string         `json:"context,omitempty"`
	Measurand     string         `json:"measurand,omitempty"`
	UnitOfMeasure *UnitOfMeasure `json:"unitOfMeasure,omitempty"`
}

// MeterValue 一组带时间戳的采样值
type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp" validate:"required"`
	SampledValue []SampledValue `json:"sampledValue" validate:"required,min=1,dive"`
}

// MeterValuesRequest 电表值请求
type MeterValuesRequest struct {
	EvseId     int          `json:"evseId" validate:"min=0"`
	MeterValue []MeterValue `json:"meterValue" validate:"required,min=1,dive"`
}

// MeterValuesResponse 电表值响应
type MeterValuesResponse struct{}

// IdToken 授权令牌
type IdToken struct {
	IdToken string `json:"idToken" validate:"required,max=36"`
	Type    string `json:"type" validate:"required"`
}

// IdTokenInfo 授权结果
type IdTokenInfo struct {
	Status string `json:"status" validate:"required"`
}

// EVSE EVSE标识
type EVSE struct {
	Id          int  `json:"id" validate:"min=0"`
	ConnectorId *int `json:"connectorId,omitempty" validate:"omitempty,min=0"`
}

// TransactionInfo 交易信息
type TransactionInfo struct {
	TransactionId string  `json:"transactionId" validate:"required,max=36"`
	ChargingState *string `json:"chargingState,omitempty"`
	StoppedReason *string `json:"stoppedReason,omitempty"`
}

// TransactionEventRequest 交易事件请求，承载交易的开始、更新与结束
type TransactionEventRequest struct {
	EventType       string          `json:"eventType" validate:"required,oneof=Started Updated Ended"`
	Timestamp       time.Time       `json:"timestamp" validate:"required"`
	TriggerReason   string          `json:"triggerReason" validate:"required"`
	SeqNo           int             `json:"seqNo" validate:"min=0"`
	TransactionInfo TransactionInfo `json:"transactionInfo" validate:"required"`
	Evse            *EVSE           `json:"evse,omitempty"`
	IdToken         *IdToken        `json:"idToken,omitempty"`
	MeterValue      []MeterValue    `json:"meterValue,omitempty" validate:"omitempty,dive"`
}

// TransactionEventResponse 交易事件响应
type TransactionEventResponse struct {
	IdTokenInfo *IdTokenInfo `json:"idTokenInfo,omitempty"`
}

// RequestStartTransactionRequest 远程启动交易请求
type RequestStartTransactionRequest struct {
	EvseId        *int    `json:"evseId,omitempty" validate:"omitempty,min=1"`
	RemoteStartId int     `json:"remoteStartId"`
	IdToken       IdToken `json:"idToken" validate:"required"`
}

// RequestStartTransactionResponse 远程启动交易响应
type RequestStartTransactionResponse struct {
	Status        string  `json:"status" validate:"required,oneof=Accepted Rejected"`
	TransactionId *string `json:"transactionId,omitempty"`
}

// RequestStopTransactionRequest 远程停止交易请求
type RequestStopTransactionRequest struct {
	TransactionId string `json:"transactionId" validate:"required,max=36"`
}

// RequestStopTransactionResponse 远程停止交易响应
type RequestStopTransactionResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

// ResetRequest 重置请求
type ResetRequest struct {
	Type   string `json:"type" validate:"required,oneof=Immediate OnIdle"`
	EvseId *int   `json:"evseId,omitempty" validate:"omitempty,min=1"`
}

// ResetResponse 重置响应
type ResetResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected Scheduled"`
}

// ChangeAvailabilityRequest 改变可用性请求
type ChangeAvailabilityRequest struct {
	OperationalStatus string `json:"operationalStatus" validate:"required,oneof=Operative Inoperative"`
	Evse              *EVSE  `json:"evse,omitempty"`
}

// ChangeAvailabilityResponse 改变可用性响应
type ChangeAvailabilityResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected Scheduled"`
}
