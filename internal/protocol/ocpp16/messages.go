package ocpp16

import "time"

// BootNotificationRequest 启动通知请求
type BootNotificationRequest struct {
	ChargePointVendor       string  `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string  `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber *string `json:"chargePointSerialNumber,omitempty" validate:"omitempty,max=25"`
	ChargeBoxSerialNumber   *string `json:"chargeBoxSerialNumber,omitempty" validate:"omitempty,max=25"`
	FirmwareVersion         *string `json:"firmwareVersion,omitempty" validate:"omitempty,max=50"`
	MeterType               *string `json:"meterType,omitempty" validate:"omitempty,max=25"`
	MeterSerialNumber       *string `json:"meterSerialNumber,omitempty" validate:"omitempty,max=25"`
}

// BootNotificationResponse 启动通知响应
type BootNotificationResponse struct {
	Status      string    `json:"status" validate:"required,oneof=Accepted Pending Rejected"`
	CurrentTime time.Time `json:"currentTime" validate:"required"`
	Interval    int       `json:"interval" validate:"min=0"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct{}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime" validate:"required"`
}

// StatusNotificationRequest 状态通知请求
type StatusNotificationRequest struct {
	ConnectorId     int        `json:"connectorId" validate:"min=0"`
	ErrorCode       string     `json:"errorCode" validate:"required"`
	Info            *string    `json:"info,omitempty" validate:"omitempty,max=50"`
	Status          string     `json:"status" validate:"required"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	VendorId        *string    `json:"vendorId,omitempty" validate:"omitempty,max=255"`
	VendorErrorCode *string    `json:"vendorErrorCode,omitempty" validate:"omitempty,max=50"`
}

// StatusNotificationResponse 状态通知响应
type StatusNotificationResponse struct{}

// SampledValue 采样值
type SampledValue struct {
	Value     string `json:"value" validate:"required"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// MeterValue 一组带时间戳的采样值
type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp" validate:"required"`
	SampledValue []SampledValue `json:"sampledValue" validate:"required,min=1,dive"`
}

// MeterValuesRequest 电表值请求
type MeterValuesRequest struct {
	ConnectorId   int          `json:"connectorId" validate:"min=0"`
	TransactionId *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue" validate:"required,min=1,dive"`
}

// MeterValuesResponse 电表值响应
type MeterValuesResponse struct{}

// StartTransactionRequest 开始交易请求
type StartTransactionRequest struct {
	ConnectorId   int       `json:"connectorId" validate:"min=1"`
	IdTag         string    `json:"idTag" validate:"required,max=20"`
	MeterStart    int64     `json:"meterStart" validate:"min=0"`
	ReservationId *int      `json:"reservationId,omitempty"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
}

// IdTagInfo 授权信息
type IdTagInfo struct {
	Status      string     `json:"status" validate:"required"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ParentIdTag *string    `json:"parentIdTag,omitempty" validate:"omitempty,max=20"`
}

// StartTransactionResponse 开始交易响应
type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo" validate:"required"`
	TransactionId int       `json:"transactionId"`
}

// StopTransactionRequest 停止交易请求
type StopTransactionRequest struct {
	IdTag           *string      `json:"idTag,omitempty" validate:"omitempty,max=20"`
	MeterStop       int64        `json:"meterStop" validate:"min=0"`
	Timestamp       time.Time    `json:"timestamp" validate:"required"`
	TransactionId   int          `json:"transactionId"`
	Reason          *string      `json:"reason,omitempty"`
	TransactionData []MeterValue `json:"transactionData,omitempty"`
}

// StopTransactionResponse 停止交易响应
type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// RemoteStartTransactionRequest 远程启动交易请求
type RemoteStartTransactionRequest struct {
	ConnectorId *int   `json:"connectorId,omitempty" validate:"omitempty,min=1"`
	IdTag       string `json:"idTag" validate:"required,max=20"`
}

// RemoteStartTransactionResponse 远程启动交易响应
type RemoteStartTransactionResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

// RemoteStopTransactionRequest 远程停止交易请求
type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId"`
}

// RemoteStopTransactionResponse 远程停止交易响应
type RemoteStopTransactionResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

// ResetRequest 重置请求
type ResetRequest struct {
	Type string `json:"type" validate:"required,oneof=Hard Soft"`
}

// ResetResponse 重置响应
type ResetResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

// ChangeAvailabilityRequest 改变可用性请求
type ChangeAvailabilityRequest struct {
	ConnectorId int    `json:"connectorId" validate:"min=0"`
	Type        string `json:"type" validate:"required,oneof=Operative Inoperative"`
}

// ChangeAvailabilityResponse 改变可用性响应
type ChangeAvailabilityResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected Scheduled"`
}
