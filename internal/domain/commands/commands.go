package commands

import (
	"encoding/json"
	"fmt"
)

// Type 统一命令类型
type Type string

const (
	TypeRemoteStart        Type = "RemoteStart"
	TypeRemoteStop         Type = "RemoteStop"
	TypeReset              Type = "Reset"
	TypeChangeAvailability Type = "ChangeAvailability"
)

// ResetKind 重置类型
type ResetKind string

const (
	ResetSoft ResetKind = "Soft"
	ResetHard ResetKind = "Hard"
)

// AvailabilityKind 可用性类型
type AvailabilityKind string

const (
	AvailabilityOperative   AvailabilityKind = "Operative"
	AvailabilityInoperative AvailabilityKind = "Inoperative"
)

// Command 统一的版本无关命令
type Command struct {
	Type Type `json:"type" validate:"required,oneof=RemoteStart RemoteStop Reset ChangeAvailability"`

	// RemoteStart 参数
	IDTag       string `json:"idTag,omitempty" validate:"omitempty,max=36"`
	ConnectorID int    `json:"connectorId,omitempty" validate:"omitempty,min=0"`

	// RemoteStop 参数
	TransactionID int `json:"transactionId,omitempty"`

	// Reset 参数
	ResetKind ResetKind `json:"resetKind,omitempty" validate:"omitempty,oneof=Soft Hard"`

	// ChangeAvailability 参数
	AvailabilityKind AvailabilityKind `json:"availabilityKind,omitempty" validate:"omitempty,oneof=Operative Inoperative"`
}

// Validate 按命令类型检查必填参数
func (c *Command) Validate() error {
	switch c.Type {
	case TypeRemoteStart:
		if c.IDTag == "" {
			return fmt.Errorf("RemoteStart requires idTag")
		}
	case TypeRemoteStop:
		if c.TransactionID == 0 {
			return fmt.Errorf("RemoteStop requires transactionId")
		}
	case TypeReset:
		if c.ResetKind == "" {
			return fmt.Errorf("Reset requires resetKind")
		}
	case TypeChangeAvailability:
		if c.AvailabilityKind == "" {
			return fmt.Errorf("ChangeAvailability requires availabilityKind")
		}
	default:
		return fmt.Errorf("unknown command type: %s", c.Type)
	}
	return nil
}

// Result 充电桩对命令的应答
type Result struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Accepted 判断充电桩是否接受了命令
func (r *Result) Accepted() bool {
	return r.Status == "Accepted"
}
