package events

// ChargerStatus 统一的充电桩状态枚举（OCPP 1.6风格的并集）
type ChargerStatus string

const (
	StatusAvailable     ChargerStatus = "Available"
	StatusPreparing     ChargerStatus = "Preparing"
	StatusCharging      ChargerStatus = "Charging"
	StatusSuspendedEV   ChargerStatus = "SuspendedEV"
	StatusSuspendedEVSE ChargerStatus = "SuspendedEVSE"
	StatusFinishing     ChargerStatus = "Finishing"
	StatusReserved      ChargerStatus = "Reserved"
	StatusUnavailable   ChargerStatus = "Unavailable"
	StatusFaulted       ChargerStatus = "Faulted"
	StatusUnknown       ChargerStatus = "Unknown"
)

// NormalizeStatus16 将OCPP 1.6状态规范化为统一枚举
func NormalizeStatus16(status string) ChargerStatus {
	switch ChargerStatus(status) {
	case StatusAvailable, StatusPreparing, StatusCharging,
		StatusSuspendedEV, StatusSuspendedEVSE, StatusFinishing,
		StatusReserved, StatusUnavailable, StatusFaulted:
		return ChargerStatus(status)
	default:
		return StatusUnknown
	}
}

// NormalizeStatus201 将OCPP 2.0.1连接器状态规范化为统一枚举
//
// Occupied 映射为 Preparing；充电桩会话在已知有进行中交易时
// 将其提升为 Charging。
func NormalizeStatus201(status string) ChargerStatus {
	switch status {
	case "Available":
		return StatusAvailable
	case "Occupied":
		return StatusPreparing
	case "Reserved":
		return StatusReserved
	case "Unavailable":
		return StatusUnavailable
	case "Faulted":
		return StatusFaulted
	default:
		return StatusUnknown
	}
}

// IsFaulted 判断状态是否为故障态
func (s ChargerStatus) IsFaulted() bool {
	return s == StatusFaulted
}
