package codec

import (
	"fmt"

	"github.com/charging-platform/ocpp-proxy/internal/domain/protocol"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/adapter"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/ocpp16"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/ocpp201"
)

// New 按协议版本创建编解码适配器
func New(version string) (adapter.Adapter, error) {
	switch protocol.NormalizeVersion(version) {
	case protocol.OCPP_VERSION_1_6:
		return ocpp16.NewAdapter(), nil
	case protocol.OCPP_VERSION_2_0_1:
		return ocpp201.NewAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported OCPP version: %s", version)
	}
}
