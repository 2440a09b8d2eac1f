package protocol

import (
	"net/http"
	"net/url"
	"strings"
)

// OCPP协议版本常量
const (
	OCPP_VERSION_1_6   = "ocpp1.6"
	OCPP_VERSION_2_0_1 = "ocpp2.0.1"
)

// 支持的协议版本列表
var SupportedVersions = []string{
	OCPP_VERSION_1_6,
	OCPP_VERSION_2_0_1,
}

// 版本映射表 - 处理各种格式的版本号
var VersionMapping = map[string]string{
	"1.6":       OCPP_VERSION_1_6,
	"v1.6":      OCPP_VERSION_1_6,
	"ocpp1.6":   OCPP_VERSION_1_6,
	"OCPP1.6":   OCPP_VERSION_1_6,
	"2.0.1":     OCPP_VERSION_2_0_1,
	"v2.0.1":    OCPP_VERSION_2_0_1,
	"ocpp2.0.1": OCPP_VERSION_2_0_1,
	"OCPP2.0.1": OCPP_VERSION_2_0_1,
}

// NormalizeVersion 规范化协议版本，未识别时返回空串
func NormalizeVersion(version string) string {
	if normalized, exists := VersionMapping[strings.TrimSpace(version)]; exists {
		return normalized
	}
	return ""
}

// IsVersionSupported 检查版本是否支持
func IsVersionSupported(version string) bool {
	return NormalizeVersion(version) != ""
}

// GetSupportedVersions 获取支持的版本列表
func GetSupportedVersions() []string {
	result := make([]string, len(SupportedVersions))
	copy(result, SupportedVersions)
	return result
}

// NegotiationError 版本协商失败
type NegotiationError struct {
	Offered []string
}

// Error 实现error接口
func (e *NegotiationError) Error() string {
	return "no supported OCPP version in offered subprotocols: " + strings.Join(e.Offered, ", ")
}

// Negotiate 从升级请求中协商OCPP版本
//
// 优先级顺序:
//  1. Sec-WebSocket-Protocol 子协议头
//  2. X-OCPP-Version 自定义头
//  3. version= 查询参数
//  4. URL路径后缀 (/v1.6, /v2.0.1)
//  5. 配置的默认版本
//
// 当子协议列表非空但全部无法识别时返回 NegotiationError。
func Negotiate(r *http.Request, defaultVersion string, autoDetect bool) (string, error) {
	if !autoDetect {
		return defaultVersion, nil
	}

	// 1. 子协议头
	offered := ParseSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))
	if len(offered) > 0 {
		for _, p := range offered {
			if v := NormalizeVersion(p); v != "" {
				return v, nil
			}
		}
		return "", &NegotiationError{Offered: offered}
	}

	// 2. 自定义头
	if v := NormalizeVersion(r.Header.Get("X-OCPP-Version")); v != "" {
		return v, nil
	}

	// 3. 查询参数
	if v := NormalizeVersion(r.URL.Query().Get("version")); v != "" {
		return v, nil
	}

	// 4. 路径后缀
	if v := versionFromPath(r.URL); v != "" {
		return v, nil
	}

	// 5. 配置默认
	return defaultVersion, nil
}

// ParseSubprotocols 解析Sec-WebSocket-Protocol头为子协议列表
func ParseSubprotocols(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// versionFromPath 从URL路径后缀推断版本
func versionFromPath(u *url.URL) string {
	path := strings.ToLower(strings.TrimSuffix(u.Path, "/"))
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return NormalizeVersion(path[idx+1:])
	}
	return ""
}
