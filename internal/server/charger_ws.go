package server

import (
	"net/http"

	"github.com/charging-platform/ocpp-proxy/internal/domain/protocol"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/codec"
)

// handleCharger 充电桩WebSocket端点。协商版本、升级连接
// 并把连接交给会话管理器。已有在线充电桩时返回409。
func (s *Server) handleCharger(w http.ResponseWriter, r *http.Request) {
	if s.chargers.Current() != nil {
		http.Error(w, "a charger is already connected", http.StatusConflict)
		return
	}

	version, err := protocol.Negotiate(r, s.cfg.OCPPVersion, s.cfg.AutoDetectOCPPVersion)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	version = protocol.NormalizeVersion(version)
	if version == "" {
		http.Error(w, "unsupported OCPP version", http.StatusBadRequest)
		return
	}

	cd, err := codec.New(version)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chargerID := r.URL.Query().Get("id")
	if chargerID == "" {
		chargerID = "charger"
	}

	// 客户端提供了子协议时在握手应答中回选
	var respHeader http.Header
	if len(protocol.ParseSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))) > 0 {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {version}}
	}

	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.log.Warnf("charger upgrade failed: %v", err)
		return
	}

	if _, err := s.chargers.Attach(conn, chargerID, version, cd); err != nil {
		// 升级间隙有其他充电桩抢先接入
		s.log.Warnf("charger attach rejected: %v", err)
		conn.Close()
	}
}
