package charger

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/metrics"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/adapter"
)

// ErrChargerConnected 已有在线充电桩时再次接入
var ErrChargerConnected = errcode.New(errcode.ChargerUnavailable, "a charger is already connected")

// Manager 进程内至多一个充电桩会话的持有者。
// 事件通道跨会话存续，接入与断开以合成事件呈现。
type Manager struct {
	config *Config
	log    *logger.Logger

	mu      sync.Mutex
	session *Session

	events chan events.Event
}

// NewManager 创建充电桩会话管理器
func NewManager(config *Config, log *logger.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config: config,
		log:    log,
		events: make(chan events.Event, 256),
	}
}

// Events 充电桩事件通道，按充电桩发出顺序投递
func (m *Manager) Events() <-chan events.Event {
	return m.events
}

// Current 当前在线会话，可能为nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Attach 接管一条升级完成的充电桩连接并启动会话。
// 已有在线会话时返回ErrChargerConnected，调用方应以HTTP 409拒绝。
func (m *Manager) Attach(conn *websocket.Conn, chargerID, version string, codec adapter.Adapter) (*Session, error) {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil, ErrChargerConnected
	}
	s := newSession(chargerID, version, codec, conn, m.config, m.log, m.publish, m.detach)
	m.session = s
	m.mu.Unlock()

	metrics.ChargerConnected.Set(1)
	m.log.Infof("charger %s connected (version %s)", chargerID, version)
	m.publish(&events.ChargerConnectedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeChargerConnected, chargerID),
		Version:   version,
	})

	go s.run()
	return s, nil
}

// detach 会话结束回调
func (m *Manager) detach(s *Session, reason string) {
	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()

	metrics.ChargerConnected.Set(0)
	m.publish(&events.ChargerDisconnectedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeChargerDisconnected, s.chargerID),
		Reason:    reason,
	})
}

// publish 发布到事件通道。通道满时丢弃并告警，充电桩读循环不可长期阻塞。
func (m *Manager) publish(ev events.Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Errorf("event channel full, dropping %s", ev.GetType())
	}
}

// Shutdown 关闭在线会话
func (m *Manager) Shutdown() {
	if s := m.Current(); s != nil {
		s.Close("shutting down")
	}
}
