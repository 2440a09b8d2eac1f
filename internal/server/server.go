package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/ocpp-proxy/internal/arbitration"
	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/charger"
	"github.com/charging-platform/ocpp-proxy/internal/config"
	"github.com/charging-platform/ocpp-proxy/internal/habridge"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/outbound"
	"github.com/charging-platform/ocpp-proxy/internal/sessionlog"
)

// Server HTTP/WebSocket边缘：充电桩端点、后端控制协议端点
// 与REST查询面
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	chargers   *charger.Manager
	engine     *arbitration.Engine
	registry   *backend.Registry
	store      *sessionlog.Store
	supervisor *outbound.Supervisor

	overrideSrc *habridge.OverrideSource

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	overrideMu    sync.Mutex
	localOverride bool

	pollCancel context.CancelFunc
}

// New 创建HTTP边缘服务
func New(cfg *config.Config, chargers *charger.Manager, engine *arbitration.Engine,
	registry *backend.Registry, store *sessionlog.Store, supervisor *outbound.Supervisor,
	overrideSrc *habridge.OverrideSource, log *logger.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		log:         log,
		chargers:    chargers,
		engine:      engine,
		registry:    registry,
		store:       store,
		supervisor:  supervisor,
		overrideSrc: overrideSrc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("/charger", s.handleCharger)
	mux.HandleFunc("/charger/", s.handleCharger)
	mux.HandleFunc("/backend", s.handleBackend)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /sessions.csv", s.handleSessionsCSV)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /override", s.handleOverride)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start 启动HTTP服务与覆盖源轮询
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	go s.pollOverride(ctx)

	s.log.Infof("server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅停止HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	if s.pollCancel != nil {
		s.pollCancel()
	}
	return s.httpSrv.Shutdown(ctx)
}

// pollOverride 每秒合成本地开关与HA覆盖源，驱动仲裁引擎
func (s *Server) pollOverride(ctx context.Context) {
	if s.overrideSrc == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.engine.SetOverride(s.effectiveOverride(ctx))
		case <-ctx.Done():
			return
		}
	}
}

// effectiveOverride 本地POST开关或HA input_boolean任一生效
func (s *Server) effectiveOverride(ctx context.Context) bool {
	s.overrideMu.Lock()
	local := s.localOverride
	s.overrideMu.Unlock()
	if local {
		return true
	}
	if s.overrideSrc != nil {
		return s.overrideSrc.IsActive(ctx)
	}
	return false
}

// setLocalOverride POST /override的本地开关
func (s *Server) setLocalOverride(active bool) {
	s.overrideMu.Lock()
	s.localOverride = active
	s.overrideMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.engine.SetOverride(s.effectiveOverride(ctx))
}
