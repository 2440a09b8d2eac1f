package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charging-platform/ocpp-proxy/internal/arbitration"
	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/charger"
	"github.com/charging-platform/ocpp-proxy/internal/config"
	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/habridge"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/message"
	"github.com/charging-platform/ocpp-proxy/internal/metrics"
	"github.com/charging-platform/ocpp-proxy/internal/outbound"
	"github.com/charging-platform/ocpp-proxy/internal/server"
	"github.com/charging-platform/ocpp-proxy/internal/sessionlog"
)

func main() {
	// 1. 加载配置，非法配置直接退出
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")

	// 3. 会话日志存储
	store, err := sessionlog.NewStore(cfg.SessionLog.DBPath, log)
	if err != nil {
		log.Fatalf("Failed to open session log: %v", err)
	}
	log.Infof("Session log opened at %s", cfg.SessionLog.DBPath)

	// 4. Home Assistant接入（未配置时各来源为nil）
	ha := habridge.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, log)
	presence := habridge.NewPresenceSource(ha, cfg.PresenceSensor)
	overrideSrc := habridge.NewOverrideSource(ha, cfg.OverrideInputBoolean)
	notifier := habridge.NewNotifier(ha, log)
	if ha != nil {
		log.Infof("Home Assistant bridge configured at %s", cfg.HomeAssistant.URL)
	}

	// 5. 充电桩会话管理器
	chargerCfg := charger.DefaultConfig()
	chargerCfg.CallTimeout = cfg.Charger.CallTimeout
	chargerCfg.HeartbeatInterval = cfg.Charger.HeartbeatInterval
	chargers := charger.NewManager(chargerCfg, log)
	log.Info("Charger session manager initialized")

	// 6. 后端注册表
	registry := backend.NewRegistry(cfg.Backends.SendQueueSize, log)

	// 7. 仲裁引擎。命令发送闭包解除充电桩在线与否的耦合。
	sender := func(ctx context.Context, cmd *commands.Command) (*commands.Result, error) {
		sess := chargers.Current()
		if sess == nil {
			return nil, errcode.New(errcode.ChargerUnavailable, "no charger connected")
		}
		return sess.SendCommand(ctx, cmd)
	}
	policy := arbitration.Policy{
		AllowSharedCharging: cfg.AllowSharedCharging,
		PreferredProvider:   cfg.PreferredProvider,
		RateLimitSeconds:    cfg.RateLimitSeconds,
		PresenceSensor:      cfg.PresenceSensor,
		AllowedProviders:    cfg.AllowedProviders,
		DisallowedProviders: cfg.DisallowedProviders,
		IdleLockTimeout:     cfg.Charger.IdleLockTimeout,
		CommandTimeout:      cfg.Charger.CallTimeout + time.Second,
	}
	var enginePresence arbitration.PresenceSource
	if presence != nil {
		enginePresence = presence
	}
	engine := arbitration.NewEngine(policy, enginePresence, registry, sender, log)
	engine.Start()
	registry.OnUnregister = engine.BackendGone
	log.Info("Arbitration engine started")

	// 8. 可选Kafka事件镜像
	mirror, err := message.NewKafkaMirror(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		log.Fatalf("Failed to initialize Kafka mirror: %v", err)
	}
	if mirror != nil {
		log.Infof("Kafka event mirror enabled (topic %s)", cfg.Kafka.Topic)
	}

	// 9. 事件分发器
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatcher := server.NewDispatcher(chargers, engine, registry, store, mirror, notifier, log)
	dispatcher.Start(dispatchCtx)
	log.Info("Event dispatcher started")

	// 10. 出站OCPP客户端
	supervisor := outbound.NewSupervisor(cfg.OCPPServices, cfg.OCPPVersion, registry, engine, log)
	supervisor.Start()
	if services := cfg.EnabledServices(); len(services) > 0 {
		log.Infof("Outbound supervisor started for %d service(s)", len(services))
	}

	// 11. HTTP/WebSocket边缘
	metrics.RegisterMetrics()
	srv := server.New(cfg, chargers, engine, registry, store, supervisor, overrideSrc, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	log.Info("OCPP proxy started successfully")

	// 12. 优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Error shutting down server: %v", err)
	}
	supervisor.Stop()
	chargers.Shutdown()
	stopDispatch()
	<-dispatcher.Done()
	engine.Stop()
	registry.Shutdown()
	if err := mirror.Close(); err != nil {
		log.Errorf("Error closing Kafka mirror: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Errorf("Error closing session log: %v", err)
	}

	log.Info("Server gracefully stopped.")
}
