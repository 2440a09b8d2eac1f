package server

import (
	"context"
	"fmt"
	"time"

	"github.com/charging-platform/ocpp-proxy/internal/arbitration"
	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/charger"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/habridge"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/message"
	"github.com/charging-platform/ocpp-proxy/internal/metrics"
	"github.com/charging-platform/ocpp-proxy/internal/sessionlog"
)

// Dispatcher 充电桩事件的唯一消费者。每个事件按固定顺序
// 处理：记账、仲裁、镜像、广播，保证后端观察到的顺序
// 与充电桩发出顺序一致。
type Dispatcher struct {
	chargers *charger.Manager
	engine   *arbitration.Engine
	registry *backend.Registry
	store    *sessionlog.Store
	mirror   *message.KafkaMirror
	notifier *habridge.Notifier
	log      *logger.Logger

	done chan struct{}
}

// NewDispatcher 创建事件分发器
func NewDispatcher(chargers *charger.Manager, engine *arbitration.Engine, registry *backend.Registry,
	store *sessionlog.Store, mirror *message.KafkaMirror, notifier *habridge.Notifier, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		chargers: chargers,
		engine:   engine,
		registry: registry,
		store:    store,
		mirror:   mirror,
		notifier: notifier,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start 启动分发循环
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for {
			select {
			case ev := <-d.chargers.Events():
				d.handle(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Done 分发循环结束信号
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.StatusChangedEvent:
		// 先驱动仲裁再广播：持有者在故障事件之前收到撤销帧
		d.engine.HandleStatus(e.Status)
		if e.Status == events.StatusFaulted {
			d.notifier.Notify("Charger fault",
				fmt.Sprintf("Charger %s reported a fault (%s)", e.ChargerID, e.ErrorCode))
		}

	case *events.ChargerDisconnectedEvent:
		d.engine.HandleChargerDisconnected()

	case *events.TransactionStartedEvent:
		d.openSession(e)

	case *events.TransactionEndedEvent:
		d.closeSession(e)
	}

	if err := d.mirror.PublishEvent(ev); err != nil {
		d.log.Warnf("kafka mirror: %v", err)
	}
	d.registry.Broadcast(ev)
}

// openSession 交易开始：以当前锁持有者为授权后端落账
func (d *Dispatcher) openSession(e *events.TransactionStartedEvent) {
	holder := d.engine.Snapshot().Holder
	if holder == "" {
		holder = "unknown"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := d.store.OpenSession(ctx, holder, e.TransactionID, e.MeterStartWh, e.StartedAt)
	if err != nil {
		// 记账降级，事件流继续
		d.log.Errorf("open session: %v", err)
		return
	}
	d.log.Infof("session %d opened for %s (tx %d, meter %dWh)", id, holder, e.TransactionID, e.MeterStartWh)
}

// closeSession 交易结束：关闭进行中会话，停止电表为准
func (d *Dispatcher) closeSession(e *events.TransactionEndedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reason := e.Reason
	if reason == "" {
		reason = "Local"
	}
	if err := d.store.CloseOpenSession(ctx, e.MeterStopWh, e.StoppedAt, reason); err != nil {
		d.log.Errorf("close session: %v", err)
		return
	}
	metrics.SessionsLogged.WithLabelValues(reason).Inc()
	d.notifier.Notify("Charging session ended",
		fmt.Sprintf("Transaction %d stopped at %dWh (%s)", e.TransactionID, e.MeterStopWh, reason))
}
