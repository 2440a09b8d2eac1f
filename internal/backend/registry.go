package backend

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/metrics"
)

// Kind 后端接入方向
type Kind string

const (
	KindInbound  Kind = "inbound"  // 远端连接到代理
	KindOutbound Kind = "outbound" // 代理连接到远端
)

// State 后端连接状态
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// ErrDuplicateID 注册了已存在的后端ID
var ErrDuplicateID = fmt.Errorf("backend id already registered")

// Sink 后端下行通道。两个方法都只由该后端的发送goroutine调用：
// 入站后端把事件编码为控制协议帧，出站客户端编码为OCPP Call。
type Sink interface {
	SendEvent(ev events.Event) error
	SendFrame(data []byte) error
	Close() error
}

// Info 后端状态快照
type Info struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	State      State  `json:"state"`
	Subscribed bool   `json:"subscribed"`
}

// entry 注册表内的单个后端。sendCh满时事件对该后端丢弃，
// 充电桩与其他后端不受影响。
type entry struct {
	id   string
	kind Kind
	sink Sink

	mu         sync.Mutex
	subscribed bool
	state      State

	sendCh chan interface{}
	done   chan struct{}
}

// Registry 在线后端集合与事件扇出。
// 每个后端socket仅由其专属发送goroutine写入。
type Registry struct {
	log       *logger.Logger
	queueSize int

	mu       sync.Mutex
	backends map[string]*entry

	// OnUnregister 后端移除后回调（锁释放路径），可为nil
	OnUnregister func(id string)
}

// NewRegistry 创建后端注册表
func NewRegistry(queueSize int, log *logger.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Registry{
		log:       log,
		queueSize: queueSize,
		backends:  make(map[string]*entry),
	}
}

// Register 注册后端并启动其发送goroutine。
// 重复ID返回ErrDuplicateID，订阅默认开启。
func (r *Registry) Register(id string, kind Kind, sink Sink) error {
	r.mu.Lock()
	if _, exists := r.backends[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	e := &entry{
		id:         id,
		kind:       kind,
		sink:       sink,
		subscribed: true,
		state:      StateConnected,
		sendCh:     make(chan interface{}, r.queueSize),
		done:       make(chan struct{}),
	}
	r.backends[id] = e
	r.mu.Unlock()

	metrics.ActiveBackends.WithLabelValues(string(kind)).Inc()
	r.log.Infof("backend %s registered (%s)", id, kind)
	go r.sendLoop(e)
	return nil
}

// Unregister 移除后端并停止其发送goroutine
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.backends[id]
	if ok {
		delete(r.backends, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	close(e.done)
	e.sink.Close()
	e.mu.Lock()
	e.state = StateDisconnected
	e.mu.Unlock()

	metrics.ActiveBackends.WithLabelValues(string(e.kind)).Dec()
	r.log.Infof("backend %s unregistered", id)
	if r.OnUnregister != nil {
		r.OnUnregister(id)
	}
}

// SetSubscribed 更新后端订阅标记
func (r *Registry) SetSubscribed(id string, subscribed bool) {
	r.mu.Lock()
	e, ok := r.backends[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.subscribed = subscribed
	e.mu.Unlock()
}

// Has 后端是否在册
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.backends[id]
	return ok
}

// Snapshot 所有在册后端的状态
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.backends))
	for _, e := range r.backends {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		infos = append(infos, Info{ID: e.id, Kind: e.kind, State: e.state, Subscribed: e.subscribed})
		e.mu.Unlock()
	}
	return infos
}

// Broadcast 将事件投递给所有订阅中的后端，
// 每后端至多一次，顺序与充电桩发出顺序一致。
func (r *Registry) Broadcast(ev events.Event) {
	r.mu.Lock()
	targets := make([]*entry, 0, len(r.backends))
	for _, e := range r.backends {
		targets = append(targets, e)
	}
	r.mu.Unlock()

	metrics.EventsBroadcast.WithLabelValues(string(ev.GetType())).Inc()
	for _, e := range targets {
		e.mu.Lock()
		subscribed := e.subscribed
		e.mu.Unlock()
		if !subscribed {
			continue
		}
		r.enqueue(e, ev)
	}
}

// SendControl 向单个后端发送控制权通知
func (r *Registry) SendControl(id, status, reason string) {
	r.sendJSON(id, ControlFrame{Type: FrameTypeControl, Status: status, Reason: reason})
}

// SendResult 向单个后端发送命令结果
func (r *Registry) SendResult(id string, requestID json.RawMessage, result interface{}) {
	r.sendJSON(id, ResultFrame{Type: FrameTypeResult, RequestID: requestID, Result: result})
}

// SendError 向单个后端发送错误帧
func (r *Registry) SendError(id string, requestID json.RawMessage, code, message string) {
	r.sendJSON(id, ErrorFrame{Type: FrameTypeError, RequestID: requestID, Code: code, Message: message})
}

func (r *Registry) sendJSON(id string, frame interface{}) {
	r.mu.Lock()
	e, ok := r.backends[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		r.log.Errorf("marshal frame for %s: %v", id, err)
		return
	}
	r.enqueue(e, data)
}

// enqueue 非阻塞入队，队列满时对该后端丢弃
func (r *Registry) enqueue(e *entry, item interface{}) {
	select {
	case e.sendCh <- item:
	default:
		metrics.EventsDropped.WithLabelValues(e.id).Inc()
		r.log.Warnf("send queue full for backend %s, dropping", e.id)
	}
}

// sendLoop 后端下行通道的唯一写入者
func (r *Registry) sendLoop(e *entry) {
	for {
		select {
		case item := <-e.sendCh:
			var err error
			switch v := item.(type) {
			case events.Event:
				err = e.sink.SendEvent(v)
			case []byte:
				err = e.sink.SendFrame(v)
			}
			if err != nil {
				r.log.Warnf("send to backend %s: %v", e.id, err)
				go r.Unregister(e.id)
				return
			}
		case <-e.done:
			return
		}
	}
}

// Shutdown 注销所有后端
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Unregister(id)
	}
}
