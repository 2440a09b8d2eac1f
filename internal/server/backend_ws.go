package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
)

// wsSink 入站后端的下行通道，事件编码为控制协议帧
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSink) SendEvent(ev events.Event) error {
	payload, err := ev.ToJSON()
	if err != nil {
		return err
	}
	data, err := json.Marshal(backend.EventFrame{Type: backend.FrameTypeEvent, Event: payload})
	if err != nil {
		return err
	}
	return w.SendFrame(data)
}

func (w *wsSink) SendFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSink) Close() error {
	return w.conn.Close()
}

// handleBackend 后端控制协议端点。id必填且进程内唯一，
// 重复ID以409拒绝。
func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}
	if s.registry.Has(id) {
		http.Error(w, "backend id already registered", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("backend upgrade failed: %v", err)
		return
	}

	sink := &wsSink{conn: conn}
	if err := s.registry.Register(id, backend.KindInbound, sink); err != nil {
		frame, _ := json.Marshal(backend.ErrorFrame{
			Type:    backend.FrameTypeError,
			Code:    string(errcode.HandshakeFailed),
			Message: err.Error(),
		})
		sink.SendFrame(frame)
		conn.Close()
		return
	}

	s.readBackend(id, conn)
}

// readBackend 后端操作帧读取循环。申请/释放/命令交给
// 单个worker按提交顺序串行执行，订阅开关就地处理。
func (s *Server) readBackend(id string, conn *websocket.Conn) {
	defer s.registry.Unregister(id)

	ops := make(chan backend.OpFrame, 16)
	workerDone := make(chan struct{})
	go s.backendWorker(id, ops, workerDone)
	defer func() {
		close(ops)
		<-workerDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Infof("backend %s read: %v", id, err)
			return
		}

		var op backend.OpFrame
		if err := json.Unmarshal(data, &op); err != nil {
			s.registry.SendError(id, nil, string(errcode.InvalidFrame), "not a valid op frame")
			continue
		}

		switch op.Op {
		case backend.OpSubscribe:
			s.registry.SetSubscribed(id, true)

		case backend.OpUnsubscribe:
			s.registry.SetSubscribed(id, false)

		case backend.OpRequestControl, backend.OpReleaseControl, backend.OpCommand:
			if op.Op == backend.OpCommand && op.Command == nil {
				s.registry.SendError(id, op.RequestID, string(errcode.MalformedPayload), "missing command")
				continue
			}
			ops <- op

		default:
			s.registry.SendError(id, op.RequestID, string(errcode.NotImplemented), "unknown op: "+op.Op)
		}
	}
}

// backendWorker 同一后端的操作FIFO执行，命令完成前不取下一个
func (s *Server) backendWorker(id string, ops <-chan backend.OpFrame, done chan struct{}) {
	defer close(done)
	for op := range ops {
		switch op.Op {
		case backend.OpRequestControl:
			// 授予/拒绝帧由仲裁引擎下发
			if err := s.engine.RequestControl(id); err != nil {
				s.log.Debugf("control denied for %s: %v", id, err)
			}

		case backend.OpReleaseControl:
			if err := s.engine.ReleaseControl(id); err != nil {
				s.registry.SendError(id, op.RequestID, string(errcode.CodeOf(err)), err.Error())
			}

		case backend.OpCommand:
			s.submitCommand(id, op)
		}
	}
}

// submitCommand 经仲裁引擎提交命令并回发结果帧
func (s *Server) submitCommand(id string, op backend.OpFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	result, err := s.engine.SubmitCommand(ctx, id, op.Command)
	if err != nil {
		s.registry.SendError(id, op.RequestID, string(errcode.CodeOf(err)), err.Error())
		return
	}
	s.registry.SendResult(id, op.RequestID, result)
}
