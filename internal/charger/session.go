package charger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/metrics"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/adapter"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/ocppj"
)

// Config 充电桩会话配置
type Config struct {
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	HeartbeatInterval int           `mapstructure:"heartbeat_interval"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
}

// DefaultConfig 默认充电桩会话配置
func DefaultConfig() *Config {
	return &Config{
		CallTimeout:       30 * time.Second,
		HeartbeatInterval: 10,
		PingInterval:      30 * time.Second,
		ReadTimeout:       90 * time.Second,
		MaxMessageSize:    64 * 1024,
	}
}

// CallError 充电桩以CallError应答时返回的错误
type CallError struct {
	Code        string
	Description string
}

// Error 实现error接口
func (e *CallError) Error() string {
	return fmt.Sprintf("charger call error %s: %s", e.Code, e.Description)
}

// callOutcome 一次出站Call的结局
type callOutcome struct {
	payload json.RawMessage
	err     error
}

// pendingCall 挂起调用表条目
type pendingCall struct {
	action string
	done   chan callOutcome
	timer  *time.Timer
}

// Session 单个在线充电桩会话。独占连接写入，
// 维护挂起调用表，是充电桩事件的唯一发布者。
type Session struct {
	chargerID string
	version   string
	codec     adapter.Adapter
	conn      *websocket.Conn
	config    *Config
	log       *logger.Logger
	publish   func(events.Event)

	idGen   ocppj.IDGenerator
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	stateMu      sync.Mutex
	status       events.ChargerStatus
	lastSeen     time.Time
	vendor       string
	model        string
	nextTxID     int
	openTxID     int    // 进行中交易的代理ID，0表示无
	openTxRemote string // 充电桩侧交易标识（2.0.1）
	lastMeterWh  int64

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Session, string)
}

// newSession 由Manager在升级成功后创建
func newSession(chargerID, version string, codec adapter.Adapter, conn *websocket.Conn,
	config *Config, log *logger.Logger, publish func(events.Event), onClose func(*Session, string)) *Session {
	return &Session{
		chargerID: chargerID,
		version:   version,
		codec:     codec,
		conn:      conn,
		config:    config,
		log:       log.With("charger_id", chargerID),
		publish:   publish,
		pending:   make(map[string]*pendingCall),
		status:    events.StatusUnknown,
		lastSeen:  time.Now().UTC(),
		nextTxID:  1,
		closed:    make(chan struct{}),
		onClose:   onClose,
	}
}

// ChargerID 充电桩标识
func (s *Session) ChargerID() string { return s.chargerID }

// Version 协商出的协议版本
func (s *Session) Version() string { return s.version }

// Status 当前运行状态
func (s *Session) Status() events.ChargerStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

// LastSeen 最近一次收到充电桩消息的时间
func (s *Session) LastSeen() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastSeen
}

// LastMeterWh 最近一次观测到的电表读数
func (s *Session) LastMeterWh() int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastMeterWh
}

// OpenTransactionID 进行中交易的代理ID，0表示无
func (s *Session) OpenTransactionID() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.openTxID
}

// Done 会话结束信号
func (s *Session) Done() <-chan struct{} { return s.closed }

// run 读循环，由Manager启动
func (s *Session) run() {
	s.conn.SetReadLimit(s.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})
	go s.pingLoop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(fmt.Sprintf("read: %v", err))
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		s.touch()

		frame, err := ocppj.Decode(data)
		if err != nil {
			if fe, ok := err.(*ocppj.FrameError); ok && fe.MessageID != "" {
				s.writeCallError(fe.MessageID, string(errcode.InvalidFrame), fe.Message)
				continue
			}
			s.log.Warnf("unrecoverable frame error, closing: %v", err)
			s.close("invalid frame")
			return
		}

		switch frame.Type {
		case ocppj.MessageTypeCall:
			s.handleCall(frame)
		case ocppj.MessageTypeCallResult, ocppj.MessageTypeCallError:
			s.completeCall(frame)
		}
	}
}

// pingLoop 周期性保活
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// handleCall 处理充电桩发来的Call：解码、记账、应答、发布
func (s *Session) handleCall(frame *ocppj.Frame) {
	started := time.Now()
	ev, err := s.codec.DecodeChargerCall(s.chargerID, frame)
	if err != nil {
		if _, ok := err.(*adapter.UnknownActionError); ok {
			s.writeCallError(frame.MessageID, string(errcode.NotImplemented), frame.Action)
			return
		}
		s.log.Warnf("malformed %s payload: %v", frame.Action, err)
		s.writeCallError(frame.MessageID, string(errcode.CodeOf(err)), err.Error())
		return
	}

	respCtx := adapter.ResponseContext{
		Now:               time.Now().UTC(),
		HeartbeatInterval: s.config.HeartbeatInterval,
	}
	if ev != nil {
		respCtx.TransactionID = s.account(ev)
	}

	payload, err := s.codec.EncodeCallResult(frame.Action, respCtx)
	if err != nil {
		s.writeCallError(frame.MessageID, string(errcode.NotImplemented), frame.Action)
		return
	}
	data, err := ocppj.EncodeCallResult(frame.MessageID, payload)
	if err != nil {
		s.log.Errorf("encode CallResult for %s: %v", frame.Action, err)
		return
	}
	if err := s.write(data); err != nil {
		s.close(fmt.Sprintf("write: %v", err))
		return
	}
	metrics.CallDuration.WithLabelValues(frame.Action).Observe(time.Since(started).Seconds())

	if ev != nil {
		s.publish(ev)
	}
}

// account 更新会话内交易与状态记账，返回应答用的交易ID
func (s *Session) account(ev events.Event) int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch e := ev.(type) {
	case *events.BootNotificationEvent:
		s.vendor, s.model = e.Vendor, e.Model

	case *events.StatusChangedEvent:
		// 已知进行中交易时，Preparing按充电中对外呈现
		if e.Status == events.StatusPreparing && s.openTxID != 0 {
			e.Status = events.StatusCharging
		}
		s.status = e.Status

	case *events.TransactionStartedEvent:
		id := s.nextTxID
		s.nextTxID++
		e.TransactionID = id
		s.openTxID = id
		s.openTxRemote = e.RemoteID
		s.lastMeterWh = e.MeterStartWh
		if s.status == events.StatusPreparing {
			s.status = events.StatusCharging
		}
		return id

	case *events.MeterSampleEvent:
		if e.TransactionID == nil && e.RemoteID != "" && e.RemoteID == s.openTxRemote {
			id := s.openTxID
			e.TransactionID = &id
		}
		s.lastMeterWh = e.MeterWh

	case *events.TransactionEndedEvent:
		if e.TransactionID == 0 && e.RemoteID != "" && e.RemoteID == s.openTxRemote {
			e.TransactionID = s.openTxID
		}
		s.openTxID = 0
		s.openTxRemote = ""
		s.lastMeterWh = e.MeterStopWh
	}
	return 0
}

// completeCall 用CallResult/CallError完成挂起调用
func (s *Session) completeCall(frame *ocppj.Frame) {
	s.pendingMu.Lock()
	call, ok := s.pending[frame.MessageID]
	if ok {
		delete(s.pending, frame.MessageID)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.log.Warnf("result for unknown message id %s", frame.MessageID)
		return
	}
	call.timer.Stop()

	if frame.Type == ocppj.MessageTypeCallError {
		call.done <- callOutcome{err: &CallError{Code: frame.ErrorCode, Description: frame.ErrorDescription}}
		return
	}
	call.done <- callOutcome{payload: frame.Payload}
}

// Call 向充电桩发起一次OCPP调用并等待应答
func (s *Session) Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	select {
	case <-s.closed:
		return nil, errcode.New(errcode.ConnectionLost, "charger session closed")
	default:
	}

	messageID := s.idGen.Next()
	data, err := ocppj.EncodeCall(messageID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s call: %w", action, err)
	}

	call := &pendingCall{
		action: action,
		done:   make(chan callOutcome, 1),
	}
	call.timer = time.AfterFunc(s.config.CallTimeout, func() {
		s.expireCall(messageID)
	})

	s.pendingMu.Lock()
	s.pending[messageID] = call
	s.pendingMu.Unlock()

	if err := s.write(data); err != nil {
		s.dropCall(messageID)
		s.close(fmt.Sprintf("write: %v", err))
		return nil, errcode.Newf(errcode.ConnectionLost, "write %s: %v", action, err)
	}

	select {
	case outcome := <-call.done:
		return outcome.payload, outcome.err
	case <-ctx.Done():
		s.dropCall(messageID)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errcode.New(errcode.ConnectionLost, "charger session closed")
	}
}

// SendCommand 编码并发送统一命令，返回解释后的结果
func (s *Session) SendCommand(ctx context.Context, cmd *commands.Command) (*commands.Result, error) {
	action, payload, err := s.codec.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	raw, err := s.Call(ctx, action, payload)
	if err != nil {
		return nil, err
	}
	return s.codec.DecodeCommandResult(cmd.Type, raw)
}

// expireCall 挂起调用超时
func (s *Session) expireCall(messageID string) {
	s.pendingMu.Lock()
	call, ok := s.pending[messageID]
	if ok {
		delete(s.pending, messageID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	s.log.Warnf("call %s (id=%s) timed out", call.action, messageID)
	call.done <- callOutcome{err: errcode.Newf(errcode.CallTimeout, "%s timed out after %s", call.action, s.config.CallTimeout)}
}

// dropCall 放弃挂起调用，不产生结局
func (s *Session) dropCall(messageID string) {
	s.pendingMu.Lock()
	if call, ok := s.pending[messageID]; ok {
		call.timer.Stop()
		delete(s.pending, messageID)
	}
	s.pendingMu.Unlock()
}

// write 串行写入连接
func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// writeCallError 尽力发送CallError应答
func (s *Session) writeCallError(messageID, code, description string) {
	data, err := ocppj.EncodeCallError(messageID, code, description, nil)
	if err != nil {
		return
	}
	if err := s.write(data); err != nil {
		s.close(fmt.Sprintf("write: %v", err))
	}
}

func (s *Session) touch() {
	s.stateMu.Lock()
	s.lastSeen = time.Now().UTC()
	s.stateMu.Unlock()
}

// close 终止会话：所有挂起调用以ConnectionLost完结
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()

		s.pendingMu.Lock()
		calls := s.pending
		s.pending = make(map[string]*pendingCall)
		s.pendingMu.Unlock()
		for _, call := range calls {
			call.timer.Stop()
			select {
			case call.done <- callOutcome{err: errcode.New(errcode.ConnectionLost, "charger disconnected")}:
			default:
			}
		}

		s.log.Infof("charger session closed: %s", reason)
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// Close 主动关闭会话
func (s *Session) Close(reason string) {
	s.close(reason)
}
