package outbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/config"
	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/domain/protocol"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/adapter"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/codec"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/ocppj"
)

// Arbiter 出站客户端需要的仲裁操作。出站服务在仲裁引擎
// 眼中与入站后端完全等同。
type Arbiter interface {
	RequestControl(id string) error
	SubmitCommand(ctx context.Context, id string, cmd *commands.Command) (*commands.Result, error)
}

// statusResponse 命令类Call的通用应答载荷，两个版本同形
type statusResponse struct {
	Status string `json:"status"`
}

// client 单个出站OCPP服务的长连接客户端。
// 前向链路上代理扮演充电桩，远端服务视自己为CSMS。
type client struct {
	service  config.ServiceConfig
	version  string
	codec    adapter.Adapter
	registry *backend.Registry
	arbiter  Arbiter
	log      *logger.Logger

	idGen ocppj.IDGenerator

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]string // message id → action，用于结果日志
}

func newClient(service config.ServiceConfig, defaultVersion string, registry *backend.Registry, arbiter Arbiter, log *logger.Logger) (*client, error) {
	version := service.Version
	if version == "" {
		version = defaultVersion
	}
	cd, err := codec.New(version)
	if err != nil {
		return nil, err
	}
	return &client{
		service:  service,
		version:  protocol.NormalizeVersion(version),
		codec:    cd,
		registry: registry,
		arbiter:  arbiter,
		log:      log.With("service_id", service.ID),
		pending:  make(map[string]string),
	}, nil
}

// dial 建立连接并完成认证握手
func (c *client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	switch c.service.AuthType {
	case "basic":
		credentials := base64.StdEncoding.EncodeToString([]byte(c.service.Username + ":" + c.service.Password))
		header.Set("Authorization", "Basic "+credentials)
	case "token":
		header.Set("Authorization", "Bearer "+c.service.Token)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{c.version},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, c.service.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, errcode.Newf(errcode.HandshakeFailed, "dial %s: HTTP %d", c.service.URL, resp.StatusCode)
		}
		return nil, errcode.Newf(errcode.HandshakeFailed, "dial %s: %v", c.service.URL, err)
	}
	return conn, nil
}

// serve 在已建立的连接上收发，返回时连接已失效
func (c *client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]string)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := ocppj.Decode(data)
		if err != nil {
			if fe, ok := err.(*ocppj.FrameError); ok && fe.MessageID != "" {
				c.writeFrame(mustEncodeCallError(fe.MessageID, string(errcode.InvalidFrame), fe.Message))
				continue
			}
			return err
		}

		switch frame.Type {
		case ocppj.MessageTypeCall:
			go c.handleCommandCall(ctx, frame)
		case ocppj.MessageTypeCallResult:
			c.completeForwarded(frame.MessageID, "")
		case ocppj.MessageTypeCallError:
			c.completeForwarded(frame.MessageID, frame.ErrorCode)
		}
	}
}

// handleCommandCall 远端服务下发的命令：按需申请控制权后提交仲裁
func (c *client) handleCommandCall(ctx context.Context, frame *ocppj.Frame) {
	cmd, err := c.codec.DecodeCommandCall(frame)
	if err != nil {
		if _, ok := err.(*adapter.UnknownActionError); ok {
			c.writeFrame(mustEncodeCallError(frame.MessageID, string(errcode.NotImplemented), frame.Action))
			return
		}
		c.writeFrame(mustEncodeCallError(frame.MessageID, string(errcode.MalformedPayload), err.Error()))
		return
	}

	if err := c.arbiter.RequestControl(c.service.ID); err != nil {
		if errcode.CodeOf(err) != errcode.AlreadyHeld {
			c.log.Infof("control denied for %s: %v", frame.Action, err)
			c.replyStatus(frame.MessageID, "Rejected")
			return
		}
	}

	result, err := c.arbiter.SubmitCommand(ctx, c.service.ID, cmd)
	if err != nil {
		c.log.Warnf("command %s failed: %v", cmd.Type, err)
		c.replyStatus(frame.MessageID, "Rejected")
		return
	}
	c.replyStatus(frame.MessageID, result.Status)
}

func (c *client) replyStatus(messageID, status string) {
	data, err := ocppj.EncodeCallResult(messageID, statusResponse{Status: status})
	if err != nil {
		return
	}
	c.writeFrame(data)
}

// completeForwarded 远端对转发事件的应答
func (c *client) completeForwarded(messageID, errCode string) {
	c.mu.Lock()
	action, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("result for unknown message id %s", messageID)
		return
	}
	if errCode != "" {
		c.log.Warnf("service rejected %s: %s", action, errCode)
	}
}

// SendEvent 实现backend.Sink：事件编码为前向链路OCPP Call。
// 合成事件无OCPP表示，跳过。
func (c *client) SendEvent(ev events.Event) error {
	action, payload, err := c.codec.EncodeEvent(ev)
	if err != nil {
		return nil
	}
	messageID := c.idGen.Next()
	data, err := ocppj.EncodeCall(messageID, action, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	c.mu.Lock()
	c.pending[messageID] = action
	c.mu.Unlock()
	return c.writeFrame(data)
}

// SendFrame 实现backend.Sink：控制协议帧只在本地解释
func (c *client) SendFrame(data []byte) error {
	var frame backend.ControlFrame
	if err := json.Unmarshal(data, &frame); err == nil && frame.Type == backend.FrameTypeControl {
		c.log.Infof("control %s: %s", frame.Status, frame.Reason)
	}
	return nil
}

// Close 实现backend.Sink
func (c *client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *client) writeFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errcode.New(errcode.ConnectionLost, "service not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func mustEncodeCallError(messageID, code, description string) []byte {
	data, _ := ocppj.EncodeCallError(messageID, code, description, nil)
	return data
}
