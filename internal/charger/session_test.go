package charger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/codec"
)

// harness 以真实WebSocket连接驱动会话，测试方扮演充电桩
type harness struct {
	manager *Manager
	conn    *websocket.Conn
	session *Session
}

func newHarness(t *testing.T, config *Config) *harness {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)

	m := NewManager(config, log)
	adapter, err := codec.New("1.6")
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	sessCh := make(chan *Session, 1)
	errCh := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s, err := m.Attach(conn, "cp-1", "1.6", adapter)
		if err != nil {
			errCh <- err
			conn.Close()
			return
		}
		sessCh <- s
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var sess *Session
	select {
	case sess = <-sessCh:
	case err := <-errCh:
		t.Fatalf("attach failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("no session attached")
	}
	return &harness{manager: m, conn: conn, session: sess}
}

// send 以充电桩身份发送一帧
func (h *harness) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// read 读取代理发来的一帧
func (h *harness) read(t *testing.T) []json.RawMessage {
	t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.conn.ReadMessage()
	require.NoError(t, err)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &parts))
	return parts
}

// nextEvent 取下一条充电桩事件
func nextEvent(t *testing.T, m *Manager) events.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBootNotificationAccepted(t *testing.T) {
	h := newHarness(t, nil)

	ev := nextEvent(t, h.manager)
	assert.Equal(t, events.EventTypeChargerConnected, ev.GetType())

	h.send(t, `[2,"1","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1"}]`)
	parts := h.read(t)
	require.Len(t, parts, 3)
	assert.Equal(t, "3", string(parts[0]))
	assert.Equal(t, `"1"`, string(parts[1]))

	var resp struct {
		Status   string `json:"status"`
		Interval int    `json:"interval"`
	}
	require.NoError(t, json.Unmarshal(parts[2], &resp))
	assert.Equal(t, "Accepted", resp.Status)
	assert.Equal(t, 10, resp.Interval)

	boot := nextEvent(t, h.manager)
	assert.Equal(t, events.EventTypeBootNotification, boot.GetType())
}

func TestStartTransactionAssignsProxyID(t *testing.T) {
	h := newHarness(t, nil)
	nextEvent(t, h.manager)

	h.send(t, `[2,"1","StartTransaction",{"connectorId":1,"idTag":"ABC","meterStart":1000,"timestamp":"2026-03-01T08:00:00Z"}]`)
	parts := h.read(t)

	var resp struct {
		TransactionId int `json:"transactionId"`
		IdTagInfo     struct {
			Status string `json:"status"`
		} `json:"idTagInfo"`
	}
	require.NoError(t, json.Unmarshal(parts[2], &resp))
	assert.Equal(t, 1, resp.TransactionId)
	assert.Equal(t, "Accepted", resp.IdTagInfo.Status)

	started := nextEvent(t, h.manager).(*events.TransactionStartedEvent)
	assert.Equal(t, 1, started.TransactionID)
	assert.Equal(t, 1, h.session.OpenTransactionID())
	assert.Equal(t, int64(1000), h.session.LastMeterWh())
}

func TestEventOrderPreserved(t *testing.T) {
	h := newHarness(t, nil)
	nextEvent(t, h.manager)

	h.send(t, `[2,"1","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Available"}]`)
	h.read(t)
	h.send(t, `[2,"2","Heartbeat",{}]`)
	h.read(t)

	assert.Equal(t, events.EventTypeStatusChanged, nextEvent(t, h.manager).GetType())
	assert.Equal(t, events.EventTypeHeartbeat, nextEvent(t, h.manager).GetType())
	assert.Equal(t, events.StatusAvailable, h.session.Status())
}

func TestMalformedPayloadGetsCallError(t *testing.T) {
	h := newHarness(t, nil)

	h.send(t, `[2,"9","BootNotification",{"chargePointVendor":""}]`)
	parts := h.read(t)
	require.Len(t, parts, 5)
	assert.Equal(t, "4", string(parts[0]))
	assert.Equal(t, `"9"`, string(parts[1]))
	assert.Equal(t, `"MalformedPayload"`, string(parts[2]))
}

func TestUnknownActionGetsNotImplemented(t *testing.T) {
	h := newHarness(t, nil)

	h.send(t, `[2,"9","DataTransfer",{}]`)
	parts := h.read(t)
	require.Len(t, parts, 5)
	assert.Equal(t, `"NotImplemented"`, string(parts[2]))
}

// 帧格式错误但消息ID可恢复时应答CallError而非断连
func TestRecoverableFrameError(t *testing.T) {
	h := newHarness(t, nil)

	h.send(t, `[2,"42","Heartbeat"]`)
	parts := h.read(t)
	require.Len(t, parts, 5)
	assert.Equal(t, `"42"`, string(parts[1]))
	assert.Equal(t, `"InvalidFrame"`, string(parts[2]))

	// 连接仍然可用
	h.send(t, `[2,"43","Heartbeat",{}]`)
	parts = h.read(t)
	assert.Equal(t, "3", string(parts[0]))
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		result, err := h.session.SendCommand(context.Background(), &commands.Command{
			Type: commands.TypeRemoteStart, IDTag: "ABC", ConnectorID: 1,
		})
		assert.NoError(t, err)
		assert.True(t, result.Accepted())
	}()

	parts := h.read(t)
	require.Len(t, parts, 4)
	assert.Equal(t, "2", string(parts[0]))
	assert.Equal(t, `"RemoteStartTransaction"`, string(parts[2]))

	var msgID string
	require.NoError(t, json.Unmarshal(parts[1], &msgID))
	h.send(t, `[3,"`+msgID+`",{"status":"Accepted"}]`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete")
	}
}

func TestCallTimeout(t *testing.T) {
	config := DefaultConfig()
	config.CallTimeout = 50 * time.Millisecond
	h := newHarness(t, config)

	_, err := h.session.Call(context.Background(), "Reset", map[string]string{"type": "Soft"})
	assert.Equal(t, errcode.CallTimeout, errcode.CodeOf(err))
}

func TestDisconnectCompletesPendingCalls(t *testing.T) {
	h := newHarness(t, nil)
	nextEvent(t, h.manager)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.session.Call(context.Background(), "Reset", map[string]string{"type": "Soft"})
		errCh <- err
	}()

	h.read(t) // 等Call发出后断开
	h.conn.Close()

	select {
	case err := <-errCh:
		assert.Equal(t, errcode.ConnectionLost, errcode.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not completed")
	}

	require.Eventually(t, func() bool { return h.manager.Current() == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, events.EventTypeChargerDisconnected, nextEvent(t, h.manager).GetType())
}

func TestSecondChargerRejected(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.manager.Attach(nil, "cp-2", "1.6", nil)
	assert.ErrorIs(t, err, ErrChargerConnected)
}
