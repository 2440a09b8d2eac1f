package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/config"
	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
)

// fakeArbiter 记录出站客户端的仲裁调用
type fakeArbiter struct {
	mu         sync.Mutex
	requests   []string
	commands   []*commands.Command
	controlErr error
	submitErr  error
}

func (a *fakeArbiter) RequestControl(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, id)
	return a.controlErr
}

func (a *fakeArbiter) SubmitCommand(ctx context.Context, id string, cmd *commands.Command) (*commands.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, cmd)
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return &commands.Result{Status: "Accepted"}, nil
}

func (a *fakeArbiter) submitted() []*commands.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*commands.Command(nil), a.commands...)
}

func (a *fakeArbiter) requested() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}

// remoteHarness 测试方扮演远端CSMS，客户端经真实WebSocket接入
type remoteHarness struct {
	client *client
	remote *websocket.Conn
}

func newRemoteHarness(t *testing.T, arb Arbiter) *remoteHarness {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)

	registry := backend.NewRegistry(8, log)
	t.Cleanup(registry.Shutdown)

	upgrader := websocket.Upgrader{Subprotocols: []string{"ocpp1.6", "ocpp2.0.1"}}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	svc := config.ServiceConfig{
		ID:      "svc",
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Version: "1.6",
		Enabled: true,
	}
	cl, err := newClient(svc, "1.6", registry, arb, log)
	require.NoError(t, err)

	conn, err := cl.dial(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cl.serve(ctx, conn)

	var remote *websocket.Conn
	select {
	case remote = <-connCh:
	case <-time.After(time.Second):
		t.Fatal("client did not connect")
	}
	t.Cleanup(func() { remote.Close() })
	return &remoteHarness{client: cl, remote: remote}
}

// send 以远端服务身份发送一帧
func (h *remoteHarness) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, h.remote.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// read 读取客户端发来的一帧
func (h *remoteHarness) read(t *testing.T) []json.RawMessage {
	t.Helper()
	h.remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := h.remote.ReadMessage()
	require.NoError(t, err)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &parts))
	return parts
}

func (h *remoteHarness) pendingCount() int {
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	return len(h.client.pending)
}

// 远端下发命令：自动申请控制权后经仲裁提交，状态原样回复
func TestRemoteCommandAcquiresControl(t *testing.T) {
	arb := &fakeArbiter{}
	h := newRemoteHarness(t, arb)

	h.send(t, `[2,"1","RemoteStartTransaction",{"idTag":"ABC","connectorId":1}]`)
	parts := h.read(t)
	require.Len(t, parts, 3)
	assert.Equal(t, "3", string(parts[0]))
	assert.Equal(t, `"1"`, string(parts[1]))
	assert.JSONEq(t, `{"status":"Accepted"}`, string(parts[2]))

	assert.Equal(t, []string{"svc"}, arb.requested())
	cmds := arb.submitted()
	require.Len(t, cmds, 1)
	assert.Equal(t, commands.TypeRemoteStart, cmds[0].Type)
	assert.Equal(t, "ABC", cmds[0].IDTag)
	assert.Equal(t, 1, cmds[0].ConnectorID)
}

// 已持锁时重复申请不阻止命令提交
func TestRemoteCommandAlreadyHeldProceeds(t *testing.T) {
	arb := &fakeArbiter{controlErr: errcode.New(errcode.AlreadyHeld, "lock held by svc")}
	h := newRemoteHarness(t, arb)

	h.send(t, `[2,"2","Reset",{"type":"Soft"}]`)
	parts := h.read(t)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(parts[2]))
	assert.Len(t, arb.submitted(), 1)
}

// 控制权被拒时命令不提交，回复Rejected
func TestRemoteCommandControlDenied(t *testing.T) {
	arb := &fakeArbiter{controlErr: errcode.New(errcode.PresenceBlocked, "user is home")}
	h := newRemoteHarness(t, arb)

	h.send(t, `[2,"3","RemoteStartTransaction",{"idTag":"ABC"}]`)
	parts := h.read(t)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(parts[2]))
	assert.Empty(t, arb.submitted())
}

func TestRemoteCommandSubmitFailureRejected(t *testing.T) {
	arb := &fakeArbiter{submitErr: errcode.New(errcode.ChargerUnavailable, "no charger connected")}
	h := newRemoteHarness(t, arb)

	h.send(t, `[2,"4","RemoteStopTransaction",{"transactionId":9}]`)
	parts := h.read(t)
	assert.JSONEq(t, `{"status":"Rejected"}`, string(parts[2]))
}

func TestRemoteUnknownActionGetsCallError(t *testing.T) {
	h := newRemoteHarness(t, &fakeArbiter{})

	h.send(t, `[2,"9","DataTransfer",{}]`)
	parts := h.read(t)
	require.Len(t, parts, 5)
	assert.Equal(t, "4", string(parts[0]))
	assert.Equal(t, `"9"`, string(parts[1]))
	assert.Equal(t, `"NotImplemented"`, string(parts[2]))
}

func TestRemoteMalformedCommandGetsCallError(t *testing.T) {
	h := newRemoteHarness(t, &fakeArbiter{})

	h.send(t, `[2,"10","Reset",{"type":"Gentle"}]`)
	parts := h.read(t)
	require.Len(t, parts, 5)
	assert.Equal(t, `"MalformedPayload"`, string(parts[2]))
}

// 事件经前向链路编码为OCPP Call，应答到达后清除在途记录
func TestEventForwarding(t *testing.T) {
	h := newRemoteHarness(t, &fakeArbiter{})

	startedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.client.SendEvent(&events.TransactionStartedEvent{
		BaseEvent:     events.NewBaseEvent(events.EventTypeTransactionStarted, "cp-1"),
		TransactionID: 1,
		ConnectorID:   1,
		IDTag:         "ABC",
		MeterStartWh:  1000,
		StartedAt:     startedAt,
	}))

	parts := h.read(t)
	require.Len(t, parts, 4)
	assert.Equal(t, "2", string(parts[0]))
	assert.Equal(t, `"StartTransaction"`, string(parts[2]))

	var payload struct {
		MeterStart int64  `json:"meterStart"`
		IdTag      string `json:"idTag"`
	}
	require.NoError(t, json.Unmarshal(parts[3], &payload))
	assert.Equal(t, int64(1000), payload.MeterStart)
	assert.Equal(t, "ABC", payload.IdTag)
	assert.Equal(t, 1, h.pendingCount())

	var msgID string
	require.NoError(t, json.Unmarshal(parts[1], &msgID))
	h.send(t, `[3,"`+msgID+`",{"transactionId":1,"idTagInfo":{"status":"Accepted"}}]`)

	require.Eventually(t, func() bool { return h.pendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// 合成事件无OCPP表示，静默跳过且不产生在途记录
func TestSyntheticEventSkipped(t *testing.T) {
	h := newRemoteHarness(t, &fakeArbiter{})

	require.NoError(t, h.client.SendEvent(&events.ChargerConnectedEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeChargerConnected, "cp-1"),
		Version:   "ocpp1.6",
	}))
	assert.Equal(t, 0, h.pendingCount())
}

// 握手被拒时返回HandshakeFailed并关闭应答体
func TestDialRejectedByService(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	registry := backend.NewRegistry(8, log)
	t.Cleanup(registry.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	svc := config.ServiceConfig{
		ID:       "svc",
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Version:  "1.6",
		AuthType: "token",
		Token:    "wrong",
		Enabled:  true,
	}
	cl, err := newClient(svc, "1.6", registry, &fakeArbiter{}, log)
	require.NoError(t, err)

	_, err = cl.dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.HandshakeFailed, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "HTTP 401")
}
