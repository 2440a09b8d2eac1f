package backend

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
)

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
	frames [][]byte
	closed bool
	block  chan struct{}
}

func (s *fakeSink) SendEvent(ev events.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) SendFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSink) eventTypes() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.GetType())
	}
	return out
}

func newTestRegistry(t *testing.T, queueSize int) *Registry {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return NewRegistry(queueSize, log)
}

func TestRegisterDuplicateID(t *testing.T) {
	r := newTestRegistry(t, 8)
	defer r.Shutdown()

	require.NoError(t, r.Register("svc-a", KindInbound, &fakeSink{}))
	err := r.Register("svc-a", KindOutbound, &fakeSink{})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.True(t, r.Has("svc-a"))
}

func TestBroadcastToSubscribedOnly(t *testing.T) {
	r := newTestRegistry(t, 8)
	defer r.Shutdown()

	subscribed := &fakeSink{}
	muted := &fakeSink{}
	require.NoError(t, r.Register("svc-a", KindInbound, subscribed))
	require.NoError(t, r.Register("svc-b", KindInbound, muted))
	r.SetSubscribed("svc-b", false)

	r.Broadcast(&events.HeartbeatEvent{BaseEvent: events.NewBaseEvent(events.EventTypeHeartbeat, "cp-1")})

	require.Eventually(t, func() bool { return subscribed.eventCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, muted.eventCount())
}

func TestBroadcastPreservesOrder(t *testing.T) {
	r := newTestRegistry(t, 16)
	defer r.Shutdown()

	sink := &fakeSink{}
	require.NoError(t, r.Register("svc-a", KindInbound, sink))

	r.Broadcast(&events.StatusChangedEvent{BaseEvent: events.NewBaseEvent(events.EventTypeStatusChanged, "cp-1")})
	r.Broadcast(&events.TransactionStartedEvent{BaseEvent: events.NewBaseEvent(events.EventTypeTransactionStarted, "cp-1")})
	r.Broadcast(&events.HeartbeatEvent{BaseEvent: events.NewBaseEvent(events.EventTypeHeartbeat, "cp-1")})

	require.Eventually(t, func() bool { return sink.eventCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.EventType{
		events.EventTypeStatusChanged,
		events.EventTypeTransactionStarted,
		events.EventTypeHeartbeat,
	}, sink.eventTypes())
}

// 慢后端队列满时丢弃事件，不阻塞广播方
func TestSlowBackendDropsWithoutBlocking(t *testing.T) {
	r := newTestRegistry(t, 1)
	defer r.Shutdown()

	slow := &fakeSink{block: make(chan struct{})}
	require.NoError(t, r.Register("svc-slow", KindInbound, slow))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Broadcast(&events.HeartbeatEvent{BaseEvent: events.NewBaseEvent(events.EventTypeHeartbeat, "cp-1")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on slow backend")
	}
	close(slow.block)
}

func TestUnregisterClosesSinkAndNotifies(t *testing.T) {
	r := newTestRegistry(t, 8)

	var gone string
	r.OnUnregister = func(id string) { gone = id }

	sink := &fakeSink{}
	require.NoError(t, r.Register("svc-a", KindInbound, sink))
	r.Unregister("svc-a")

	assert.Equal(t, "svc-a", gone)
	assert.False(t, r.Has("svc-a"))
	sink.mu.Lock()
	assert.True(t, sink.closed)
	sink.mu.Unlock()
}

func TestSendControlAndResultFrames(t *testing.T) {
	r := newTestRegistry(t, 8)
	defer r.Shutdown()

	sink := &fakeSink{}
	require.NoError(t, r.Register("svc-a", KindInbound, sink))

	r.SendControl("svc-a", "granted", "")
	r.SendResult("svc-a", json.RawMessage(`"req-1"`), map[string]string{"status": "Accepted"})
	r.SendError("svc-a", json.RawMessage(`2`), "NotLockHolder", "not holding lock")

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.frames) == 3
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()

	var control ControlFrame
	require.NoError(t, json.Unmarshal(sink.frames[0], &control))
	assert.Equal(t, FrameTypeControl, control.Type)
	assert.Equal(t, "granted", control.Status)

	var result ResultFrame
	require.NoError(t, json.Unmarshal(sink.frames[1], &result))
	assert.Equal(t, json.RawMessage(`"req-1"`), result.RequestID)

	var errFrame ErrorFrame
	require.NoError(t, json.Unmarshal(sink.frames[2], &errFrame))
	assert.Equal(t, "NotLockHolder", errFrame.Code)
	assert.Equal(t, json.RawMessage(`2`), errFrame.RequestID)
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry(t, 8)
	defer r.Shutdown()

	require.NoError(t, r.Register("svc-a", KindInbound, &fakeSink{}))
	require.NoError(t, r.Register("svc-b", KindOutbound, &fakeSink{}))
	r.SetSubscribed("svc-a", false)

	infos := r.Snapshot()
	require.Len(t, infos, 2)
	byID := map[string]Info{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.Equal(t, KindInbound, byID["svc-a"].Kind)
	assert.False(t, byID["svc-a"].Subscribed)
	assert.Equal(t, KindOutbound, byID["svc-b"].Kind)
	assert.Equal(t, StateConnected, byID["svc-b"].State)
	assert.True(t, byID["svc-b"].Subscribed)
}
