package ocpp16

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/adapter"
	"github.com/charging-platform/ocpp-proxy/internal/protocol/ocppj"
)

func callFrame(t *testing.T, action string, payload interface{}) *ocppj.Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &ocppj.Frame{Type: ocppj.MessageTypeCall, MessageID: "1", Action: action, Payload: data}
}

func TestDecodeBootNotification(t *testing.T) {
	a := NewAdapter()
	frame := callFrame(t, ActionBootNotification, BootNotificationRequest{
		ChargePointVendor: "ACME",
		ChargePointModel:  "Wallbox",
	})

	ev, err := a.DecodeChargerCall("cp-1", frame)
	require.NoError(t, err)

	boot, ok := ev.(*events.BootNotificationEvent)
	require.True(t, ok)
	assert.Equal(t, "cp-1", boot.GetChargerID())
	assert.Equal(t, events.EventTypeBootNotification, boot.GetType())
	assert.Equal(t, "ACME", boot.Vendor)
	assert.Equal(t, "Wallbox", boot.Model)
}

func TestDecodeStatusNotification(t *testing.T) {
	a := NewAdapter()
	frame := callFrame(t, ActionStatusNotification, StatusNotificationRequest{
		ConnectorId: 1,
		ErrorCode:   "NoError",
		Status:      "Charging",
	})

	ev, err := a.DecodeChargerCall("cp-1", frame)
	require.NoError(t, err)

	status, ok := ev.(*events.StatusChangedEvent)
	require.True(t, ok)
	assert.Equal(t, events.StatusCharging, status.Status)
	assert.Equal(t, 1, status.ConnectorID)
}

func TestDecodeMeterValuesPrefersEnergyRegister(t *testing.T) {
	a := NewAdapter()
	txID := 7
	sampledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frame := callFrame(t, ActionMeterValues, MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: &txID,
		MeterValue: []MeterValue{{
			Timestamp: sampledAt,
			SampledValue: []SampledValue{
				{Value: "230.1", Measurand: "Voltage"},
				{Value: "1500", Measurand: "Energy.Active.Import.Register", Unit: "Wh"},
			},
		}},
	})

	ev, err := a.DecodeChargerCall("cp-1", frame)
	require.NoError(t, err)

	meter, ok := ev.(*events.MeterSampleEvent)
	require.True(t, ok)
	assert.Equal(t, int64(1500), meter.MeterWh)
	require.NotNil(t, meter.TransactionID)
	assert.Equal(t, 7, *meter.TransactionID)
	assert.True(t, meter.SampledAt.Equal(sampledAt))
}

func TestDecodeMeterValuesConvertsKWh(t *testing.T) {
	a := NewAdapter()
	frame := callFrame(t, ActionMeterValues, MeterValuesRequest{
		ConnectorId: 1,
		MeterValue: []MeterValue{{
			Timestamp: time.Now().UTC(),
			SampledValue: []SampledValue{
				{Value: "1.5", Measurand: "Energy.Active.Import.Register", Unit: "kWh"},
			},
		}},
	})

	ev, err := a.DecodeChargerCall("cp-1", frame)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), ev.(*events.MeterSampleEvent).MeterWh)
}

func TestDecodeStartTransactionLeavesIDUnassigned(t *testing.T) {
	a := NewAdapter()
	startedAt := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	frame := callFrame(t, ActionStartTransaction, StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "ABC",
		MeterStart:  1000,
		Timestamp:   startedAt,
	})

	ev, err := a.DecodeChargerCall("cp-1", frame)
	require.NoError(t, err)

	started, ok := ev.(*events.TransactionStartedEvent)
	require.True(t, ok)
	assert.Zero(t, started.TransactionID)
	assert.Equal(t, "ABC", started.IDTag)
	assert.Equal(t, int64(1000), started.MeterStartWh)
	assert.True(t, started.StartedAt.Equal(startedAt))
}

func TestDecodeMalformedPayload(t *testing.T) {
	a := NewAdapter()
	frame := &ocppj.Frame{
		Type: ocppj.MessageTypeCall, MessageID: "1",
		Action: ActionBootNotification, Payload: json.RawMessage(`{"chargePointVendor":""}`),
	}

	_, err := a.DecodeChargerCall("cp-1", frame)
	require.Error(t, err)
	assert.Equal(t, errcode.MalformedPayload, errcode.CodeOf(err))
}

func TestDecodeUnknownAction(t *testing.T) {
	a := NewAdapter()
	frame := callFrame(t, "DataTransfer", struct{}{})

	_, err := a.DecodeChargerCall("cp-1", frame)
	require.Error(t, err)
	var uae *adapter.UnknownActionError
	assert.ErrorAs(t, err, &uae)
}

func TestEncodeCallResultBootNotification(t *testing.T) {
	a := NewAdapter()
	now := time.Now().UTC()

	payload, err := a.EncodeCallResult(ActionBootNotification, adapter.ResponseContext{Now: now, HeartbeatInterval: 10})
	require.NoError(t, err)

	resp, ok := payload.(BootNotificationResponse)
	require.True(t, ok)
	assert.Equal(t, "Accepted", resp.Status)
	assert.Equal(t, 10, resp.Interval)
}

func TestEncodeCallResultStartTransaction(t *testing.T) {
	a := NewAdapter()

	payload, err := a.EncodeCallResult(ActionStartTransaction, adapter.ResponseContext{TransactionID: 42})
	require.NoError(t, err)

	resp, ok := payload.(StartTransactionResponse)
	require.True(t, ok)
	assert.Equal(t, 42, resp.TransactionId)
	assert.Equal(t, "Accepted", resp.IdTagInfo.Status)
}

func TestEncodeCommandRemoteStart(t *testing.T) {
	a := NewAdapter()
	cmd := &commands.Command{Type: commands.TypeRemoteStart, IDTag: "ABC", ConnectorID: 1}

	action, payload, err := a.EncodeCommand(cmd)
	require.NoError(t, err)
	assert.Equal(t, ActionRemoteStartTransaction, action)

	req, ok := payload.(RemoteStartTransactionRequest)
	require.True(t, ok)
	assert.Equal(t, "ABC", req.IdTag)
	require.NotNil(t, req.ConnectorId)
	assert.Equal(t, 1, *req.ConnectorId)
}

func TestEncodeCommandReset(t *testing.T) {
	a := NewAdapter()

	action, payload, err := a.EncodeCommand(&commands.Command{Type: commands.TypeReset, ResetKind: commands.ResetHard})
	require.NoError(t, err)
	assert.Equal(t, ActionReset, action)
	assert.Equal(t, ResetRequest{Type: "Hard"}, payload)
}

func TestDecodeCommandResult(t *testing.T) {
	a := NewAdapter()

	result, err := a.DecodeCommandResult(commands.TypeRemoteStart, json.RawMessage(`{"status":"Accepted"}`))
	require.NoError(t, err)
	assert.True(t, result.Accepted())
}

// 统一事件经1.6编码再解码应保持语义不变
func TestEventRoundTrip(t *testing.T) {
	a := NewAdapter()
	sampledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	txID := 3

	cases := []events.Event{
		&events.StatusChangedEvent{
			BaseEvent:   events.NewBaseEvent(events.EventTypeStatusChanged, "cp-1"),
			ConnectorID: 1,
			Status:      events.StatusCharging,
			ErrorCode:   "NoError",
		},
		&events.MeterSampleEvent{
			BaseEvent:     events.NewBaseEvent(events.EventTypeMeterSample, "cp-1"),
			ConnectorID:   1,
			TransactionID: &txID,
			MeterWh:       2500,
			SampledAt:     sampledAt,
		},
		&events.TransactionEndedEvent{
			BaseEvent:     events.NewBaseEvent(events.EventTypeTransactionEnded, "cp-1"),
			TransactionID: 3,
			MeterStopWh:   4200,
			StoppedAt:     sampledAt,
			Reason:        "Remote",
		},
	}

	for _, original := range cases {
		action, payload, err := a.EncodeEvent(original)
		require.NoError(t, err)

		decoded, err := a.DecodeChargerCall("cp-1", callFrame(t, action, payload))
		require.NoError(t, err)
		assert.Equal(t, original.GetType(), decoded.GetType())

		switch orig := original.(type) {
		case *events.StatusChangedEvent:
			got := decoded.(*events.StatusChangedEvent)
			assert.Equal(t, orig.Status, got.Status)
			assert.Equal(t, orig.ConnectorID, got.ConnectorID)
		case *events.MeterSampleEvent:
			got := decoded.(*events.MeterSampleEvent)
			assert.Equal(t, orig.MeterWh, got.MeterWh)
			assert.Equal(t, *orig.TransactionID, *got.TransactionID)
			assert.True(t, orig.SampledAt.Equal(got.SampledAt))
		case *events.TransactionEndedEvent:
			got := decoded.(*events.TransactionEndedEvent)
			assert.Equal(t, orig.TransactionID, got.TransactionID)
			assert.Equal(t, orig.MeterStopWh, got.MeterStopWh)
			assert.Equal(t, orig.Reason, got.Reason)
		}
	}
}

// 统一命令经编码再按命令Call解码应保持语义不变
func TestCommandRoundTrip(t *testing.T) {
	a := NewAdapter()
	cases := []*commands.Command{
		{Type: commands.TypeRemoteStart, IDTag: "ABC", ConnectorID: 2},
		{Type: commands.TypeRemoteStop, TransactionID: 9},
		{Type: commands.TypeReset, ResetKind: commands.ResetSoft},
		{Type: commands.TypeChangeAvailability, ConnectorID: 1, AvailabilityKind: commands.AvailabilityInoperative},
	}

	for _, original := range cases {
		action, payload, err := a.EncodeCommand(original)
		require.NoError(t, err)

		decoded, err := a.DecodeCommandCall(callFrame(t, action, payload))
		require.NoError(t, err)
		assert.Equal(t, original, decoded)
	}
}
