package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_KeysByUserAndCarriesType(t *testing.T) {
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	msgs, err := encode([]Event{
		{EventType: TransactionCreated, UserID: "u1", EntityID: "t1", Timestamp: ts, Payload: map[string]string{"symbol": "AAPL"}},
		{EventType: CashFlowDeleted, UserID: "u2", EntityID: "c1", Timestamp: ts},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "u1", string(msgs[0].Key))
	assert.Equal(t, ts, msgs[0].Time)
	require.Len(t, msgs[0].Headers, 1)
	assert.Equal(t, TransactionCreated, string(msgs[0].Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, "t1", decoded.EntityID)
	assert.Equal(t, TransactionCreated, decoded.EventType)
}

func TestEncode_RejectsUnmarshalablePayload(t *testing.T) {
	_, err := encode([]Event{{EventType: TaskStatusChanged, Payload: make(chan int)}})
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), Event{EventType: CashFlowCreated}, Event{EventType: SignalAdopted}))
	assert.Equal(t, []string{CashFlowCreated, SignalAdopted}, r.Types())
	assert.Len(t, r.Events(), 2)
}
