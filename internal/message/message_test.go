package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFillsDefaults(t *testing.T) {
	msg := NewData("EP-42", "urn:test:sensor").
		DataItem("temperature", 21.5).
		DataItem("unit", "C").
		Build()

	_, err := uuid.Parse(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeData, msg.Type)
	assert.Equal(t, "EP-42", msg.Source)
	assert.Equal(t, "urn:test:sensor", msg.Payload.Format)
	assert.Equal(t, PriorityMedium, msg.Priority)
	assert.Equal(t, ReliabilityBestEffort, msg.Reliability)
	assert.InDelta(t, time.Now().UnixMilli(), msg.EventTime, 5000)
	assert.Equal(t, 21.5, msg.Payload.Data["temperature"])
}

func TestBuildKeepsExplicitValues(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := NewData("EP-42", "urn:test:sensor").
		Priority(PriorityHighest).
		Reliability(ReliabilityGuaranteed).
		EventTime(at).
		Build()

	assert.Equal(t, PriorityHighest, msg.Priority)
	assert.Equal(t, ReliabilityGuaranteed, msg.Reliability)
	assert.Equal(t, at.UnixMilli(), msg.EventTime)
}

func TestAlertCarriesSeverity(t *testing.T) {
	msg := NewAlert("EP-42", "urn:test:overheat", SeverityCritical).
		Description("temperature out of range").
		DataItem("temperature", 99.0).
		Build()

	assert.Equal(t, TypeAlert, msg.Type)
	assert.Equal(t, SeverityCritical, msg.Payload.Severity)
	assert.Equal(t, "temperature out of range", msg.Payload.Description)
}

func TestResponseCorrelatesToRequest(t *testing.T) {
	msg := NewResponse("EP-42", "REQ-7", 200).
		Header("Content-Type", "application/json").
		Body(`{"ok":true}`).
		Build()

	assert.Equal(t, TypeResponse, msg.Type)
	assert.Equal(t, "REQ-7", msg.Payload.RequestID)
	assert.Equal(t, 200, msg.Payload.StatusCode)
	assert.Equal(t, "application/json", msg.Payload.Headers["Content-Type"])
}

func TestWireShape(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := NewData("EP-42", "urn:test:sensor").
		DataItem("temperature", 21.5).
		EventTime(at).
		Build()
	msg.ID = "MSG-1"

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "MSG-1", decoded["id"])
	assert.Equal(t, "DATA", decoded["type"])
	assert.Equal(t, "EP-42", decoded["source"])
	assert.Equal(t, float64(at.UnixMilli()), decoded["eventTime"])

	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, "urn:test:sensor", payload["format"])
	assert.Equal(t, 21.5, payload["data"].(map[string]interface{})["temperature"])

	// Response-only fields must stay off the wire for data messages.
	assert.NotContains(t, payload, "requestId")
	assert.NotContains(t, payload, "statusCode")
}
