package mq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload_StepDispatch(t *testing.T) {
	taskID := uuid.New()
	runID := uuid.New()

	// Конверт проходит полный цикл marshal/unmarshal, как при доставке.
	original := Message{
		ID:   uuid.New().String(),
		Type: MessageTypeStepDispatch,
		Payload: StepDispatchPayload{
			TaskID:   taskID,
			RunID:    runID,
			StepKeys: []string{"extract", "load"},
			Args:     json.RawMessage(`{"source":"s3://bucket"}`),
		},
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(original)
	require.NoError(t, err)

	var received Message
	require.NoError(t, json.Unmarshal(body, &received))

	payload, err := ParsePayload[StepDispatchPayload](&received)
	require.NoError(t, err)

	assert.Equal(t, taskID, payload.TaskID)
	assert.Equal(t, runID, payload.RunID)
	assert.Equal(t, []string{"extract", "load"}, payload.StepKeys)
	assert.JSONEq(t, `{"source":"s3://bucket"}`, string(payload.Args))
}

func TestParsePayload_Cancel(t *testing.T) {
	taskID := uuid.New()

	var received Message
	body, _ := json.Marshal(Message{
		ID:      uuid.New().String(),
		Type:    MessageTypeTaskCancel,
		Payload: CancelPayload{TaskID: taskID, Reason: "run interrupted"},
	})
	require.NoError(t, json.Unmarshal(body, &received))

	payload, err := ParsePayload[CancelPayload](&received)
	require.NoError(t, err)
	assert.Equal(t, taskID, payload.TaskID)
	assert.Equal(t, "run interrupted", payload.Reason)
}

func TestParsePayload_Malformed(t *testing.T) {
	msg := Message{
		Type:    MessageTypeTaskCancel,
		Payload: map[string]any{"task_id": "not-a-uuid"},
	}

	_, err := ParsePayload[CancelPayload](&msg)
	assert.Error(t, err)
}

func TestExpiration(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  string
	}{
		{0, "0"},
		{-time.Second, "0"},
		{500 * time.Millisecond, "500"},
		{20 * time.Second, "20000"},
		{15 * time.Minute, "900000"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Expiration(tt.delay), "delay %v", tt.delay)
	}
}
