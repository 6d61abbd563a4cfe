package schemas_test

import (
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := schemas.NewEnvelope("req-1", schemas.MsgAutomationClick, schemas.ClickRequest{
		ElementsToClick: []schemas.Step{{Description: "Save", Selector: "#save"}},
	})
	require.NoError(t, err)
	require.Equal(t, "req-1", env.ID)
	require.Equal(t, schemas.MsgAutomationClick, env.Type)

	var req schemas.ClickRequest
	require.NoError(t, env.Decode(&req))
	require.Len(t, req.ElementsToClick, 1)
	assert.Equal(t, "#save", req.ElementsToClick[0].Selector)
}

func TestEnvelopeDecodeEmptyPayload(t *testing.T) {
	env, err := schemas.NewEnvelope("", schemas.MsgTriggerAutomation, nil)
	require.NoError(t, err)

	var req schemas.ToggleRequest
	assert.Error(t, env.Decode(&req))
}

func TestDecodeInstructionResponse(t *testing.T) {
	t.Run("null instruction is nothing to do", func(t *testing.T) {
		in, err := schemas.DecodeInstructionResponse([]byte(`{"instruction": null}`))
		require.NoError(t, err)
		assert.Nil(t, in)
	})

	t.Run("full instruction", func(t *testing.T) {
		body := []byte(`{"instruction": {
			"action": "multi_step_navigation",
			"target_url": "https://example.com",
			"session_id": "s-9",
			"steps": [{"description": "Save button", "selector": "#save", "critical": true}]
		}}`)
		in, err := schemas.DecodeInstructionResponse(body)
		require.NoError(t, err)
		require.NotNil(t, in)
		assert.Equal(t, schemas.ActionMultiStepNavigation, in.Action)
		assert.Equal(t, "s-9", in.SessionID)
		require.Len(t, in.Steps, 1)
		assert.True(t, in.Steps[0].Critical)
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := schemas.DecodeInstructionResponse([]byte(`{"instruction": [}`))
		assert.Error(t, err)
	})
}

var testTimeValue = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPendingAutomationCodec(t *testing.T) {
	p := schemas.NewPendingAutomation(validInstruction(), testTimeValue)
	p.MarkExecuted(0, testTimeValue)

	data, err := schemas.MarshalPendingAutomation(p)
	require.NoError(t, err)

	restored, err := schemas.UnmarshalPendingAutomation(data)
	require.NoError(t, err)
	if diff := cmp.Diff(p, restored); diff != "" {
		t.Fatalf("checkpoint changed across the store round trip (-want +got):\n%s", diff)
	}
	assert.True(t, restored.Executed(0))
}

// FuzzUnmarshalPendingAutomation checks the durable-record decoder never
// panics on corrupted store payloads.
func FuzzUnmarshalPendingAutomation(f *testing.F) {
	seed, _ := schemas.MarshalPendingAutomation(schemas.NewPendingAutomation(schemas.Instruction{
		Action:    schemas.ActionSingleStep,
		TargetURL: "https://example.com",
		SessionID: "s-1",
		Steps:     []schemas.Step{{Description: "x", Selector: "#x"}},
	}, testTimeValue))
	f.Add(seed)
	f.Add([]byte(`{}`))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := schemas.UnmarshalPendingAutomation(data)
		if err != nil {
			return
		}
		// A decoded record must be usable.
		_ = p.Done()
		_ = p.Executed(0)
	})
}

// FuzzDecodeInstructionResponse exercises the source body decoder with
// structured inputs.
func FuzzDecodeInstructionResponse(f *testing.F) {
	f.Add([]byte(`{"instruction": null}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var resp schemas.InstructionResponse
		if err := consumer.GenerateStruct(&resp); err != nil {
			return
		}
		if resp.Instruction != nil {
			_ = resp.Instruction.Validate()
		}
		_, _ = schemas.DecodeInstructionResponse(data)
	})
}
