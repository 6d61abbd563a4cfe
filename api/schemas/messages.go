package schemas

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies a message on the channel between the orchestrator
// and the page-context executor.
type MessageType string

const (
	MsgAutomationClick     MessageType = "AUTOMATION_CLICK"
	MsgVerifyDialog        MessageType = "VERIFY_DIALOG"
	MsgAutomationCompleted MessageType = "AUTOMATION_COMPLETED"
	MsgAutomationFailed    MessageType = "AUTOMATION_FAILED"
	MsgContentScriptLoaded MessageType = "CONTENT_SCRIPT_LOADED"
	MsgTriggerAutomation   MessageType = "TRIGGER_AUTOMATION"
	MsgTogglePolling       MessageType = "TOGGLE_POLLING"
)

// Envelope is the wire frame for one message. Requests carry a correlation
// ID; the reply to a request reuses it, and every request is answered
// exactly once.
type Envelope struct {
	ID      string              `json:"id,omitempty"`
	Type    MessageType         `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

// ClickRequest asks the executor to run the given steps in order.
type ClickRequest struct {
	ElementsToClick []Step `json:"elementsToClick"`
}

// ClickResponse returns one result per requested step.
type ClickResponse struct {
	Results []StepResult `json:"results"`
}

// DialogRequest asks the executor to verify that a dialog container is
// present for the given step.
type DialogRequest struct {
	DialogInfo Step `json:"dialogInfo"`
}

// DialogResponse carries the single verification result.
type DialogResponse struct {
	Result StepResult `json:"result"`
}

// CompletedNotice is the asynchronous completion notification for a run.
type CompletedNotice struct {
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
}

// FailedNotice is the asynchronous failure notification for a run.
type FailedNotice struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// LoadedNotice signals page-context readiness and triggers the
// orchestrator's resumption check.
type LoadedNotice struct {
	URL                string `json:"url"`
	ReadyForAutomation bool   `json:"readyForAutomation"`
}

// ToggleRequest enables or disables the polling trigger.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// NewEnvelope builds an envelope from a typed payload.
func NewEnvelope(id string, typ MessageType, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into the given value.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodeInstructionResponse and DecodeInstructionResponse cover the source's
// HTTP body: {"instruction": Instruction | null}. A null instruction is a
// valid "nothing to do" response.
type InstructionResponse struct {
	Instruction *Instruction `json:"instruction"`
}

func DecodeInstructionResponse(body []byte) (*Instruction, error) {
	var resp InstructionResponse
	if err := codec.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed instruction body: %w", err)
	}
	return resp.Instruction, nil
}

// MarshalPendingAutomation serializes the durable record for the store.
func MarshalPendingAutomation(p *PendingAutomation) ([]byte, error) {
	return codec.Marshal(p)
}

// UnmarshalPendingAutomation restores the durable record from the store.
func UnmarshalPendingAutomation(data []byte) (*PendingAutomation, error) {
	var p PendingAutomation
	if err := codec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pending automation: %w", err)
	}
	return &p, nil
}
