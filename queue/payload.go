package queue

import (
	"encoding/json"

	"github.com/promptarena/promptarena/errors"
	"github.com/promptarena/promptarena/invoke"
)

// InvokeModelPayload is the payload shape for TypeInvokeModel jobs: one model,
// one input, one iteration of a test run.
type InvokeModelPayload struct {
	Model          invoke.ModelConfig `json:"model"`
	Prompt         string             `json:"prompt"`
	Input          invoke.TestInput   `json:"input"`
	Iteration      int                `json:"iteration"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"` // 0 = dispatch engine default
}

// CleanupPayload is the payload shape for TypeCleanup maintenance jobs.
type CleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// ValidatePayload checks that a payload decodes into the shape its job type
// declares. Payloads are a tagged union keyed by job type; arbitrary blobs are
// rejected here rather than failing at dispatch time.
func ValidatePayload(jobType string, payload json.RawMessage) error {
	switch jobType {
	case TypeInvokeModel:
		var p InvokeModelPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "invalid invoke-model payload")
		}
		if p.Model.Provider == "" || p.Model.Model == "" {
			return errors.New("invoke-model payload missing model identity")
		}
		if p.Input.ID == "" {
			return errors.New("invoke-model payload missing input id")
		}
		return nil

	case TypeCleanup:
		var p CleanupPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "invalid cleanup payload")
		}
		if p.OlderThanHours <= 0 {
			return errors.Newf("cleanup payload older_than_hours must be > 0, got %d", p.OlderThanHours)
		}
		return nil

	default:
		return errors.Newf("unknown job type: %s", jobType)
	}
}

// DecodeInvokeModel decodes an invoke-model payload.
func DecodeInvokeModel(payload json.RawMessage) (*InvokeModelPayload, error) {
	var p InvokeModelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(err, "decode invoke-model payload")
	}
	return &p, nil
}

// DecodeCleanup decodes a cleanup payload.
func DecodeCleanup(payload json.RawMessage) (*CleanupPayload, error) {
	var p CleanupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(err, "decode cleanup payload")
	}
	return &p, nil
}
