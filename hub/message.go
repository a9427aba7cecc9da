package hub

import (
	"time"

	"github.com/c360/drivebus/canbus"
)

// Message kinds delivered to driving-state subscribers.
const (
	TypeStep  = "step"
	TypeError = "error"
)

// Message is the envelope broadcast to driving-state subscribers. Exactly
// one of Step or Error is set, discriminated by Type.
type Message struct {
	Type  string      `json:"type"`
	Step  *StepEvent  `json:"step,omitempty"`
	Error *ErrorEvent `json:"error,omitempty"`
}

// StepEvent is a reconstructed driving step ready for delivery.
type StepEvent struct {
	BatchID    int64               `json:"batch_id"`
	Step       *canbus.DrivingStep `json:"step"`
	ReceivedAt time.Time           `json:"received_at"`
}

// ErrorEvent reports a reconstruction failure so subscribers see the gap
// rather than silence.
type ErrorEvent struct {
	BatchID int64  `json:"batch_id,omitempty"`
	Reason  string `json:"reason"`
}

// NewStepMessage wraps a reconstructed step.
func NewStepMessage(batchID int64, step *canbus.DrivingStep) Message {
	return Message{
		Type: TypeStep,
		Step: &StepEvent{BatchID: batchID, Step: step, ReceivedAt: time.Now().UTC()},
	}
}

// NewErrorMessage wraps a reconstruction failure.
func NewErrorMessage(batchID int64, reason string) Message {
	return Message{
		Type:  TypeError,
		Error: &ErrorEvent{BatchID: batchID, Reason: reason},
	}
}
