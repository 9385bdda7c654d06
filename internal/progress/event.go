package progress

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dukerupert/clipforge/internal/gateway"
)

type Stage string

const (
	StageInitializing Stage = "initializing"
	StageAnalyzing    Stage = "analyzing"
	StagePreparing    Stage = "preparing"
	StageGenerating   Stage = "generating"
	StageProcessing   Stage = "processing"
	StageStyling      Stage = "styling"
	StageOptimizing   Stage = "optimizing"
	StageFinalizing   Stage = "finalizing"
	StageComplete     Stage = "complete"
	StageError        Stage = "error"
)

type EventType string

const (
	TypeProgress EventType = "progress"
	TypeComplete EventType = "complete"
	TypeError    EventType = "error"
)

// Event is one message on a job's stream.
type Event struct {
	Type    EventType       `json:"type"`
	Percent int             `json:"percent,omitempty"`
	Message string          `json:"message,omitempty"`
	Stage   Stage           `json:"stage,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Terminal reports whether e closes the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Step is one synthetic stage held for Hold before the next one.
type Step struct {
	Stage   Stage
	Percent int
	Message string
	Hold    time.Duration
}

type Schedule []Step

// DefaultSchedule is the presentation choreography shown while a video
// generates. It carries no information about the backend's actual state.
func DefaultSchedule() Schedule {
	return Schedule{
		{StageInitializing, 5, "Initializing video generation...", 1500 * time.Millisecond},
		{StageAnalyzing, 15, "Analyzing your prompt...", 2 * time.Second},
		{StagePreparing, 25, "Preparing scene composition...", 2 * time.Second},
		{StageGenerating, 40, "Generating video frames...", 4 * time.Second},
		{StageProcessing, 55, "Processing frames...", 4 * time.Second},
		{StageStyling, 70, "Applying visual style...", 4 * time.Second},
		{StageOptimizing, 85, "Optimizing video quality...", 4 * time.Second},
		{StageFinalizing, 95, "Finalizing your video...", 0},
	}
}

// ErrorMessage turns a failed generation into text for the error event.
func ErrorMessage(err error) string {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return "Video generation failed. Please try again."
	}
	switch gerr.Kind {
	case gateway.Timeout:
		return "Video generation timed out. Please try again."
	case gateway.BackendUnreachable:
		return "The video service is unreachable. Please try again shortly."
	case gateway.BackendRejected:
		if gerr.Message != "" {
			return "Video generation failed: " + gerr.Message
		}
		return "Video generation was rejected by the video service."
	case gateway.Malformed:
		return "The video service returned an unexpected response."
	case gateway.Unauthorized:
		return "You need to sign in again to generate videos."
	default:
		return "Video generation failed. Please try again."
	}
}
