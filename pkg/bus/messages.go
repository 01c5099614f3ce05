package bus

import (
	"encoding/json"
	"fmt"
)

// CommandKind identifies the handler that a command is dispatched to.
type CommandKind string

const (
	KindDeploy    CommandKind = "deploy"
	KindTerminate CommandKind = "terminate"
	KindPower     CommandKind = "power"
	KindScan      CommandKind = "scan"
)

// Command is an intent published on the command channel. It is immutable
// once published; handlers never mutate the payload.
type Command struct {
	// RequestID correlates all status events caused by this command.
	RequestID string `json:"request_id"`

	// Kind selects the handler.
	Kind CommandKind `json:"kind"`

	// ProjectSlug names the project this command operates on. Commands for
	// the same project are serialized by the listener pool.
	ProjectSlug string `json:"project_slug"`

	// Payload carries kind-specific parameters.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Phase describes where a request is in its lifecycle.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseProgress  Phase = "progress"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Terminal reports whether the phase ends a request.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ResourceDelta reports one resource status change carried by a status event.
type ResourceDelta struct {
	Slot       string `json:"slot"`
	ProviderID string `json:"provider_id,omitempty"`
	Status     string `json:"status"`
}

// StatusEvent is progress reporting published on the status channel.
// Step counts are monotonic and contiguous from 1 within one request.
// TotalSteps is nil when overall progress cannot be computed; consumers
// must treat that as indeterminate, never as zero.
type StatusEvent struct {
	RequestID      string          `json:"request_id"`
	Phase          Phase           `json:"phase"`
	Step           *int            `json:"step,omitempty"`
	TotalSteps     *int            `json:"total_steps,omitempty"`
	Message        string          `json:"message"`
	ResourceDeltas []ResourceDelta `json:"resource_deltas,omitempty"`
}

// PublishCommand publishes a command on the command channel.
func PublishCommand(b *Bus, cmd Command) error {
	if cmd.RequestID == "" {
		return fmt.Errorf("bus: command has no request_id")
	}
	return b.PublishJSON(ChannelCommands, cmd)
}

// PublishStatus publishes a status event on the status channel.
func PublishStatus(b *Bus, ev StatusEvent) error {
	return b.PublishJSON(ChannelStatus, ev)
}

// DecodeCommand parses a raw bus message into a Command.
func DecodeCommand(msg Message) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return Command{}, fmt.Errorf("bus: malformed command: %w", err)
	}
	return cmd, nil
}

// DecodeStatus parses a raw bus message into a StatusEvent.
func DecodeStatus(msg Message) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return StatusEvent{}, fmt.Errorf("bus: malformed status event: %w", err)
	}
	return ev, nil
}

// IntPtr is a convenience for building optional step counters.
func IntPtr(v int) *int {
	return &v
}
