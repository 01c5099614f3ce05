package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/telemetry"
)

// PowerPayload is the kind-specific payload of a power command.
type PowerPayload struct {
	// State is "on" or "off".
	State string `json:"state"`
}

// Power starts or stops a project's instance and database without touching
// any other slot. Projects with no powerable resources complete as a no-op.
type Power struct {
	deps   Deps
	logger *telemetry.Logger
}

// NewPower creates a power handler.
func NewPower(deps Deps) *Power {
	return &Power{deps: deps, logger: deps.Logger.NewComponentLogger("power")}
}

// Apply executes a power command.
func (p *Power) Apply(ctx context.Context, requestID, projectSlug string, payload json.RawMessage) error {
	log := p.logger.WithRequestID(requestID).WithProject(projectSlug)

	var req PowerPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			p.publishFailed(requestID, fmt.Sprintf("malformed power payload: %v", err))
			return NewValidationError("malformed power payload", err)
		}
	}
	if req.State != "on" && req.State != "off" {
		p.publishFailed(requestID, fmt.Sprintf("unknown power state %q", req.State))
		return NewValidationError(fmt.Sprintf("unknown power state %q", req.State), nil)
	}

	bp, err := p.deps.Blueprints.Load(projectSlug)
	if err != nil {
		p.publishFailed(requestID, fmt.Sprintf("loading blueprint: %v", err))
		return NewValidationError("loading blueprint", err)
	}

	var targets []func() (string, error)
	if bp.Compute != nil && bp.Compute.InstanceID != "" {
		id := bp.Compute.InstanceID
		targets = append(targets, func() (string, error) {
			if req.State == "on" {
				return "instance " + id, p.deps.Provider.StartInstance(ctx, id)
			}
			return "instance " + id, p.deps.Provider.StopInstance(ctx, id)
		})
	}
	if bp.Data.Database != nil && bp.Data.Database.Identifier != "" {
		id := bp.Data.Database.Identifier
		targets = append(targets, func() (string, error) {
			if req.State == "on" {
				return "database " + id, p.deps.Provider.StartDatabase(ctx, id)
			}
			return "database " + id, p.deps.Provider.StopDatabase(ctx, id)
		})
	}

	total := len(targets)
	p.publishEvent(bus.StatusEvent{
		RequestID:  requestID,
		Phase:      bus.PhaseStarted,
		TotalSteps: bus.IntPtr(total),
		Message:    fmt.Sprintf("powering %s %s", projectSlug, req.State),
	})

	if total == 0 {
		p.publishEvent(bus.StatusEvent{
			RequestID: requestID,
			Phase:     bus.PhaseCompleted,
			Message:   fmt.Sprintf("%s has no powerable resources", projectSlug),
		})
		log.Info("power command was a no-op")
		return nil
	}

	for i, target := range targets {
		start := time.Now()
		name, err := target()
		if err != nil {
			p.deps.Metrics.RecordStep("power", "failed", time.Since(start))
			p.publishEvent(bus.StatusEvent{
				RequestID:  requestID,
				Phase:      bus.PhaseFailed,
				Step:       bus.IntPtr(i + 1),
				TotalSteps: bus.IntPtr(total),
				Message:    fmt.Sprintf("%s: %v", name, err),
			})
			log.WithError(err).Error("power command failed")
			return NewPermanentError("power operation failed", err)
		}
		p.deps.Metrics.RecordStep("power", "succeeded", time.Since(start))
		p.publishEvent(bus.StatusEvent{
			RequestID:  requestID,
			Phase:      bus.PhaseProgress,
			Step:       bus.IntPtr(i + 1),
			TotalSteps: bus.IntPtr(total),
			Message:    fmt.Sprintf("%s powered %s", name, req.State),
		})
	}

	p.publishEvent(bus.StatusEvent{
		RequestID:  requestID,
		Phase:      bus.PhaseCompleted,
		Step:       bus.IntPtr(total),
		TotalSteps: bus.IntPtr(total),
		Message:    fmt.Sprintf("%s powered %s", projectSlug, req.State),
	})
	log.WithField("state", req.State).Info("power command completed")
	return nil
}

func (p *Power) publishEvent(ev bus.StatusEvent) {
	if err := bus.PublishStatus(p.deps.Bus, ev); err != nil {
		p.logger.WithError(err).Warn("publishing status event")
	}
}

func (p *Power) publishFailed(requestID, message string) {
	p.publishEvent(bus.StatusEvent{RequestID: requestID, Phase: bus.PhaseFailed, Message: message})
}
