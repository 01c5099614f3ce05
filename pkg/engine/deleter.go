package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skiffcloud/skiff/pkg/blueprint"
	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/provider"
	"github.com/skiffcloud/skiff/pkg/telemetry"
	"github.com/skiffcloud/skiff/pkg/tracker"
)

// TerminatePayload narrows a teardown to specific provider IDs. Empty means
// every tracked resource of the project.
type TerminatePayload struct {
	Resources []string `json:"resources,omitempty"`
}

// Deleter tears a project down in dependency order: a resource is deleted
// only after everything that depends on it is gone. A resource the provider
// no longer knows about counts as deleted.
type Deleter struct {
	deps   Deps
	retry  RetryPolicy
	logger *telemetry.Logger
	sleep  func(time.Duration)
}

// NewDeleter creates a deleter.
func NewDeleter(deps Deps, retry RetryPolicy) *Deleter {
	return &Deleter{
		deps:   deps,
		retry:  retry.orDefault(),
		logger: deps.Logger.NewComponentLogger("deleter"),
		sleep:  time.Sleep,
	}
}

// Terminate deletes a project's tracked resources, all of them or the
// subset named by provider ID in only. Failures do not stop the run:
// unaffected branches keep deleting, while resources that the failed one
// depends on are reported as blocked. The terminal event is completed only
// when everything targeted was deleted.
func (d *Deleter) Terminate(ctx context.Context, requestID, projectSlug string, only []string) error {
	log := d.logger.WithRequestID(requestID).WithProject(projectSlug)

	bp, err := d.deps.Blueprints.Load(projectSlug)
	if err != nil && !errors.Is(err, blueprint.ErrNotFound) {
		d.publishFailed(requestID, fmt.Sprintf("loading blueprint: %v", err))
		return NewValidationError("loading blueprint", err)
	}

	entries, err := d.deps.Tracker.List(ctx, projectSlug)
	if err != nil {
		d.publishFailed(requestID, fmt.Sprintf("listing tracked resources: %v", err))
		return NewPermanentError("listing tracked resources", err)
	}
	if len(only) > 0 {
		wanted := make(map[string]bool, len(only))
		for _, id := range only {
			wanted[id] = true
		}
		kept := entries[:0]
		for _, e := range entries {
			if wanted[e.ProviderID] {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if len(entries) == 0 {
		d.publishEvent(bus.StatusEvent{
			RequestID: requestID,
			Phase:     bus.PhaseCompleted,
			Message:   fmt.Sprintf("nothing to delete for %s", projectSlug),
		})
		log.Info("nothing to delete")
		return nil
	}

	bySlot := make(map[string]tracker.Entry, len(entries))
	slots := make([]string, 0, len(entries))
	for _, e := range entries {
		bySlot[e.SlotName] = e
		slots = append(slots, e.SlotName)
	}

	graph, err := NewDependencyGraph(slots)
	if err != nil {
		d.publishFailed(requestID, err.Error())
		return err
	}
	order := graph.DeletionOrder()
	total := len(order)

	d.publishEvent(bus.StatusEvent{
		RequestID:  requestID,
		Phase:      bus.PhaseStarted,
		TotalSteps: bus.IntPtr(total),
		Message:    fmt.Sprintf("deleting %d resource(s) of %s", total, projectSlug),
	})
	log.WithField("resources", total).Info("teardown started")

	failed := make(map[string]error)
	for step, slot := range order {
		entry := bySlot[slot]
		stepNum := step + 1

		if blocker := d.blockedBy(graph, slot, failed); blocker != "" {
			err := NewBlockedError(fmt.Sprintf("dependent slot %s was not deleted", blocker), nil).WithSlot(slot)
			failed[slot] = err
			d.deps.Metrics.RecordDeletion(entry.Kind, "blocked")
			d.publishEvent(bus.StatusEvent{
				RequestID:  requestID,
				Phase:      bus.PhaseProgress,
				Step:       bus.IntPtr(stepNum),
				TotalSteps: bus.IntPtr(total),
				Message:    fmt.Sprintf("%s blocked: %s still exists", slot, blocker),
				ResourceDeltas: []bus.ResourceDelta{
					{Slot: slot, ProviderID: entry.ProviderID, Status: string(blueprint.StatusFailed)},
				},
			})
			continue
		}

		// Persist the in-flight status first so a crash mid-call is
		// visible to the recovery pass.
		d.markStatus(bp, slot, blueprint.StatusDeleting)
		if bp != nil {
			if err := d.deps.Blueprints.Save(bp); err != nil {
				log.WithField("slot", slot).WithError(err).Warn("saving blueprint before deletion")
			}
		}

		outcome := "deleted"
		message := fmt.Sprintf("%s deleted (%s)", slot, entry.ProviderID)
		if err := d.deleteSlot(ctx, bp, bySlot, entry); err != nil {
			failed[slot] = err
			outcome = "failed"
			d.markStatus(bp, slot, blueprint.StatusFailed)
			message = fmt.Sprintf("%s failed: %v", slot, err)
			log.WithField("slot", slot).WithError(err).Error("deletion failed")
		} else {
			if err := d.deps.Tracker.Remove(ctx, projectSlug, slot); err != nil {
				log.WithField("slot", slot).WithError(err).Warn("removing tracker entry")
			}
			d.markDeleted(bp, slot)
		}
		d.deps.Metrics.RecordDeletion(entry.Kind, outcome)

		status := blueprint.StatusDeleted
		if outcome == "failed" {
			status = blueprint.StatusFailed
		}
		d.publishEvent(bus.StatusEvent{
			RequestID:  requestID,
			Phase:      bus.PhaseProgress,
			Step:       bus.IntPtr(stepNum),
			TotalSteps: bus.IntPtr(total),
			Message:    message,
			ResourceDeltas: []bus.ResourceDelta{
				{Slot: slot, ProviderID: entry.ProviderID, Status: string(status)},
			},
		})
	}

	if bp != nil {
		if err := d.deps.Blueprints.Save(bp); err != nil {
			log.WithError(err).Warn("saving blueprint after teardown")
		}
	}

	if len(failed) > 0 {
		msg := fmt.Sprintf("teardown of %s left %d resource(s) behind", projectSlug, len(failed))
		d.publishFailed(requestID, msg)
		log.WithField("remaining", len(failed)).Error("teardown incomplete")
		return NewPermanentError(msg, nil)
	}

	d.publishEvent(bus.StatusEvent{
		RequestID:  requestID,
		Phase:      bus.PhaseCompleted,
		Step:       bus.IntPtr(total),
		TotalSteps: bus.IntPtr(total),
		Message:    fmt.Sprintf("teardown of %s completed", projectSlug),
	})
	log.Info("teardown completed")
	return nil
}

// blockedBy returns the name of a still-existing dependent of slot, or "".
func (d *Deleter) blockedBy(graph *DependencyGraph, slot string, failed map[string]error) string {
	for _, dependent := range graph.Dependents(slot) {
		if _, ok := failed[dependent]; ok {
			return dependent
		}
	}
	return ""
}

// deleteSlot removes one resource from the provider. A not-found answer is
// success: someone already deleted it, which is the outcome we wanted.
func (d *Deleter) deleteSlot(ctx context.Context, bp *blueprint.Blueprint, bySlot map[string]tracker.Entry, entry tracker.Entry) error {
	var call func() error
	switch entry.SlotName {
	case blueprint.SlotInstance:
		call = func() error { return d.deps.Provider.TerminateInstance(ctx, entry.ProviderID) }
	case blueprint.SlotDatabase:
		call = func() error { return d.deps.Provider.DeleteDatabase(ctx, entry.ProviderID) }
	case blueprint.SlotBucket:
		call = func() error { return d.deps.Provider.DeleteBucket(ctx, entry.ProviderID) }
	case blueprint.SlotSecurityGroup:
		call = func() error { return d.deps.Provider.DeleteSecurityGroup(ctx, entry.ProviderID) }
	case blueprint.SlotKeyPair:
		call = func() error { return d.deps.Provider.DeleteKeyPair(ctx, entry.ProviderID) }
	case blueprint.SlotInstanceProfile:
		call = func() error { return d.deps.Provider.DeleteInstanceProfile(ctx, entry.ProviderID) }
	case blueprint.SlotRole:
		call = func() error { return d.deps.Provider.DeleteRole(ctx, entry.ProviderID) }
	case blueprint.SlotSubnet:
		// The provider releases subnet and VPC in one call. Making that
		// call here, at the subnet step, keeps the subnet tracked until
		// the provider confirms the deletion; the later VPC step then
		// sees not-found and succeeds.
		vpcID := ""
		if vpc, ok := bySlot[blueprint.SlotVPC]; ok {
			vpcID = vpc.ProviderID
		} else if bp != nil {
			vpcID = bp.Network.VPCID
		}
		call = func() error { return d.deps.Provider.DeleteNetwork(ctx, vpcID, entry.ProviderID) }
	case blueprint.SlotVPC:
		subnetID := ""
		if sub, ok := bySlot[blueprint.SlotSubnet]; ok {
			subnetID = sub.ProviderID
		}
		call = func() error { return d.deps.Provider.DeleteNetwork(ctx, entry.ProviderID, subnetID) }
	default:
		return NewValidationError(fmt.Sprintf("unknown slot %q", entry.SlotName), nil)
	}

	return d.callProvider(ctx, "Delete:"+entry.Kind, call)
}

func (d *Deleter) callProvider(ctx context.Context, operation string, fn func() error) error {
	policy := d.retry
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		_, span := d.deps.Tracer.StartProviderSpan(ctx, operation)
		d.deps.Metrics.RecordProviderCall(operation)
		err := fn()
		if err == nil || errors.Is(err, provider.ErrNotFound) {
			telemetry.RecordSuccess(span)
			span.End()
			return nil
		}
		classified := classifyProviderError(operation, err)
		telemetry.RecordError(span, classified)
		span.End()
		d.deps.Metrics.RecordProviderError(operation, string(Classify(classified)))
		lastErr = classified
		if !IsRetryable(classified) || attempt == policy.MaxAttempts {
			break
		}
		d.sleep(policy.BaseDelay << (attempt - 1))
	}
	return lastErr
}

// markStatus writes a slot status without touching recorded identifiers.
func (d *Deleter) markStatus(bp *blueprint.Blueprint, slot string, status blueprint.Status) {
	if bp == nil {
		return
	}
	switch slot {
	case blueprint.SlotVPC, blueprint.SlotSubnet:
		bp.Network.Status = status
	case blueprint.SlotSecurityGroup:
		bp.Network.SecurityGroupStatus = status
	case blueprint.SlotKeyPair:
		if bp.Security.KeyPair != nil {
			bp.Security.KeyPair.Status = status
		}
	case blueprint.SlotRole, blueprint.SlotInstanceProfile:
		if bp.Security.Identity != nil {
			bp.Security.Identity.Status = status
		}
	case blueprint.SlotInstance:
		if bp.Compute != nil {
			bp.Compute.Status = status
		}
	case blueprint.SlotDatabase:
		if bp.Data.Database != nil {
			bp.Data.Database.Status = status
		}
	case blueprint.SlotBucket:
		if bp.Data.Bucket != nil {
			bp.Data.Bucket.Status = status
		}
	}
}

func (d *Deleter) markDeleted(bp *blueprint.Blueprint, slot string) {
	if bp == nil {
		return
	}
	switch slot {
	case blueprint.SlotVPC, blueprint.SlotSubnet:
		bp.Network.Status = blueprint.StatusDeleted
		bp.Network.VPCID = ""
		bp.Network.SubnetID = ""
	case blueprint.SlotSecurityGroup:
		bp.Network.SecurityGroupStatus = blueprint.StatusDeleted
		bp.Network.SecurityGroupID = ""
	case blueprint.SlotKeyPair:
		if bp.Security.KeyPair != nil {
			bp.Security.KeyPair.Status = blueprint.StatusDeleted
		}
	case blueprint.SlotRole, blueprint.SlotInstanceProfile:
		if bp.Security.Identity != nil {
			bp.Security.Identity.Status = blueprint.StatusDeleted
		}
	case blueprint.SlotInstance:
		if bp.Compute != nil {
			bp.Compute.Status = blueprint.StatusDeleted
			bp.Compute.InstanceID = ""
			bp.Compute.PublicIP = ""
			bp.Compute.PrivateIP = ""
		}
	case blueprint.SlotDatabase:
		if bp.Data.Database != nil {
			bp.Data.Database.Status = blueprint.StatusDeleted
			bp.Data.Database.Identifier = ""
			bp.Data.Database.Endpoint = ""
		}
	case blueprint.SlotBucket:
		if bp.Data.Bucket != nil {
			bp.Data.Bucket.Status = blueprint.StatusDeleted
		}
	}
}

func (d *Deleter) publishEvent(ev bus.StatusEvent) {
	if err := bus.PublishStatus(d.deps.Bus, ev); err != nil {
		d.logger.WithError(err).Warn("publishing status event")
	}
}

func (d *Deleter) publishFailed(requestID, message string) {
	d.publishEvent(bus.StatusEvent{
		RequestID: requestID,
		Phase:     bus.PhaseFailed,
		Message:   message,
	})
}
