package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/skiffcloud/skiff/pkg/blueprint"
	"github.com/skiffcloud/skiff/pkg/telemetry"
	"github.com/skiffcloud/skiff/pkg/tracker"
)

// Recovery reconciles blueprints left mid-operation by a crash. A slot
// stuck in creating resolves to created when the tracker has its entry
// (tracker writes precede blueprint writes) and to failed when it does not.
// A slot stuck in deleting resolves to deleted when the tracker entry is
// gone and to failed when it remains, so a re-terminate can pick it up.
type Recovery struct {
	deps   Deps
	logger *telemetry.Logger
}

// NewRecovery creates a recovery pass.
func NewRecovery(deps Deps) *Recovery {
	return &Recovery{deps: deps, logger: deps.Logger.NewComponentLogger("recovery")}
}

// Run sweeps every blueprint once and returns the slugs it repaired.
func (r *Recovery) Run(ctx context.Context) ([]string, error) {
	slugs, err := r.deps.Blueprints.List()
	if err != nil {
		return nil, fmt.Errorf("listing blueprints: %w", err)
	}

	var repaired []string
	for _, slug := range slugs {
		bp, err := r.deps.Blueprints.Load(slug)
		if err != nil {
			r.logger.WithProject(slug).WithError(err).Warn("skipping unreadable blueprint")
			continue
		}
		if !bp.HasInFlight() {
			continue
		}

		changed, err := r.repair(ctx, bp)
		if err != nil {
			r.logger.WithProject(slug).WithError(err).Error("recovery failed")
			continue
		}
		if changed {
			if err := r.deps.Blueprints.Save(bp); err != nil {
				r.logger.WithProject(slug).WithError(err).Error("saving repaired blueprint")
				continue
			}
			repaired = append(repaired, slug)
			r.logger.WithProject(slug).Info("repaired interrupted operation")
		}
	}
	return repaired, nil
}

func (r *Recovery) repair(ctx context.Context, bp *blueprint.Blueprint) (bool, error) {
	changed := false

	// restoreID copies a tracked provider ID back into the blueprint when
	// the crash landed between the tracker write and the blueprint save.
	// Without it a repaired slot would read created with an empty
	// identifier, and the next deploy would provision a duplicate.
	restoreID := func(slot string, dst *string) error {
		if *dst != "" {
			return nil
		}
		entry, err := r.deps.Tracker.Get(ctx, bp.Project.Slug, slot)
		if err != nil {
			if errors.Is(err, tracker.ErrNotFound) {
				return nil
			}
			return err
		}
		*dst = entry.ProviderID
		return nil
	}

	fix := func(slot string, status *blueprint.Status, ids ...*string) error {
		if status == nil || !status.InFlight() {
			return nil
		}
		tracked := true
		entry, err := r.deps.Tracker.Get(ctx, bp.Project.Slug, slot)
		if err != nil {
			if !errors.Is(err, tracker.ErrNotFound) {
				return err
			}
			tracked = false
		}

		switch *status {
		case blueprint.StatusCreating:
			if tracked {
				*status = blueprint.StatusCreated
				if len(ids) > 0 && *ids[0] == "" {
					*ids[0] = entry.ProviderID
				}
			} else {
				*status = blueprint.StatusFailed
			}
		case blueprint.StatusDeleting:
			if tracked {
				*status = blueprint.StatusFailed
			} else {
				*status = blueprint.StatusDeleted
			}
		}
		changed = true
		return nil
	}

	if err := fix(blueprint.SlotVPC, &bp.Network.Status, &bp.Network.VPCID); err != nil {
		return changed, err
	}
	if bp.Network.Status == blueprint.StatusCreated {
		// The subnet shares the network status and its ID lives in a
		// sibling tracker entry.
		if err := restoreID(blueprint.SlotSubnet, &bp.Network.SubnetID); err != nil {
			return changed, err
		}
	}
	if err := fix(blueprint.SlotSecurityGroup, &bp.Network.SecurityGroupStatus, &bp.Network.SecurityGroupID); err != nil {
		return changed, err
	}
	if bp.Security.KeyPair != nil {
		if err := fix(blueprint.SlotKeyPair, &bp.Security.KeyPair.Status, &bp.Security.KeyPair.Name); err != nil {
			return changed, err
		}
	}
	if bp.Security.Identity != nil {
		if err := fix(blueprint.SlotInstanceProfile, &bp.Security.Identity.Status, &bp.Security.Identity.ProfileID); err != nil {
			return changed, err
		}
		if bp.Security.Identity.Status == blueprint.StatusCreated {
			if err := restoreID(blueprint.SlotRole, &bp.Security.Identity.RoleID); err != nil {
				return changed, err
			}
		}
	}
	if bp.Compute != nil {
		if err := fix(blueprint.SlotInstance, &bp.Compute.Status, &bp.Compute.InstanceID); err != nil {
			return changed, err
		}
	}
	if bp.Data.Database != nil {
		if err := fix(blueprint.SlotDatabase, &bp.Data.Database.Status, &bp.Data.Database.Identifier); err != nil {
			return changed, err
		}
	}
	if bp.Data.Bucket != nil {
		if err := fix(blueprint.SlotBucket, &bp.Data.Bucket.Status, &bp.Data.Bucket.Name); err != nil {
			return changed, err
		}
	}
	return changed, nil
}
