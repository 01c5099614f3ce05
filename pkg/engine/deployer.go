package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/skiffcloud/skiff/pkg/blueprint"
	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/provider"
	"github.com/skiffcloud/skiff/pkg/telemetry"
	"github.com/skiffcloud/skiff/pkg/tracker"
)

// DeployTotalSteps is the fixed step count of a deployment. Optional slots
// still occupy their step and report it as skipped, so consumers always see
// a contiguous 1..8 sequence.
const DeployTotalSteps = 8

// ErrCancelled is returned when a deployment stops at a step boundary
// because its cancel flag was raised. Completed steps are not rolled back.
var ErrCancelled = errors.New("engine: deployment cancelled")

// CancelFlag is a raise-once signal checked between deployment steps.
// The step in flight when the flag is raised always runs to completion.
type CancelFlag struct {
	raised atomic.Bool
}

// Cancel raises the flag.
func (c *CancelFlag) Cancel() { c.raised.Store(true) }

// Cancelled reports whether the flag has been raised.
func (c *CancelFlag) Cancelled() bool { return c.raised.Load() }

// Deployer provisions a project's topology slot by slot, recording each
// resource in the tracker before writing its identifier back to the
// blueprint.
type Deployer struct {
	deps   Deps
	retry  RetryPolicy
	keyDir string
	logger *telemetry.Logger

	// sleep is replaced in tests to skip real backoff waits.
	sleep func(time.Duration)
}

// NewDeployer creates a deployer. Generated private keys are written under
// keyDir.
func NewDeployer(deps Deps, retry RetryPolicy, keyDir string) *Deployer {
	return &Deployer{
		deps:   deps,
		retry:  retry.orDefault(),
		keyDir: keyDir,
		logger: deps.Logger.NewComponentLogger("deployer"),
		sleep:  time.Sleep,
	}
}

type stepResult struct {
	skipped bool
	message string
	deltas  []bus.ResourceDelta
}

type deployStep struct {
	name string
	run  func(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error)
}

// Deploy runs the eight-step deployment for one project. It publishes a
// started event, one progress event per step, and a terminal completed or
// failed event. A failure stops the run without rolling back earlier steps.
func (d *Deployer) Deploy(ctx context.Context, requestID, projectSlug string, cancel *CancelFlag) error {
	log := d.logger.WithRequestID(requestID).WithProject(projectSlug)

	bp, err := d.deps.Blueprints.Load(projectSlug)
	if err != nil {
		d.publishFailed(requestID, nil, fmt.Sprintf("loading blueprint: %v", err))
		return NewValidationError("loading blueprint", err)
	}

	d.publishEvent(bus.StatusEvent{
		RequestID:  requestID,
		Phase:      bus.PhaseStarted,
		TotalSteps: bus.IntPtr(DeployTotalSteps),
		Message:    fmt.Sprintf("deploying %s to %s", projectSlug, bp.Project.Region),
	})
	log.Info("deployment started")

	steps := []deployStep{
		{"network", d.stepNetwork},
		{"security group", d.stepSecurityGroup},
		{"key pair", d.stepKeyPair},
		{"identity", d.stepIdentity},
		{"instance", d.stepInstance},
		{"database", d.stepDatabase},
		{"bucket", d.stepBucket},
		{"verify", d.stepVerify},
	}

	for i, step := range steps {
		stepNum := i + 1
		if cancel != nil && cancel.Cancelled() {
			log.WithField("step", step.name).Warn("deployment cancelled")
			d.publishFailed(requestID, bus.IntPtr(stepNum), "deployment cancelled")
			return ErrCancelled
		}

		stepCtx, span := d.deps.Tracer.StartStepSpan(ctx, step.name, "")
		start := time.Now()
		res, err := step.run(stepCtx, bp)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			d.deps.Metrics.RecordStep(step.name, "failed", time.Since(start))
			log.WithField("step", step.name).WithError(err).Error("deployment step failed")
			d.publishEvent(bus.StatusEvent{
				RequestID:  requestID,
				Phase:      bus.PhaseFailed,
				Step:       bus.IntPtr(stepNum),
				TotalSteps: bus.IntPtr(DeployTotalSteps),
				Message:    fmt.Sprintf("%s: %v", step.name, err),
			})
			return err
		}
		telemetry.RecordSuccess(span)
		span.End()

		outcome := "succeeded"
		if res.skipped {
			outcome = "skipped"
		}
		d.deps.Metrics.RecordStep(step.name, outcome, time.Since(start))

		d.publishEvent(bus.StatusEvent{
			RequestID:      requestID,
			Phase:          bus.PhaseProgress,
			Step:           bus.IntPtr(stepNum),
			TotalSteps:     bus.IntPtr(DeployTotalSteps),
			Message:        res.message,
			ResourceDeltas: res.deltas,
		})
	}

	d.publishEvent(bus.StatusEvent{
		RequestID:  requestID,
		Phase:      bus.PhaseCompleted,
		Step:       bus.IntPtr(DeployTotalSteps),
		TotalSteps: bus.IntPtr(DeployTotalSteps),
		Message:    fmt.Sprintf("deployment of %s completed", projectSlug),
	})
	log.Info("deployment completed")
	return nil
}

func (d *Deployer) publishEvent(ev bus.StatusEvent) {
	if err := bus.PublishStatus(d.deps.Bus, ev); err != nil {
		d.logger.WithError(err).Warn("publishing status event")
	}
}

func (d *Deployer) publishFailed(requestID string, step *int, message string) {
	d.publishEvent(bus.StatusEvent{
		RequestID:  requestID,
		Phase:      bus.PhaseFailed,
		Step:       step,
		TotalSteps: bus.IntPtr(DeployTotalSteps),
		Message:    message,
	})
}

// callProvider invokes fn with in-step retries on transient failures. The
// provider's throttle sentinel counts as transient; everything else is
// permanent.
func (d *Deployer) callProvider(ctx context.Context, operation string, fn func() error) error {
	policy := d.retry
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		_, span := d.deps.Tracer.StartProviderSpan(ctx, operation)
		d.deps.Metrics.RecordProviderCall(operation)
		err := fn()
		if err == nil {
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

func classifyProviderError(operation string, err error) error {
	if errors.Is(err, provider.ErrThrottled) {
		return NewTransientError("provider throttled", err).WithOperation(operation)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("provider timeout", err).WithOperation(operation)
	}
	return NewPermanentError("provider call failed", err).WithOperation(operation)
}

// record registers a resource in the tracker. This always happens before
// the blueprint write so a crash between the two leaves the resource
// discoverable by slot.
func (d *Deployer) record(ctx context.Context, bp *blueprint.Blueprint, slot, kind, providerID string) error {
	err := d.deps.Tracker.Record(ctx, tracker.Entry{
		ProjectSlug: bp.Project.Slug,
		SlotName:    slot,
		Kind:        kind,
		ProviderID:  providerID,
		Region:      bp.Project.Region,
	})
	if err != nil {
		return NewPermanentError("recording resource", err).WithSlot(slot)
	}
	return nil
}

func (d *Deployer) save(bp *blueprint.Blueprint) error {
	if err := d.deps.Blueprints.Save(bp); err != nil {
		return NewPermanentError("saving blueprint", err)
	}
	return nil
}

func (d *Deployer) stepNetwork(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	if bp.Network.Status == blueprint.StatusCreated && bp.Network.VPCID != "" {
		return &stepResult{
			skipped: true,
			message: fmt.Sprintf("network already provisioned (%s)", bp.Network.VPCID),
		}, nil
	}

	// Persist the in-flight status before touching the provider so a crash
	// mid-call is visible to the recovery pass.
	bp.Network.Status = blueprint.StatusCreating
	if err := d.save(bp); err != nil {
		return nil, err
	}

	var net *provider.Network
	err := d.callProvider(ctx, "EnsureNetwork", func() error {
		var err error
		net, err = d.deps.Provider.EnsureNetwork(ctx, provider.NetworkSpec{
			ProjectSlug: bp.Project.Slug,
			VPCCIDR:     bp.Network.VPCCIDR,
			SubnetCIDR:  bp.Network.SubnetCIDR,
			UseDefault:  bp.Network.UseDefault,
		})
		return err
	})
	if err != nil {
		bp.Network.Status = blueprint.StatusFailed
		if saveErr := d.save(bp); saveErr != nil {
			d.logger.WithError(saveErr).Warn("saving blueprint after network failure")
		}
		return nil, err
	}

	// Default networks are borrowed, not owned; they are never tracked
	// and never deleted on teardown.
	if !net.Default {
		if err := d.record(ctx, bp, blueprint.SlotVPC, "vpc", net.VPCID); err != nil {
			return nil, err
		}
		if err := d.record(ctx, bp, blueprint.SlotSubnet, "subnet", net.SubnetID); err != nil {
			return nil, err
		}
	}

	bp.Network.VPCID = net.VPCID
	bp.Network.SubnetID = net.SubnetID
	bp.Network.Status = blueprint.StatusCreated
	if err := d.save(bp); err != nil {
		return nil, err
	}

	return &stepResult{
		message: fmt.Sprintf("network ready (%s)", net.VPCID),
		deltas: []bus.ResourceDelta{
			{Slot: blueprint.SlotVPC, ProviderID: net.VPCID, Status: string(blueprint.StatusCreated)},
			{Slot: blueprint.SlotSubnet, ProviderID: net.SubnetID, Status: string(blueprint.StatusCreated)},
		},
	}, nil
}

func (d *Deployer) stepSecurityGroup(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	if bp.Network.SecurityGroupStatus == blueprint.StatusCreated && bp.Network.SecurityGroupID != "" {
		return &stepResult{
			skipped: true,
			message: fmt.Sprintf("security group already provisioned (%s)", bp.Network.SecurityGroupID),
		}, nil
	}

	rules := make([]provider.IngressRule, 0, len(bp.Network.Ingress))
	for _, r := range bp.Network.Ingress {
		rules = append(rules, provider.IngressRule{
			Protocol: r.Protocol,
			FromPort: r.FromPort,
			ToPort:   r.ToPort,
			CIDR:     r.CIDR,
		})
	}

	bp.Network.SecurityGroupStatus = blueprint.StatusCreating
	if err := d.save(bp); err != nil {
		return nil, err
	}

	var sgID string
	err := d.callProvider(ctx, "CreateSecurityGroup", func() error {
		var err error
		sgID, err = d.deps.Provider.CreateSecurityGroup(ctx, provider.SecurityGroupSpec{
			ProjectSlug: bp.Project.Slug,
			VPCID:       bp.Network.VPCID,
			Ingress:     rules,
		})
		return err
	})
	if err != nil {
		bp.Network.SecurityGroupStatus = blueprint.StatusFailed
		if saveErr := d.save(bp); saveErr != nil {
			d.logger.WithError(saveErr).Warn("saving blueprint after security group failure")
		}
		return nil, err
	}

	if err := d.record(ctx, bp, blueprint.SlotSecurityGroup, "security_group", sgID); err != nil {
		return nil, err
	}
	bp.Network.SecurityGroupID = sgID
	bp.Network.SecurityGroupStatus = blueprint.StatusCreated
	if err := d.save(bp); err != nil {
		return nil, err
	}

	return &stepResult{
		message: fmt.Sprintf("security group ready (%s)", sgID),
		deltas: []bus.ResourceDelta{
			{Slot: blueprint.SlotSecurityGroup, ProviderID: sgID, Status: string(blueprint.StatusCreated)},
		},
	}, nil
}

func (d *Deployer) stepKeyPair(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	kp := bp.Security.KeyPair
	if kp == nil {
		return &stepResult{skipped: true, message: "no key pair requested"}, nil
	}
	if kp.Status == blueprint.StatusCreated && kp.Name != "" {
		return &stepResult{
			skipped: true,
			message: fmt.Sprintf("key pair already imported (%s)", kp.Name),
		}, nil
	}

	if kp.PublicKey == "" {
		generated, err := provider.GenerateKeyPair(bp.Project.Slug)
		if err != nil {
			return nil, NewPermanentError("generating key pair", err).WithSlot(blueprint.SlotKeyPair)
		}
		if err := generated.SavePrivateKey(d.keyDir); err != nil {
			return nil, NewPermanentError("saving private key", err).WithSlot(blueprint.SlotKeyPair)
		}
		kp.Name = generated.Name
		kp.PublicKey = generated.PublicKey
		d.logger.WithProject(bp.Project.Slug).
			WithField("path", generated.PrivateKeyPath).
			Info("generated ssh key pair")
	}
	if kp.Name == "" {
		kp.Name = bp.Project.Slug + "-key"
	}

	kp.Status = blueprint.StatusCreating
	if err := d.save(bp); err != nil {
		return nil, err
	}

	err := d.callProvider(ctx, "ImportKeyPair", func() error {
		_, err := d.deps.Provider.ImportKeyPair(ctx, kp.Name, kp.PublicKey)
		return err
	})
	if err != nil {
		kp.Status = blueprint.StatusFailed
		if saveErr := d.save(bp); saveErr != nil {
			d.logger.WithError(saveErr).Warn("saving blueprint after key pair failure")
		}
		return nil, err
	}

	if err := d.record(ctx, bp, blueprint.SlotKeyPair, "key_pair", kp.Name); err != nil {
		return nil, err
	}
	kp.Status = blueprint.StatusCreated
	if err := d.save(bp); err != nil {
		return nil, err
	}

	return &stepResult{
		message: fmt.Sprintf("key pair imported (%s)", kp.Name),
		deltas: []bus.ResourceDelta{
			{Slot: blueprint.SlotKeyPair, ProviderID: kp.Name, Status: string(blueprint.StatusCreated)},
		},
	}, nil
}

func (d *Deployer) stepIdentity(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	identity := bp.Security.Identity
	if identity == nil {
		return &stepResult{skipped: true, message: "no identity role requested"}, nil
	}
	if identity.Status == blueprint.StatusCreated && identity.ProfileID != "" {
		return &stepResult{
			skipped: true,
			message: fmt.Sprintf("identity already provisioned (%s)", identity.ProfileID),
		}, nil
	}

	if identity.RoleName == "" {
		identity.RoleName = bp.Project.Slug + "-role"
	}
	if identity.ProfileName == "" {
		identity.ProfileName = bp.Project.Slug + "-profile"
	}
	spec := provider.RoleSpec{
		ProjectSlug: bp.Project.Slug,
		RoleName:    identity.RoleName,
		ProfileName: identity.ProfileName,
	}

	identity.Status = blueprint.StatusCreating
	if err := d.save(bp); err != nil {
		return nil, err
	}

	var roleID string
	err := d.callProvider(ctx, "CreateRole", func() error {
		var err error
		roleID, err = d.deps.Provider.CreateRole(ctx, spec)
		return err
	})
	if err == nil {
		if err := d.record(ctx, bp, blueprint.SlotRole, "role", roleID); err != nil {
			return nil, err
		}
		identity.RoleID = roleID
		err = d.callProvider(ctx, "CreateInstanceProfile", func() error {
			var err error
			identity.ProfileID, err = d.deps.Provider.CreateInstanceProfile(ctx, spec)
			return err
		})
	}
	if err != nil {
		identity.Status = blueprint.StatusFailed
		if saveErr := d.save(bp); saveErr != nil {
			d.logger.WithError(saveErr).Warn("saving blueprint after identity failure")
		}
		return nil, err
	}

	if err := d.record(ctx, bp, blueprint.SlotInstanceProfile, "instance_profile", identity.ProfileID); err != nil {
		return nil, err
	}
	identity.Status = blueprint.StatusCreated
	if err := d.save(bp); err != nil {
		return nil, err
	}

	return &stepResult{
		message: fmt.Sprintf("identity ready (%s)", identity.ProfileID),
		deltas: []bus.ResourceDelta{
			{Slot: blueprint.SlotRole, ProviderID: identity.RoleID, Status: string(blueprint.StatusCreated)},
			{Slot: blueprint.SlotInstanceProfile, ProviderID: identity.ProfileID, Status: string(blueprint.StatusCreated)},
		},
	}, nil
}

func (d *Deployer) stepInstance(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	compute := bp.Compute
	if compute == nil {
		return &stepResult{skipped: true, message: "no instance requested"}, nil
	}
	if compute.Status == blueprint.StatusCreated && compute.InstanceID != "" {
		return &stepResult{
			skipped: true,
			message: fmt.Sprintf("instance already running (%s)", compute.InstanceID),
		}, nil
	}

	spec := provider.InstanceSpec{
		ProjectSlug:     bp.Project.Slug,
		SubnetID:        bp.Network.SubnetID,
		SecurityGroupID: bp.Network.SecurityGroupID,
		InstanceType:    compute.InstanceType,
		ImageID:         compute.ImageID,
		UserData:        compute.UserData,
	}
	if bp.Security.KeyPair != nil {
		spec.KeyPairName = bp.Security.KeyPair.Name
	}
	if bp.Security.Identity != nil {
		spec.ProfileName = bp.Security.Identity.ProfileName
	}

	compute.Status = blueprint.StatusCreating
	if err := d.save(bp); err != nil {
		return nil, err
	}

	var inst *provider.Instance
	err := d.callProvider(ctx, "LaunchInstance", func() error {
		var err error
		inst, err = d.deps.Provider.LaunchInstance(ctx, spec)
		return err
	})
	if err != nil {
		compute.Status = blueprint.StatusFailed
		if saveErr := d.save(bp); saveErr != nil {
			d.logger.WithError(saveErr).Warn("saving blueprint after instance failure")
		}
		return nil, err
	}

	if err := d.record(ctx, bp, blueprint.SlotInstance, "instance", inst.ID); err != nil {
		return nil, err
	}
	compute.InstanceID = inst.ID
	compute.PublicIP = inst.PublicIP
	compute.PrivateIP = inst.PrivateIP
	compute.Status = blueprint.StatusCreated
	if err := d.save(bp); err != nil {
		return nil, err
	}

	return &stepResult{
		message: fmt.Sprintf("instance launched (%s)", inst.ID),
		deltas: []bus.ResourceDelta{
			{Slot: blueprint.SlotInstance, ProviderID: inst.ID, Status: string(blueprint.StatusCreated)},
		},
	}, nil
}

func (d *Deployer) stepDatabase(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	db := bp.Data.Database
	if db == nil {
		return &stepResult{skipped: true, message: "no database requested"}, nil
	}
	if db.Status == blueprint.StatusCreated && db.Identifier != "" {
		return &stepResult{
			skipped: true,
			message: fmt.Sprintf("database already provisioned (%s)", db.Identifier),
		}, nil
	}

	db.Status = blueprint.StatusCreating
	if err := d.save(bp); err != nil {
		return nil, err
	}

	var created *provider.Database
	err := d.callProvider(ctx, "CreateDatabase", func() error {
		var err error
		created, err = d.deps.Provider.CreateDatabase(ctx, provider.DatabaseSpec{
			ProjectSlug:     bp.Project.Slug,
			SubnetID:        bp.Network.SubnetID,
			SecurityGroupID: bp.Network.SecurityGroupID,
			Engine:          db.Engine,
			Class:           db.Class,
			StorageGB:       db.StorageGB,
		})
		return err
	})
	if err != nil {
		db.Status = blueprint.StatusFailed
		if saveErr := d.save(bp); saveErr != nil {
			d.logger.WithError(saveErr).Warn("saving blueprint after database failure")
		}
		return nil, err
	}

	if err := d.record(ctx, bp, blueprint.SlotDatabase, "database", created.Identifier); err != nil {
		return nil, err
	}
	db.Identifier = created.Identifier
	db.Endpoint = created.Endpoint
	db.Status = blueprint.StatusCreated
	if err := d.save(bp); err != nil {
		return nil, err
	}

	return &stepResult{
		message: fmt.Sprintf("database ready (%s)", created.Identifier),
		deltas: []bus.ResourceDelta{
			{Slot: blueprint.SlotDatabase, ProviderID: created.Identifier, Status: string(blueprint.StatusCreated)},
		},
	}, nil
}

func (d *Deployer) stepBucket(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	bucket := bp.Data.Bucket
	if bucket == nil {
		return &stepResult{skipped: true, message: "no bucket requested"}, nil
	}
	if bucket.Status == blueprint.StatusCreated && bucket.Name != "" {
		return &stepResult{
			skipped: true,
			message: fmt.Sprintf("bucket already provisioned (%s)", bucket.Name),
		}, nil
	}

	if bucket.Name == "" {
		bucket.Name = bp.Project.Slug + "-assets"
	}

	bucket.Status = blueprint.StatusCreating
	if err := d.save(bp); err != nil {
		return nil, err
	}

	err := d.callProvider(ctx, "CreateBucket", func() error {
		_, err := d.deps.Provider.CreateBucket(ctx, bucket.Name)
		return err
	})
	if err != nil {
		bucket.Status = blueprint.StatusFailed
		if saveErr := d.save(bp); saveErr != nil {
			d.logger.WithError(saveErr).Warn("saving blueprint after bucket failure")
		}
		return nil, err
	}

	if err := d.record(ctx, bp, blueprint.SlotBucket, "bucket", bucket.Name); err != nil {
		return nil, err
	}
	bucket.Status = blueprint.StatusCreated
	if err := d.save(bp); err != nil {
		return nil, err
	}

	return &stepResult{
		message: fmt.Sprintf("bucket ready (%s)", bucket.Name),
		deltas: []bus.ResourceDelta{
			{Slot: blueprint.SlotBucket, ProviderID: bucket.Name, Status: string(blueprint.StatusCreated)},
		},
	}, nil
}

// stepVerify confirms that the provisioned compute and database slots still
// describe cleanly. Verification never mutates provider state.
func (d *Deployer) stepVerify(ctx context.Context, bp *blueprint.Blueprint) (*stepResult, error) {
	verified := 0
	if bp.Compute != nil && bp.Compute.InstanceID != "" {
		err := d.callProvider(ctx, "DescribeInstance", func() error {
			_, err := d.deps.Provider.DescribeInstance(ctx, bp.Compute.InstanceID)
			return err
		})
		if err != nil {
			return nil, NewPermanentError("instance did not verify", err).WithSlot(blueprint.SlotInstance)
		}
		verified++
	}
	if bp.Data.Database != nil && bp.Data.Database.Identifier != "" {
		err := d.callProvider(ctx, "DescribeDatabase", func() error {
			_, err := d.deps.Provider.DescribeDatabase(ctx, bp.Data.Database.Identifier)
			return err
		})
		if err != nil {
			return nil, NewPermanentError("database did not verify", err).WithSlot(blueprint.SlotDatabase)
		}
		verified++
	}
	if verified == 0 {
		return &stepResult{skipped: true, message: "nothing to verify"}, nil
	}
	return &stepResult{message: fmt.Sprintf("verified %d resource(s)", verified)}, nil
}
