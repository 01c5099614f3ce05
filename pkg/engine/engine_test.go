package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/skiffcloud/skiff/pkg/blueprint"
	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/provider"
	"github.com/skiffcloud/skiff/pkg/telemetry"
	"github.com/skiffcloud/skiff/pkg/tracker"
)

type testEnv struct {
	deps    Deps
	fake    *provider.Fake
	dataDir string
	status  *bus.Subscription
}

// fastRetry keeps transient retries but skips real backoff sleeps.
var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "disabled", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "skiff-test", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	dataDir := t.TempDir()
	bps, err := blueprint.NewStore(dataDir, logger)
	if err != nil {
		t.Fatalf("blueprint.NewStore: %v", err)
	}
	trk, err := tracker.NewStore(tracker.Config{Path: filepath.Join(dataDir, "registry.db")})
	if err != nil {
		t.Fatalf("tracker.NewStore: %v", err)
	}
	if err := trk.Init(context.Background()); err != nil {
		t.Fatalf("tracker.Init: %v", err)
	}
	t.Cleanup(func() { trk.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	fake := provider.NewFake("eu-west-1")
	env := &testEnv{
		deps: Deps{
			Blueprints: bps,
			Tracker:    trk,
			Provider:   fake,
			Bus:        b,
			Logger:     logger,
			Metrics:    metrics,
			Tracer:     tracer,
		},
		fake:    fake,
		dataDir: dataDir,
		status:  b.Subscribe(bus.ChannelStatus),
	}
	t.Cleanup(env.status.Close)
	return env
}

func (e *testEnv) deployer(t *testing.T) *Deployer {
	t.Helper()
	d := NewDeployer(e.deps, fastRetry, filepath.Join(e.dataDir, "keys"))
	d.sleep = func(time.Duration) {}
	return d
}

func (e *testEnv) deleter(t *testing.T) *Deleter {
	t.Helper()
	d := NewDeleter(e.deps, fastRetry)
	d.sleep = func(time.Duration) {}
	return d
}

func (e *testEnv) saveBlueprint(t *testing.T, bp *blueprint.Blueprint) {
	t.Helper()
	if err := e.deps.Blueprints.Save(bp); err != nil {
		t.Fatalf("saving blueprint: %v", err)
	}
}

// drainStatus collects status events for one request until a terminal phase.
func (e *testEnv) drainStatus(t *testing.T, requestID string) []bus.StatusEvent {
	t.Helper()
	var events []bus.StatusEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-e.status.C():
			if !ok {
				t.Fatal("status subscription closed early")
			}
			ev, err := bus.DecodeStatus(msg)
			if err != nil {
				t.Fatalf("DecodeStatus: %v", err)
			}
			if ev.RequestID != requestID {
				continue
			}
			events = append(events, ev)
			if ev.Phase.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("no terminal event for %s; got %d events", requestID, len(events))
		}
	}
}

func fullBlueprint() *blueprint.Blueprint {
	return &blueprint.Blueprint{
		Project: blueprint.Project{Name: "Demo Shop", Region: "eu-west-1"},
		Network: blueprint.Network{
			VPCCIDR:    "10.0.0.0/16",
			SubnetCIDR: "10.0.1.0/24",
			Ingress: []blueprint.IngressRule{
				{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: "0.0.0.0/0"},
			},
		},
		Compute: &blueprint.Compute{InstanceType: "t3.micro", ImageID: "ami-0abcd1234"},
		Data: blueprint.Data{
			Database: &blueprint.Database{Engine: "postgres", Class: "db.t3.micro", StorageGB: 20},
			Bucket:   &blueprint.Bucket{},
		},
		Security: blueprint.Security{
			KeyPair:  &blueprint.KeyPair{},
			Identity: &blueprint.IdentityRole{},
		},
	}
}

func TestDeployFullBlueprint(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, fullBlueprint())

	if err := env.deployer(t).Deploy(context.Background(), "req-1", "demo-shop", nil); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	events := env.drainStatus(t, "req-1")

	last := events[len(events)-1]
	if last.Phase != bus.PhaseCompleted {
		t.Fatalf("terminal phase = %s: %s", last.Phase, last.Message)
	}

	// Progress steps must be contiguous 1..8 and carry the fixed total.
	var steps []int
	for _, ev := range events {
		if ev.Phase != bus.PhaseProgress {
			continue
		}
		if ev.Step == nil || ev.TotalSteps == nil {
			t.Fatalf("progress event without counters: %+v", ev)
		}
		if *ev.TotalSteps != DeployTotalSteps {
			t.Errorf("total steps = %d, want %d", *ev.TotalSteps, DeployTotalSteps)
		}
		steps = append(steps, *ev.Step)
	}
	if len(steps) != DeployTotalSteps {
		t.Fatalf("progress events = %d, want %d", len(steps), DeployTotalSteps)
	}
	for i, s := range steps {
		if s != i+1 {
			t.Errorf("step[%d] = %d, want %d", i, s, i+1)
		}
	}

	// Every slot is tracked and the blueprint carries the identifiers.
	entries, err := env.deps.Tracker.List(context.Background(), "demo-shop")
	if err != nil {
		t.Fatalf("tracker.List: %v", err)
	}
	if len(entries) != 9 {
		t.Errorf("tracked entries = %d, want 9", len(entries))
	}

	bp, err := env.deps.Blueprints.Load("demo-shop")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bp.Network.VPCID == "" || bp.Network.SecurityGroupID == "" {
		t.Errorf("network identifiers missing: %+v", bp.Network)
	}
	if bp.Compute.Status != blueprint.StatusCreated || bp.Compute.InstanceID == "" {
		t.Errorf("compute = %+v", bp.Compute)
	}
	if bp.Data.Database.Endpoint == "" {
		t.Errorf("database endpoint missing")
	}
	if bp.Data.Bucket.Name != "demo-shop-assets" {
		t.Errorf("bucket name = %q", bp.Data.Bucket.Name)
	}
}

func TestDeployMinimalBlueprintSkipsOptionalSteps(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, &blueprint.Blueprint{
		Project: blueprint.Project{Name: "bare", Region: "eu-west-1"},
		Network: blueprint.Network{VPCCIDR: "10.0.0.0/16", SubnetCIDR: "10.0.1.0/24"},
	})

	if err := env.deployer(t).Deploy(context.Background(), "req-min", "bare", nil); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	events := env.drainStatus(t, "req-min")

	// Optional slots still occupy their step, so the sequence stays 1..8.
	progress := 0
	for _, ev := range events {
		if ev.Phase == bus.PhaseProgress {
			progress++
			if *ev.Step != progress {
				t.Errorf("step = %d, want %d", *ev.Step, progress)
			}
		}
	}
	if progress != DeployTotalSteps {
		t.Errorf("progress events = %d, want %d", progress, DeployTotalSteps)
	}
	if env.fake.CallCount("LaunchInstance") != 0 {
		t.Error("instance launched for blueprint without compute section")
	}
}

func TestDeployFailureStopsWithoutRollback(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, fullBlueprint())
	env.fake.StickyFailOn["LaunchInstance"] = errors.New("insufficient capacity")

	err := env.deployer(t).Deploy(context.Background(), "req-fail", "demo-shop", nil)
	if err == nil {
		t.Fatal("expected deploy failure")
	}
	events := env.drainStatus(t, "req-fail")

	last := events[len(events)-1]
	if last.Phase != bus.PhaseFailed {
		t.Fatalf("terminal phase = %s", last.Phase)
	}
	if last.Step == nil || *last.Step != 5 {
		t.Errorf("failed step = %v, want 5", last.Step)
	}

	// No rollback: everything created before the failure stays tracked.
	entries, err := env.deps.Tracker.List(context.Background(), "demo-shop")
	if err != nil {
		t.Fatalf("tracker.List: %v", err)
	}
	if len(entries) != 6 { // vpc, subnet, sg, key pair, role, profile
		t.Errorf("tracked entries = %d, want 6", len(entries))
	}
	if env.fake.CallCount("CreateDatabase") != 0 {
		t.Error("later step ran after failure")
	}

	bp, _ := env.deps.Blueprints.Load("demo-shop")
	if bp.Compute.Status != blueprint.StatusFailed {
		t.Errorf("compute status = %s, want failed", bp.Compute.Status)
	}
}

func TestDeployRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, fullBlueprint())
	env.fake.FailOn["CreateDatabase"] = provider.ErrThrottled

	if err := env.deployer(t).Deploy(context.Background(), "req-retry", "demo-shop", nil); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	env.drainStatus(t, "req-retry")

	if got := env.fake.CallCount("CreateDatabase"); got != 2 {
		t.Errorf("CreateDatabase calls = %d, want 2 (throttle then success)", got)
	}
}

func TestDeployIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, fullBlueprint())
	d := env.deployer(t)

	if err := d.Deploy(context.Background(), "req-a", "demo-shop", nil); err != nil {
		t.Fatalf("first Deploy: %v", err)
	}
	env.drainStatus(t, "req-a")
	launches := env.fake.CallCount("LaunchInstance")

	if err := d.Deploy(context.Background(), "req-b", "demo-shop", nil); err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	env.drainStatus(t, "req-b")

	if got := env.fake.CallCount("LaunchInstance"); got != launches {
		t.Errorf("second deploy launched another instance (calls %d -> %d)", launches, got)
	}
	entries, _ := env.deps.Tracker.List(context.Background(), "demo-shop")
	if len(entries) != 9 {
		t.Errorf("tracked entries = %d, want 9 after redeploy", len(entries))
	}
}

func TestDeployCancelStopsBetweenSteps(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, fullBlueprint())

	flag := &CancelFlag{}
	flag.Cancel()
	err := env.deployer(t).Deploy(context.Background(), "req-cancel", "demo-shop", flag)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	events := env.drainStatus(t, "req-cancel")
	if events[len(events)-1].Phase != bus.PhaseFailed {
		t.Errorf("terminal phase = %s", events[len(events)-1].Phase)
	}
	if env.fake.CallCount("EnsureNetwork") != 0 {
		t.Error("step ran despite pre-raised cancel flag")
	}
}

func TestDeployUnknownProjectFails(t *testing.T) {
	env := newTestEnv(t)
	err := env.deployer(t).Deploy(context.Background(), "req-ghost", "ghost", nil)
	if err == nil {
		t.Fatal("expected error for unknown project")
	}
	if Classify(err) != ErrorClassValidation {
		t.Errorf("class = %s, want validation", Classify(err))
	}
	events := env.drainStatus(t, "req-ghost")
	if events[0].Phase != bus.PhaseFailed {
		t.Errorf("phase = %s, want failed", events[0].Phase)
	}
}

func deployForTeardown(t *testing.T, env *testEnv, requestID string) {
	t.Helper()
	env.saveBlueprint(t, fullBlueprint())
	if err := env.deployer(t).Deploy(context.Background(), requestID, "demo-shop", nil); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	env.drainStatus(t, requestID)
}

func TestTerminateDeletesEverythingInOrder(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	if err := env.deleter(t).Terminate(context.Background(), "req-down", "demo-shop", nil); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	events := env.drainStatus(t, "req-down")
	if events[len(events)-1].Phase != bus.PhaseCompleted {
		t.Fatalf("terminal phase = %s: %s", events[len(events)-1].Phase, events[len(events)-1].Message)
	}

	entries, _ := env.deps.Tracker.List(context.Background(), "demo-shop")
	if len(entries) != 0 {
		t.Errorf("tracked entries after teardown = %d, want 0", len(entries))
	}

	// The instance must go before its security group, the security group
	// before the subnet, the profile before the role.
	pos := make(map[string]int)
	for i, call := range env.fake.Calls {
		pos[call] = i
	}
	if pos["TerminateInstance"] > pos["DeleteSecurityGroup"] {
		t.Error("security group deleted before instance")
	}
	if pos["DeleteSecurityGroup"] > pos["DeleteNetwork"] {
		t.Error("network deleted before security group")
	}
	if pos["DeleteInstanceProfile"] > pos["DeleteRole"] {
		t.Error("role deleted before instance profile")
	}

	bp, _ := env.deps.Blueprints.Load("demo-shop")
	if bp.Compute.Status != blueprint.StatusDeleted {
		t.Errorf("compute status = %s, want deleted", bp.Compute.Status)
	}
	if bp.Network.Status != blueprint.StatusDeleted {
		t.Errorf("network status = %s, want deleted", bp.Network.Status)
	}
}

func TestTerminateTreatsNotFoundAsSuccess(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	// Someone deleted the instance in the console already.
	bp, _ := env.deps.Blueprints.Load("demo-shop")
	if err := env.fake.TerminateInstance(context.Background(), bp.Compute.InstanceID); err != nil {
		t.Fatalf("priming fake: %v", err)
	}

	if err := env.deleter(t).Terminate(context.Background(), "req-down", "demo-shop", nil); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	events := env.drainStatus(t, "req-down")
	if events[len(events)-1].Phase != bus.PhaseCompleted {
		t.Errorf("terminal phase = %s", events[len(events)-1].Phase)
	}
}

func TestTerminateBlocksDependenciesOfFailedDeletion(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")
	env.fake.StickyFailOn["TerminateInstance"] = errors.New("termination protection enabled")

	err := env.deleter(t).Terminate(context.Background(), "req-down", "demo-shop", nil)
	if err == nil {
		t.Fatal("expected teardown failure")
	}
	events := env.drainStatus(t, "req-down")
	if events[len(events)-1].Phase != bus.PhaseFailed {
		t.Fatalf("terminal phase = %s", events[len(events)-1].Phase)
	}

	// A blocked slot's delta reports failed like every other failure; the
	// blocking slot is only named in the message.
	for _, ev := range events {
		for _, delta := range ev.ResourceDeltas {
			if delta.Slot == blueprint.SlotSecurityGroup && delta.Status != string(blueprint.StatusFailed) {
				t.Errorf("blocked slot delta status = %q, want %q", delta.Status, blueprint.StatusFailed)
			}
		}
	}

	// The instance's dependencies must not be touched; independent slots
	// are still deleted.
	if env.fake.CallCount("DeleteSecurityGroup") != 0 {
		t.Error("security group deletion attempted under a live instance")
	}
	if env.fake.CallCount("DeleteNetwork") != 0 {
		t.Error("network deletion attempted under a live security group")
	}
	if env.fake.CallCount("DeleteBucket") != 1 {
		t.Error("independent bucket was not deleted")
	}
	if env.fake.CallCount("DeleteDatabase") != 1 {
		t.Error("database was not deleted")
	}

	// Blocked and failed slots stay tracked for a later retry.
	entries, _ := env.deps.Tracker.List(context.Background(), "demo-shop")
	slots := make(map[string]bool)
	for _, e := range entries {
		slots[e.SlotName] = true
	}
	for _, want := range []string{blueprint.SlotInstance, blueprint.SlotSecurityGroup, blueprint.SlotVPC} {
		if !slots[want] {
			t.Errorf("slot %s missing from tracker after blocked teardown", want)
		}
	}
	if slots[blueprint.SlotBucket] {
		t.Error("deleted bucket still tracked")
	}
}

func TestTerminateKeepsSubnetTrackedWhenNetworkDeletionFails(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")
	env.fake.StickyFailOn["DeleteNetwork"] = errors.New("dependency violation")

	err := env.deleter(t).Terminate(context.Background(), "req-down", "demo-shop", nil)
	if err == nil {
		t.Fatal("expected teardown failure")
	}
	events := env.drainStatus(t, "req-down")
	if events[len(events)-1].Phase != bus.PhaseFailed {
		t.Fatalf("terminal phase = %s", events[len(events)-1].Phase)
	}

	// The subnet is only ever released by DeleteNetwork, so its entry
	// must survive the failed call alongside the VPC's.
	entries, _ := env.deps.Tracker.List(context.Background(), "demo-shop")
	slots := make(map[string]bool)
	for _, e := range entries {
		slots[e.SlotName] = true
	}
	if !slots[blueprint.SlotSubnet] {
		t.Error("subnet entry dropped although the network deletion failed")
	}
	if !slots[blueprint.SlotVPC] {
		t.Error("vpc entry dropped although the network deletion failed")
	}
}

func TestTerminateSubsetDeletesOnlyNamedResources(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	bp, _ := env.deps.Blueprints.Load("demo-shop")
	only := []string{bp.Data.Bucket.Name}

	if err := env.deleter(t).Terminate(context.Background(), "req-down", "demo-shop", only); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	events := env.drainStatus(t, "req-down")
	if events[len(events)-1].Phase != bus.PhaseCompleted {
		t.Fatalf("terminal phase = %s", events[len(events)-1].Phase)
	}

	if env.fake.CallCount("DeleteBucket") != 1 {
		t.Error("bucket was not deleted")
	}
	if env.fake.CallCount("TerminateInstance") != 0 {
		t.Error("instance deleted despite not being targeted")
	}

	entries, _ := env.deps.Tracker.List(context.Background(), "demo-shop")
	for _, e := range entries {
		if e.SlotName == blueprint.SlotBucket {
			t.Error("deleted bucket still tracked")
		}
	}
	if len(entries) != 8 {
		t.Errorf("tracked entries = %d, want 8", len(entries))
	}
}

func TestTerminateNothingTracked(t *testing.T) {
	env := newTestEnv(t)
	if err := env.deleter(t).Terminate(context.Background(), "req-empty", "never-deployed", nil); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	events := env.drainStatus(t, "req-empty")
	if events[0].Phase != bus.PhaseCompleted {
		t.Errorf("phase = %s, want completed no-op", events[0].Phase)
	}
}

func TestDeletionOrderRespectsDependencies(t *testing.T) {
	graph, err := NewDependencyGraph([]string{
		blueprint.SlotVPC, blueprint.SlotSubnet, blueprint.SlotSecurityGroup,
		blueprint.SlotKeyPair, blueprint.SlotRole, blueprint.SlotInstanceProfile,
		blueprint.SlotInstance, blueprint.SlotDatabase, blueprint.SlotBucket,
	})
	if err != nil {
		t.Fatalf("NewDependencyGraph: %v", err)
	}

	order := graph.DeletionOrder()
	pos := make(map[string]int, len(order))
	for i, s := range order {
		pos[s] = i
	}
	type pair struct{ before, after string }
	for _, p := range []pair{
		{blueprint.SlotInstance, blueprint.SlotSecurityGroup},
		{blueprint.SlotInstance, blueprint.SlotKeyPair},
		{blueprint.SlotInstance, blueprint.SlotInstanceProfile},
		{blueprint.SlotInstanceProfile, blueprint.SlotRole},
		{blueprint.SlotDatabase, blueprint.SlotSubnet},
		{blueprint.SlotSecurityGroup, blueprint.SlotSubnet},
		{blueprint.SlotSubnet, blueprint.SlotVPC},
	} {
		if pos[p.before] > pos[p.after] {
			t.Errorf("%s ordered after %s", p.before, p.after)
		}
	}
	if len(order) != 9 {
		t.Errorf("order length = %d, want 9", len(order))
	}
}

func TestDependencyGraphRejectsUnknownSlot(t *testing.T) {
	if _, err := NewDependencyGraph([]string{"mystery"}); err == nil {
		t.Fatal("expected error for unknown slot")
	}
}

func TestPowerOffTargetsInstanceAndDatabase(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	power := NewPower(env.deps)
	if err := power.Apply(context.Background(), "req-off", "demo-shop", []byte(`{"state":"off"}`)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	events := env.drainStatus(t, "req-off")
	if events[len(events)-1].Phase != bus.PhaseCompleted {
		t.Fatalf("terminal phase = %s", events[len(events)-1].Phase)
	}
	if env.fake.CallCount("StopInstance") != 1 || env.fake.CallCount("StopDatabase") != 1 {
		t.Errorf("stop calls: instance=%d database=%d, want 1/1",
			env.fake.CallCount("StopInstance"), env.fake.CallCount("StopDatabase"))
	}
	if env.fake.CallCount("StartInstance") != 0 {
		t.Error("start issued for a power-off command")
	}
}

func TestPowerRejectsUnknownState(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	err := NewPower(env.deps).Apply(context.Background(), "req-bad", "demo-shop", []byte(`{"state":"sideways"}`))
	if Classify(err) != ErrorClassValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
	events := env.drainStatus(t, "req-bad")
	if events[0].Phase != bus.PhaseFailed {
		t.Errorf("phase = %s, want failed", events[0].Phase)
	}
}

func TestPowerNoopWithoutTargets(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, &blueprint.Blueprint{
		Project: blueprint.Project{Name: "bare", Region: "eu-west-1"},
	})

	if err := NewPower(env.deps).Apply(context.Background(), "req-noop", "bare", []byte(`{"state":"on"}`)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	events := env.drainStatus(t, "req-noop")
	if events[len(events)-1].Phase != bus.PhaseCompleted {
		t.Errorf("terminal phase = %s", events[len(events)-1].Phase)
	}
}

func TestScanFindsOrphans(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	// A resource created outside the orchestrator: tagged but untracked.
	if _, err := env.fake.CreateBucket(context.Background(), "rogue-bucket"); err != nil {
		t.Fatalf("priming fake: %v", err)
	}

	scanner := NewScanner(env.deps, env.dataDir)
	result, err := scanner.Scan(context.Background(), "req-scan", nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	env.drainStatus(t, "req-scan")

	if len(result.Orphans) != 1 || result.Orphans[0].ProviderID != "rogue-bucket" {
		t.Errorf("orphans = %+v, want exactly rogue-bucket", result.Orphans)
	}

	cached, err := scanner.LoadCache()
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if len(cached.Resources) != len(result.Resources) {
		t.Errorf("cache holds %d resources, scan reported %d", len(cached.Resources), len(result.Resources))
	}
}

func TestScanEventsHaveNoTotal(t *testing.T) {
	env := newTestEnv(t)
	scanner := NewScanner(env.deps, env.dataDir)
	if _, err := scanner.Scan(context.Background(), "req-scan", nil); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	events := env.drainStatus(t, "req-scan")
	for _, ev := range events {
		if ev.TotalSteps != nil {
			t.Errorf("scan event carries a total: %+v", ev)
		}
	}
}

func TestScanRegionFilter(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	scanner := NewScanner(env.deps, env.dataDir)
	result, err := scanner.Scan(context.Background(), "req-scan", []string{"us-east-1"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	env.drainStatus(t, "req-scan")

	if len(result.Regions) != 1 || result.Regions[0] != "us-east-1" {
		t.Errorf("regions = %v, want [us-east-1]", result.Regions)
	}
	// Everything lives in the home region, so a foreign-region scan is empty.
	if len(result.Resources) != 0 {
		t.Errorf("resources = %d, want 0", len(result.Resources))
	}
}

func TestRecoveryResolvesInterruptedCreate(t *testing.T) {
	env := newTestEnv(t)
	bp := fullBlueprint()
	env.saveBlueprint(t, bp)

	// Simulate a crash: instance creating and tracked, database creating
	// but never registered.
	bp.Compute.Status = blueprint.StatusCreating
	bp.Data.Database.Status = blueprint.StatusCreating
	env.saveBlueprint(t, bp)
	err := env.deps.Tracker.Record(context.Background(), tracker.Entry{
		ProjectSlug: "demo-shop",
		SlotName:    blueprint.SlotInstance,
		Kind:        "instance",
		ProviderID:  "i-0001",
		Region:      "eu-west-1",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	repaired, err := NewRecovery(env.deps).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(repaired) != 1 || repaired[0] != "demo-shop" {
		t.Fatalf("repaired = %v", repaired)
	}

	got, _ := env.deps.Blueprints.Load("demo-shop")
	if got.Compute.Status != blueprint.StatusCreated {
		t.Errorf("tracked creating slot = %s, want created", got.Compute.Status)
	}
	if got.Data.Database.Status != blueprint.StatusFailed {
		t.Errorf("untracked creating slot = %s, want failed", got.Data.Database.Status)
	}
}

func TestRecoveryRestoresTrackedIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	deployForTeardown(t, env, "req-up")

	bp, _ := env.deps.Blueprints.Load("demo-shop")
	instanceID := bp.Compute.InstanceID
	vpcID := bp.Network.VPCID
	subnetID := bp.Network.SubnetID

	// A crash between the tracker write and the blueprint save leaves
	// the status at creating and the identifiers unwritten.
	bp.Compute.Status = blueprint.StatusCreating
	bp.Compute.InstanceID = ""
	bp.Network.Status = blueprint.StatusCreating
	bp.Network.VPCID = ""
	bp.Network.SubnetID = ""
	env.saveBlueprint(t, bp)

	repaired, err := NewRecovery(env.deps).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(repaired) != 1 || repaired[0] != "demo-shop" {
		t.Fatalf("repaired = %v", repaired)
	}

	got, _ := env.deps.Blueprints.Load("demo-shop")
	if got.Compute.Status != blueprint.StatusCreated || got.Compute.InstanceID != instanceID {
		t.Errorf("compute = %s/%q, want created/%q", got.Compute.Status, got.Compute.InstanceID, instanceID)
	}
	if got.Network.VPCID != vpcID || got.Network.SubnetID != subnetID {
		t.Errorf("network ids = %q/%q, want %q/%q", got.Network.VPCID, got.Network.SubnetID, vpcID, subnetID)
	}

	// A redeploy must skip the repaired slots instead of provisioning
	// duplicates over the resources the tracker already knows.
	if err := env.deployer(t).Deploy(context.Background(), "req-again", "demo-shop", nil); err != nil {
		t.Fatalf("Deploy after recovery: %v", err)
	}
	env.drainStatus(t, "req-again")
	if n := env.fake.CallCount("LaunchInstance"); n != 1 {
		t.Errorf("LaunchInstance calls = %d, want 1", n)
	}
	if n := env.fake.CallCount("EnsureNetwork"); n != 1 {
		t.Errorf("EnsureNetwork calls = %d, want 1", n)
	}
	entry, err := env.deps.Tracker.Get(context.Background(), "demo-shop", blueprint.SlotInstance)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.ProviderID != instanceID {
		t.Errorf("tracked provider id = %s, want %s", entry.ProviderID, instanceID)
	}
}

func TestRecoveryResolvesInterruptedDelete(t *testing.T) {
	env := newTestEnv(t)
	bp := fullBlueprint()
	bp.Data.Bucket.Status = blueprint.StatusDeleting
	env.saveBlueprint(t, bp)

	repaired, err := NewRecovery(env.deps).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(repaired) != 1 {
		t.Fatalf("repaired = %v", repaired)
	}
	got, _ := env.deps.Blueprints.Load("demo-shop")
	if got.Data.Bucket.Status != blueprint.StatusDeleted {
		t.Errorf("untracked deleting slot = %s, want deleted", got.Data.Bucket.Status)
	}
}

func TestRecoverySkipsHealthyBlueprints(t *testing.T) {
	env := newTestEnv(t)
	env.saveBlueprint(t, fullBlueprint())

	repaired, err := NewRecovery(env.deps).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(repaired) != 0 {
		t.Errorf("repaired = %v, want none", repaired)
	}
}
