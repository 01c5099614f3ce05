package blueprint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/skiffcloud/skiff/pkg/telemetry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "disabled", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	store, err := NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func validBlueprint() *Blueprint {
	return &Blueprint{
		Project: Project{Name: "Demo Shop", Region: "eu-west-1"},
		Network: Network{VPCCIDR: "10.0.0.0/16", SubnetCIDR: "10.0.1.0/24"},
		Compute: &Compute{InstanceType: "t3.micro", ImageID: "ami-0abcd1234"},
	}
}

func TestSaveDerivesSlugAndTimestamps(t *testing.T) {
	store := testStore(t)
	bp := validBlueprint()
	if err := store.Save(bp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if bp.Project.Slug != "demo-shop" {
		t.Errorf("slug = %q, want demo-shop", bp.Project.Slug)
	}
	if bp.Project.CreatedAt.IsZero() || bp.Project.UpdatedAt.IsZero() {
		t.Error("timestamps not set on save")
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "demo-shop.yaml")); err != nil {
		t.Errorf("blueprint file missing: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := testStore(t)
	bp := validBlueprint()
	bp.Data.Database = &Database{Engine: "postgres", Class: "db.t3.micro", StorageGB: 20}
	bp.Security.KeyPair = &KeyPair{Name: "demo-shop-key"}
	if err := store.Save(bp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("demo-shop")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Project.Name != "Demo Shop" {
		t.Errorf("name = %q", loaded.Project.Name)
	}
	if loaded.Data.Database == nil || loaded.Data.Database.Engine != "postgres" {
		t.Errorf("database section not preserved: %+v", loaded.Data.Database)
	}
	if loaded.Security.KeyPair == nil || loaded.Security.KeyPair.Name != "demo-shop-key" {
		t.Errorf("key pair section not preserved: %+v", loaded.Security.KeyPair)
	}
	if loaded.Network.VPCCIDR != "10.0.0.0/16" {
		t.Errorf("vpc cidr = %q", loaded.Network.VPCCIDR)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.Load("never-saved")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	store := testStore(t)
	if err := store.Delete("never-saved"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSorted(t *testing.T) {
	store := testStore(t)
	for _, name := range []string{"Zeta", "Alpha", "Mid Tier"} {
		bp := validBlueprint()
		bp.Project.Name = name
		bp.Project.Slug = ""
		if err := store.Save(bp); err != nil {
			t.Fatalf("Save(%s): %v", name, err)
		}
	}
	slugs, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"alpha", "mid-tier", "zeta"}
	if len(slugs) != len(want) {
		t.Fatalf("slugs = %v, want %v", slugs, want)
	}
	for i := range want {
		if slugs[i] != want[i] {
			t.Errorf("slugs[%d] = %q, want %q", i, slugs[i], want[i])
		}
	}
}

func TestValidateRejectsMissingRegion(t *testing.T) {
	store := testStore(t)
	bp := validBlueprint()
	bp.Project.Region = ""
	if err := store.Save(bp); err == nil {
		t.Fatal("expected validation error for missing region")
	}
}

func TestValidateRejectsBadCIDR(t *testing.T) {
	store := testStore(t)
	bp := validBlueprint()
	bp.Network.VPCCIDR = "not-a-cidr"
	if err := store.Save(bp); err == nil {
		t.Fatal("expected validation error for malformed cidr")
	}
}

func TestValidateRejectsDatabaseWithoutEngine(t *testing.T) {
	store := testStore(t)
	bp := validBlueprint()
	bp.Data.Database = &Database{Class: "db.t3.micro", StorageGB: 20}
	if err := store.Save(bp); err == nil {
		t.Fatal("expected validation error for database without engine")
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusCreating, true},
		{StatusPending, StatusSkipped, true},
		{StatusCreating, StatusCreated, true},
		{StatusCreating, StatusFailed, true},
		{StatusCreated, StatusDeleting, true},
		{StatusDeleting, StatusDeleted, true},
		{StatusFailed, StatusCreating, true},
		{StatusDeleted, StatusCreating, true},
		{StatusPending, StatusCreated, false},
		{StatusCreated, StatusPending, false},
		{StatusDeleted, StatusDeleting, false},
		{"", StatusCreating, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%q -> %q) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestHasInFlight(t *testing.T) {
	bp := validBlueprint()
	if bp.HasInFlight() {
		t.Error("fresh blueprint should have no in-flight slots")
	}
	bp.Compute.Status = StatusCreating
	if !bp.HasInFlight() {
		t.Error("creating instance should count as in-flight")
	}
	bp.Compute.Status = StatusCreated
	bp.Network.Status = StatusDeleting
	if !bp.HasInFlight() {
		t.Error("deleting network should count as in-flight")
	}
}
