package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testTracker(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{Path: filepath.Join(t.TempDir(), "registry.db")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndGet(t *testing.T) {
	store := testTracker(t)
	ctx := context.Background()

	entry := Entry{
		ProjectSlug: "demo-shop",
		SlotName:    "vpc",
		Kind:        "vpc",
		ProviderID:  "vpc-0a1b2c3d",
		Region:      "eu-west-1",
	}
	if err := store.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.Get(ctx, "demo-shop", "vpc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProviderID != "vpc-0a1b2c3d" {
		t.Errorf("provider id = %q", got.ProviderID)
	}
	if got.Region != "eu-west-1" {
		t.Errorf("region = %q", got.Region)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
}

func TestRecordUpsertsOnSameSlot(t *testing.T) {
	store := testTracker(t)
	ctx := context.Background()

	first := Entry{ProjectSlug: "demo-shop", SlotName: "instance", Kind: "instance", ProviderID: "i-aaa", Region: "eu-west-1"}
	if err := store.Record(ctx, first); err != nil {
		t.Fatalf("Record: %v", err)
	}
	second := first
	second.ProviderID = "i-bbb"
	if err := store.Record(ctx, second); err != nil {
		t.Fatalf("Record (upsert): %v", err)
	}

	entries, err := store.List(ctx, "demo-shop")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 after upsert", len(entries))
	}
	if entries[0].ProviderID != "i-bbb" {
		t.Errorf("provider id = %q, want i-bbb", entries[0].ProviderID)
	}
}

func TestRecordRequiresKey(t *testing.T) {
	store := testTracker(t)
	if err := store.Record(context.Background(), Entry{SlotName: "vpc"}); err == nil {
		t.Error("expected error for missing project slug")
	}
	if err := store.Record(context.Background(), Entry{ProjectSlug: "demo-shop"}); err == nil {
		t.Error("expected error for missing slot name")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	store := testTracker(t)
	ctx := context.Background()

	entry := Entry{ProjectSlug: "demo-shop", SlotName: "bucket", Kind: "bucket", ProviderID: "demo-shop-assets", Region: "eu-west-1"}
	if err := store.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Remove(ctx, "demo-shop", "bucket"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// A second remove of the same slot must succeed.
	if err := store.Remove(ctx, "demo-shop", "bucket"); err != nil {
		t.Fatalf("Remove (repeat): %v", err)
	}
	if _, err := store.Get(ctx, "demo-shop", "bucket"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove = %v, want ErrNotFound", err)
	}
}

func TestListScopedToProject(t *testing.T) {
	store := testTracker(t)
	ctx := context.Background()

	for _, e := range []Entry{
		{ProjectSlug: "alpha", SlotName: "vpc", Kind: "vpc", ProviderID: "vpc-a", Region: "eu-west-1"},
		{ProjectSlug: "alpha", SlotName: "instance", Kind: "instance", ProviderID: "i-a", Region: "eu-west-1"},
		{ProjectSlug: "beta", SlotName: "vpc", Kind: "vpc", ProviderID: "vpc-b", Region: "us-east-1"},
	} {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s/%s): %v", e.ProjectSlug, e.SlotName, err)
		}
	}

	alpha, err := store.List(ctx, "alpha")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alpha) != 2 {
		t.Errorf("alpha entries = %d, want 2", len(alpha))
	}
	for _, e := range alpha {
		if e.ProjectSlug != "alpha" {
			t.Errorf("leaked entry from project %q", e.ProjectSlug)
		}
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("total entries = %d, want 3", len(all))
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := testTracker(t)
	_, err := store.Get(context.Background(), "ghost", "vpc")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")
	ctx := context.Background()

	store, err := NewStore(Config{Path: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	entry := Entry{ProjectSlug: "demo-shop", SlotName: "database", Kind: "database", ProviderID: "demo-shop-db", Region: "eu-west-1"}
	if err := store.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewStore(Config{Path: path})
	if err != nil {
		t.Fatalf("NewStore (reopen): %v", err)
	}
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("Init (reopen): %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "demo-shop", "database")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.ProviderID != "demo-shop-db" {
		t.Errorf("provider id = %q", got.ProviderID)
	}
}
