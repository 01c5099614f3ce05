package commands

import (
	"testing"

	"github.com/skiffcloud/skiff/pkg/config"
	"github.com/skiffcloud/skiff/pkg/provider"
)

func TestNewProviderAcceptsResolvedCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Driver = "fake"
	cfg.Provider.Region = "eu-west-1"

	creds := &provider.Credentials{AccessKeyID: "AKIATEST", SecretAccessKey: "secret", Source: "env"}
	api, err := newProvider(cfg, creds)
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}
	if api == nil {
		t.Fatal("no provider returned")
	}

	// The fake driver runs without credentials.
	if _, err := newProvider(cfg, nil); err != nil {
		t.Errorf("fake driver rejected a nil credential set: %v", err)
	}
}

func TestNewProviderRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Driver = "martian"
	if _, err := newProvider(cfg, nil); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}
