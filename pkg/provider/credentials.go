package provider

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// ErrNoCredentials is returned when no source in the chain yields a usable
// key pair.
var ErrNoCredentials = errors.New("provider: no credentials found")

// Credentials is one resolved access key pair plus an optional default
// region.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	// Source names the chain link that produced the credentials, for logs.
	Source string
}

// CredentialSource yields credentials or reports that it has none.
type CredentialSource interface {
	Retrieve() (*Credentials, error)
}

// StaticSource returns fixed credentials, for tests and explicit flags.
type StaticSource struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

func (s StaticSource) Retrieve() (*Credentials, error) {
	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return nil, ErrNoCredentials
	}
	return &Credentials{
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		Region:          s.Region,
		Source:          "static",
	}, nil
}

// EnvSource reads the conventional environment variables.
type EnvSource struct{}

func (EnvSource) Retrieve() (*Credentials, error) {
	access := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if access == "" || secret == "" {
		return nil, ErrNoCredentials
	}
	return &Credentials{
		AccessKeyID:     access,
		SecretAccessKey: secret,
		Region:          os.Getenv("AWS_REGION"),
		Source:          "environment",
	}, nil
}

// FileSource reads an INI credentials file with one section per profile:
//
//	[default]
//	access_key_id = AKIA...
//	secret_access_key = ...
//	region = eu-west-1
type FileSource struct {
	Path    string
	Profile string
}

func (f FileSource) Retrieve() (*Credentials, error) {
	path := f.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, ErrNoCredentials
		}
		path = filepath.Join(home, ".skiff", "credentials")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, ErrNoCredentials
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", path, err)
	}

	profile := f.Profile
	if profile == "" {
		profile = "default"
	}
	section := cfg.Section(profile)

	access := section.Key("access_key_id").String()
	secret := section.Key("secret_access_key").String()
	if access == "" || secret == "" {
		return nil, fmt.Errorf("%w: profile %q in %s is incomplete", ErrNoCredentials, profile, path)
	}

	return &Credentials{
		AccessKeyID:     access,
		SecretAccessKey: secret,
		Region:          section.Key("region").String(),
		Source:          "file:" + profile,
	}, nil
}

// Chain tries each source in order and returns the first hit.
type Chain struct {
	Sources []CredentialSource
}

// DefaultChain resolves environment variables first, then the credentials
// file at ~/.skiff/credentials.
func DefaultChain() *Chain {
	return &Chain{Sources: []CredentialSource{
		EnvSource{},
		FileSource{},
	}}
}

func (c *Chain) Retrieve() (*Credentials, error) {
	for _, src := range c.Sources {
		creds, err := src.Retrieve()
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNoCredentials) {
			return nil, err
		}
	}
	return nil, ErrNoCredentials
}

// WriteCredentialsFile persists a profile to an INI credentials file,
// creating parent directories as needed. Existing profiles are preserved.
func WriteCredentialsFile(path, profile string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	cfg := ini.Empty()
	if _, err := os.Stat(path); err == nil {
		loaded, err := ini.Load(path)
		if err == nil {
			cfg = loaded
		}
	}

	if profile == "" {
		profile = "default"
	}
	section := cfg.Section(profile)
	section.Key("access_key_id").SetValue(creds.AccessKeyID)
	section.Key("secret_access_key").SetValue(creds.SecretAccessKey)
	if creds.Region != "" {
		section.Key("region").SetValue(creds.Region)
	}

	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("saving credentials file: %w", err)
	}
	return os.Chmod(path, 0o600)
}
