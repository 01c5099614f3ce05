package provider

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair holds a freshly generated SSH key pair. The public half is
// imported into the provider; the private half stays on the operator's disk.
type KeyPair struct {
	Name           string
	PublicKey      string
	PrivatePEM     []byte
	PrivateKeyPath string
}

// GenerateKeyPair creates an ed25519 SSH key pair named after the project.
func GenerateKeyPair(projectSlug string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, projectSlug)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	name := projectSlug + "-key"
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + name

	return &KeyPair{
		Name:       name,
		PublicKey:  authorized,
		PrivatePEM: pem.EncodeToMemory(pemBlock),
	}, nil
}

// SavePrivateKey writes the private half under keyDir with owner-only
// permissions and records the path on the key pair.
func (k *KeyPair) SavePrivateKey(keyDir string) error {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	path := filepath.Join(keyDir, k.Name+".pem")
	if err := os.WriteFile(path, k.PrivatePEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	k.PrivateKeyPath = path
	return nil
}
