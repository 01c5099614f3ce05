package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skiffcloud/skiff/pkg/config"
	"github.com/skiffcloud/skiff/pkg/provider"
	"github.com/skiffcloud/skiff/pkg/tracker"
)

const exampleBlueprint = `# Example skiff blueprint. Copy, rename, and edit before deploying.
project:
  name: Example Project
  region: eu-west-1
network:
  vpc_cidr: 10.0.0.0/16
  subnet_cidr: 10.0.1.0/24
  ingress:
    - protocol: tcp
      from_port: 22
      to_port: 22
      cidr: 0.0.0.0/0
compute:
  instance_type: t3.micro
  image_id: ami-example
security:
  key_pair: {}
`

func newInitCommand() *cobra.Command {
	var (
		dataDir   string
		region    string
		accessKey string
		secretKey string
		profile   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a skiff workspace",
		Long: `Initialize a skiff workspace: data directories, the resource registry,
a starter configuration file, and an example blueprint.

Credentials may be stored at the same time with --access-key-id and
--secret-access-key; they are written to the credentials file with mode 0600.`,
		Example: `  # Initialize with defaults under ~/.skiff
  skiff init

  # Initialize in a custom location with credentials
  skiff init --data-dir /var/lib/skiff --access-key-id AKIA... --secret-access-key ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg := config.Default()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if region != "" {
				cfg.Provider.Region = region
			}

			fmt.Printf("Initializing skiff workspace in %s\n\n", cfg.DataDir)

			dirs := []string{
				cfg.DataDir,
				filepath.Join(cfg.DataDir, "projects"),
				filepath.Join(cfg.DataDir, "keys"),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			trk, err := tracker.NewStore(tracker.Config{Path: filepath.Join(cfg.DataDir, "registry.db")})
			if err != nil {
				return fmt.Errorf("failed to create resource registry: %w", err)
			}
			if err := trk.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize resource registry: %w", err)
			}
			defer trk.Close()
			fmt.Printf("✓ Initialized resource registry: %s\n", filepath.Join(cfg.DataDir, "registry.db"))

			if configPath == "" {
				configPath = filepath.Join(cfg.DataDir, "config.yaml")
			}
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("failed to encode config: %w", err)
				}
				if err := os.WriteFile(configPath, data, 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			} else {
				fmt.Printf("✓ Config file already exists: %s\n", configPath)
			}

			examplePath := filepath.Join(cfg.DataDir, "projects", "example.yaml")
			if _, err := os.Stat(examplePath); os.IsNotExist(err) {
				if err := os.WriteFile(examplePath, []byte(exampleBlueprint), 0o644); err != nil {
					return fmt.Errorf("failed to write example blueprint: %w", err)
				}
				fmt.Printf("✓ Created example blueprint: %s\n", examplePath)
			} else {
				fmt.Printf("✓ Example blueprint already exists: %s\n", examplePath)
			}

			if accessKey != "" || secretKey != "" {
				if accessKey == "" || secretKey == "" {
					return fmt.Errorf("--access-key-id and --secret-access-key must be given together")
				}
				credsPath := cfg.Provider.CredentialsFile
				if credsPath == "" {
					credsPath = filepath.Join(cfg.DataDir, "credentials")
				}
				creds := provider.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
					Region:          cfg.Provider.Region,
				}
				if err := provider.WriteCredentialsFile(credsPath, profile, creds); err != nil {
					return fmt.Errorf("failed to store credentials: %w", err)
				}
				fmt.Printf("✓ Stored credentials: %s (profile %s)\n", credsPath, profile)
			}

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Edit the example blueprint:\n")
			fmt.Printf("     %s\n\n", examplePath)
			fmt.Printf("  2. Deploy it:\n")
			fmt.Printf("     skiff deploy example --config %s\n\n", configPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "workspace data directory (default ~/.skiff)")
	cmd.Flags().StringVar(&region, "region", "", "default provider region")
	cmd.Flags().StringVar(&accessKey, "access-key-id", "", "provider access key to store")
	cmd.Flags().StringVar(&secretKey, "secret-access-key", "", "provider secret key to store")
	cmd.Flags().StringVar(&profile, "profile", "default", "credentials profile name")

	return cmd
}
