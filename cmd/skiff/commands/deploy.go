package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skiffcloud/skiff/pkg/blueprint"
	"github.com/skiffcloud/skiff/pkg/bus"
)

func newDeployCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "deploy <blueprint.yaml | project-slug>",
		Short: "Deploy a project's topology",
		Long: `Deploy provisions every resource a blueprint declares, in order:
network, security group, key pair, identity, instance, database, bucket,
and a final verification pass.

Given a YAML file, the blueprint is validated and saved first. Given a
slug, the stored blueprint is deployed as-is. Re-deploying is safe:
slots that already exist are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, ctx, err := newApp(c.Context())
			if err != nil {
				return err
			}
			defer a.close()

			slug, err := resolveBlueprint(a, args[0], dryRun)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Printf("blueprint for %s is valid\n", slug)
				return nil
			}

			return runCommand(ctx, a, bus.Command{
				RequestID:   uuid.NewString(),
				Kind:        bus.KindDeploy,
				ProjectSlug: slug,
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the blueprint without deploying")
	return cmd
}

// resolveBlueprint accepts either a YAML file to import or the slug of a
// stored blueprint, and returns the slug to deploy.
func resolveBlueprint(a *app, arg string, dryRun bool) (string, error) {
	if !strings.HasSuffix(arg, ".yaml") && !strings.HasSuffix(arg, ".yml") {
		if _, err := a.bps.Load(arg); err != nil {
			return "", err
		}
		return arg, nil
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("reading blueprint: %w", err)
	}
	var bp blueprint.Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return "", fmt.Errorf("parsing blueprint: %w", err)
	}
	if bp.Project.Slug == "" {
		bp.Project.Slug = blueprint.Slugify(bp.Project.Name)
	}
	if dryRun {
		return bp.Project.Slug, a.bps.Validate(&bp)
	}
	if err := a.bps.Save(&bp); err != nil {
		return "", err
	}
	return bp.Project.Slug, nil
}
