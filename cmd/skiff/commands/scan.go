package commands

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/engine"
)

func newScanCommand() *cobra.Command {
	var (
		cached  bool
		regions []string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Sweep all provider regions for managed resources",
		Long: `Scan lists every resource the orchestrator manages across all provider
regions and reports orphans: resources carrying the management tag that
the registry has no record of. The result is cached for later queries.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			a, ctx, err := newApp(c.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if cached {
				return printCachedScan(a)
			}

			var payload []byte
			if len(regions) > 0 {
				payload, err = json.Marshal(engine.ScanPayload{Regions: regions})
				if err != nil {
					return err
				}
			}
			return runCommand(ctx, a, bus.Command{
				RequestID: uuid.NewString(),
				Kind:      bus.KindScan,
				Payload:   payload,
			})
		},
	}

	cmd.Flags().BoolVar(&cached, "cached", false, "print the last scan result without scanning")
	cmd.Flags().StringArrayVar(&regions, "region", nil, "scan only these regions (repeatable)")
	return cmd
}

func printCachedScan(a *app) error {
	result, err := a.scanner.LoadCache()
	if err != nil {
		return fmt.Errorf("no cached scan available: %w", err)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("scanned %s across %d region(s)\n", result.ScannedAt.Format("2006-01-02 15:04:05"), len(result.Regions))
	for _, r := range result.Resources {
		fmt.Printf("  %-18s %-24s %-14s %s\n", r.Kind, r.ProviderID, r.Region, r.ProjectSlug)
	}
	if len(result.Orphans) > 0 {
		fmt.Printf("orphans (%d):\n", len(result.Orphans))
		for _, r := range result.Orphans {
			fmt.Printf("  %-18s %-24s %s\n", r.Kind, r.ProviderID, r.Region)
		}
	}
	return nil
}
