package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skiffcloud/skiff/pkg/blueprint"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [project-slug]",
		Short: "Show stored projects and their tracked resources",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, ctx, err := newApp(c.Context())
			if err != nil {
				return err
			}
			defer a.close()

			slugs := args
			if len(slugs) == 0 {
				slugs, err = a.bps.List()
				if err != nil {
					return err
				}
				if len(slugs) == 0 {
					fmt.Println("no projects")
					return nil
				}
			}

			for _, slug := range slugs {
				bp, err := a.bps.Load(slug)
				if err != nil {
					return err
				}
				entries, err := a.trk.List(ctx, slug)
				if err != nil {
					return err
				}

				if jsonOutput {
					out := map[string]interface{}{
						"blueprint": bp,
						"resources": entries,
					}
					data, err := json.MarshalIndent(out, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					continue
				}

				fmt.Printf("%s (%s, %s)\n", bp.Project.Name, slug, bp.Project.Region)
				printSlot("network", bp.Network.Status, bp.Network.VPCID)
				printSlot("security group", bp.Network.SecurityGroupStatus, bp.Network.SecurityGroupID)
				if bp.Compute != nil {
					printSlot("instance", bp.Compute.Status, bp.Compute.InstanceID)
				}
				if bp.Data.Database != nil {
					printSlot("database", bp.Data.Database.Status, bp.Data.Database.Identifier)
				}
				if bp.Data.Bucket != nil {
					printSlot("bucket", bp.Data.Bucket.Status, bp.Data.Bucket.Name)
				}
				if bp.Security.KeyPair != nil {
					printSlot("key pair", bp.Security.KeyPair.Status, bp.Security.KeyPair.Name)
				}
				if bp.Security.Identity != nil {
					printSlot("identity", bp.Security.Identity.Status, bp.Security.Identity.ProfileID)
				}
				fmt.Printf("  tracked resources: %d\n", len(entries))
			}
			return nil
		},
	}
}

func printSlot(name string, status blueprint.Status, id string) {
	if status == "" {
		status = "-"
	}
	if id == "" {
		id = "-"
	}
	fmt.Printf("  %-16s %-10s %s\n", name, status, id)
}
