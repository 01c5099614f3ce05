package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/engine"
)

func newTerminateCommand() *cobra.Command {
	var (
		force     bool
		resources []string
	)

	cmd := &cobra.Command{
		Use:   "terminate <project-slug>",
		Short: "Delete every resource of a project",
		Long: `Terminate deletes a project's tracked resources in dependency order:
nothing is removed while something that needs it still exists. Resources
already gone on the provider side count as deleted. A partial failure
leaves the remaining resources tracked so the command can be re-run.

With --resource, only the named provider IDs are deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			slug := args[0]
			what := "all resources"
			if len(resources) > 0 {
				what = fmt.Sprintf("%d resource(s)", len(resources))
			}
			if !force && !confirm(fmt.Sprintf("Delete %s of %q?", what, slug)) {
				fmt.Println("aborted")
				return nil
			}

			a, ctx, err := newApp(c.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var payload []byte
			if len(resources) > 0 {
				payload, err = json.Marshal(engine.TerminatePayload{Resources: resources})
				if err != nil {
					return err
				}
			}
			return runCommand(ctx, a, bus.Command{
				RequestID:   uuid.NewString(),
				Kind:        bus.KindTerminate,
				ProjectSlug: slug,
				Payload:     payload,
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	cmd.Flags().StringArrayVar(&resources, "resource", nil, "delete only these provider IDs (repeatable)")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
