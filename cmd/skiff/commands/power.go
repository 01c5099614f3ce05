package commands

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/engine"
)

func newPowerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "power <project-slug> <on|off>",
		Short: "Start or stop a project's instance and database",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			slug, state := args[0], args[1]
			if state != "on" && state != "off" {
				return fmt.Errorf("state must be on or off, got %q", state)
			}

			a, ctx, err := newApp(c.Context())
			if err != nil {
				return err
			}
			defer a.close()

			payload, err := json.Marshal(engine.PowerPayload{State: state})
			if err != nil {
				return err
			}
			return runCommand(ctx, a, bus.Command{
				RequestID:   uuid.NewString(),
				Kind:        bus.KindPower,
				ProjectSlug: slug,
				Payload:     payload,
			})
		},
	}
}
