package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skiffcloud/skiff/pkg/bus"
)

// runCommand publishes one command and streams its status events to stdout
// until the request reaches a terminal phase. The subscription is opened
// before publishing so no event can slip past.
func runCommand(ctx context.Context, a *app, cmd bus.Command) error {
	sub := a.bus.Subscribe(bus.ChannelStatus)
	defer sub.Close()

	if err := bus.PublishCommand(a.bus, cmd); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.listener.Cancel(cmd.RequestID)
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("status stream closed before %s finished", cmd.RequestID)
			}
			ev, err := bus.DecodeStatus(msg)
			if err != nil {
				continue
			}
			if ev.RequestID != cmd.RequestID {
				continue
			}
			printEvent(ev)
			if ev.Phase.Terminal() {
				printSummary(a, cmd.RequestID)
				if ev.Phase == bus.PhaseFailed {
					return fmt.Errorf("%s failed: %s", cmd.Kind, ev.Message)
				}
				return nil
			}
		}
	}
}

// printSummary renders the bridge's folded view of the request: every
// resource the run touched, regardless of which event reported it.
func printSummary(a *app, requestID string) {
	if jsonOutput {
		return
	}
	// Wait briefly for the bridge to fold the terminal event it consumes on
	// its own subscription.
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := a.bridge.Wait(waitCtx, requestID)
	if err != nil || snap == nil || len(snap.Deltas) == 0 {
		return
	}
	fmt.Printf("resources (%d):\n", len(snap.Deltas))
	for _, d := range snap.Deltas {
		fmt.Printf("  %-18s %-14s %s\n", d.Slot, d.Status, d.ProviderID)
	}
}

func printEvent(ev bus.StatusEvent) {
	if jsonOutput {
		if line, err := json.Marshal(ev); err == nil {
			fmt.Println(string(line))
		}
		return
	}

	switch {
	case ev.Step != nil && ev.TotalSteps != nil:
		fmt.Printf("[%d/%d] %s\n", *ev.Step, *ev.TotalSteps, ev.Message)
	case ev.Step != nil:
		fmt.Printf("[%d] %s\n", *ev.Step, ev.Message)
	default:
		fmt.Printf("%s: %s\n", ev.Phase, ev.Message)
	}
}
