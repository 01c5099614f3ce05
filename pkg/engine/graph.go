package engine

import (
	"fmt"

	"github.com/skiffcloud/skiff/pkg/blueprint"
)

// slotDependencies maps each resource slot to the slots it depends on.
// A slot can be deleted only after every slot that depends on it is gone.
var slotDependencies = map[string][]string{
	blueprint.SlotVPC:             nil,
	blueprint.SlotSubnet:          {blueprint.SlotVPC},
	blueprint.SlotSecurityGroup:   {blueprint.SlotSubnet},
	blueprint.SlotKeyPair:         nil,
	blueprint.SlotRole:            nil,
	blueprint.SlotInstanceProfile: {blueprint.SlotRole},
	blueprint.SlotInstance: {
		blueprint.SlotSecurityGroup,
		blueprint.SlotKeyPair,
		blueprint.SlotInstanceProfile,
	},
	blueprint.SlotDatabase: {blueprint.SlotSubnet, blueprint.SlotSecurityGroup},
	blueprint.SlotBucket:   nil,
}

// slotOrder fixes the tie-break between independent slots: earlier slots are
// created first and deleted last within a layer.
var slotOrder = []string{
	blueprint.SlotVPC,
	blueprint.SlotSubnet,
	blueprint.SlotSecurityGroup,
	blueprint.SlotKeyPair,
	blueprint.SlotRole,
	blueprint.SlotInstanceProfile,
	blueprint.SlotInstance,
	blueprint.SlotDatabase,
	blueprint.SlotBucket,
}

// DependencyGraph answers ordering questions over a set of tracked slots.
// The slot universe is fixed, so the graph never has cycles; validation only
// guards against unknown slot names arriving from the tracker.
type DependencyGraph struct {
	present map[string]bool
}

// NewDependencyGraph builds a graph over the slots actually present for a
// project.
func NewDependencyGraph(slots []string) (*DependencyGraph, error) {
	present := make(map[string]bool, len(slots))
	for _, s := range slots {
		if _, known := slotDependencies[s]; !known {
			return nil, NewValidationError(fmt.Sprintf("unknown slot %q", s), nil)
		}
		present[s] = true
	}
	return &DependencyGraph{present: present}, nil
}

// Dependents returns the present slots that directly depend on slot.
func (g *DependencyGraph) Dependents(slot string) []string {
	var out []string
	for _, candidate := range slotOrder {
		if !g.present[candidate] {
			continue
		}
		for _, dep := range slotDependencies[candidate] {
			if dep == slot {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// DeletionLayers groups the present slots into deletion waves: every slot in
// a layer has no remaining dependents once the earlier layers are gone.
// Within a layer, slots keep reverse declaration order.
func (g *DependencyGraph) DeletionLayers() [][]string {
	remaining := make(map[string]bool, len(g.present))
	for s := range g.present {
		remaining[s] = true
	}

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		for i := len(slotOrder) - 1; i >= 0; i-- {
			slot := slotOrder[i]
			if !remaining[slot] {
				continue
			}
			free := true
			for _, dependent := range g.Dependents(slot) {
				if remaining[dependent] {
					free = false
					break
				}
			}
			if free {
				layer = append(layer, slot)
			}
		}
		// The fixed universe is acyclic, so a non-empty remaining set
		// always yields a non-empty layer.
		for _, s := range layer {
			delete(remaining, s)
		}
		layers = append(layers, layer)
	}
	return layers
}

// DeletionOrder flattens DeletionLayers into a single sequence.
func (g *DependencyGraph) DeletionOrder() []string {
	var order []string
	for _, layer := range g.DeletionLayers() {
		order = append(order, layer...)
	}
	return order
}
