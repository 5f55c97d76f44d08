package record

import "slices"

// Delta is one server-pushed action packet after parsing. Once the
// sequencer has assigned a slot the delta is treated as immutable; use the
// With* helpers to derive modified copies.
type Delta struct {
	// Slot is the sequencer-assigned position, starting at 0.
	Slot uint64
	Kind Kind
	// Payload carries the kind-specific fields of the packet.
	Payload Object
	// CommitMarker becomes the watermark once the delta's effects are queued.
	CommitMarker string
	// RequestID correlates a delta with a locally issued request.
	RequestID string
	// Target is the node the delta operates on, if any.
	Target Handle
	// Requires lists nodes that must be resident before dispatch.
	Requires []Handle
	// Nodes are encrypted node records carried by the packet.
	Nodes []SealedNode
	// Sealed is an optional sealed payload that must be opened before dispatch.
	Sealed string
}

// WithSlot returns a copy of d stamped with slot.
func (d Delta) WithSlot(slot uint64) Delta {
	d.Slot = slot
	return d
}

// WithPayload returns a copy of d with payload replaced.
func (d Delta) WithPayload(p Object) Delta {
	d.Payload = p.Clone()
	return d
}

// Dependencies returns the distinct handles the delta needs resident,
// target first.
func (d Delta) Dependencies() []Handle {
	deps := make([]Handle, 0, len(d.Requires)+1)
	if !d.Target.IsZero() {
		deps = append(deps, d.Target)
	}
	for _, h := range d.Requires {
		if h.IsZero() || slices.Contains(deps, h) {
			continue
		}
		deps = append(deps, h)
	}
	return deps
}

// IsLocalEcho reports whether the delta answers a request whose id is in
// outstanding.
func (d Delta) IsLocalEcho(outstanding map[string]Handle) bool {
	if d.RequestID == "" {
		return false
	}
	_, ok := outstanding[d.RequestID]
	return ok
}
