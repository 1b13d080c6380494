package device

import (
	"context"
	"fmt"

	"plugboard/types"
)

// Handle is a live connection point for one plug: refresh its full state,
// or switch it. Handles are produced by discovery sweeps and by static
// configuration, and stay valid across reconciliation passes — a handle for
// an unreachable device simply fails its calls until the device returns.
type Handle interface {
	Address() types.Address
	Refresh(ctx context.Context) (types.DeviceState, error)
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// Discoverer yields the currently reachable devices as address → handle.
// A network-level failure of the sweep itself is returned as an error;
// individual devices misbehaving are simply absent from the result.
type Discoverer interface {
	Discover(ctx context.Context) (map[types.Address]Handle, error)
}

type staticMarker interface {
	Static() bool
}

// IsStatic reports whether a handle comes from static configuration rather
// than a network sweep. Static devices are always offered to the
// reconciler, so their reachability is driven by refresh outcomes instead
// of presence in discovery results.
func IsStatic(h Handle) bool {
	if marker, ok := h.(staticMarker); ok {
		return marker.Static()
	}
	return false
}

// Static returns a Discoverer that always offers the given handles.
func Static(handles ...Handle) Discoverer {
	byAddr := make(map[types.Address]Handle, len(handles))
	for _, h := range handles {
		byAddr[h.Address()] = h
	}
	return staticDiscoverer{byAddr: byAddr}
}

type staticDiscoverer struct {
	byAddr map[types.Address]Handle
}

func (d staticDiscoverer) Discover(context.Context) (map[types.Address]Handle, error) {
	out := make(map[types.Address]Handle, len(d.byAddr))
	for addr, h := range d.byAddr {
		out[addr] = h
	}
	return out, nil
}

// Merge combines discoverers into one. Later discoverers win address
// collisions, so static configuration placed last overrides whatever a
// sweep found at the same address. Any failing discoverer fails the whole
// merged sweep.
func Merge(discoverers ...Discoverer) Discoverer {
	return merged(discoverers)
}

type merged []Discoverer

func (m merged) Discover(ctx context.Context) (map[types.Address]Handle, error) {
	out := map[types.Address]Handle{}
	for _, d := range m {
		found, err := d.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discovery failed: %w", err)
		}
		for addr, h := range found {
			out[addr] = h
		}
	}
	return out, nil
}
