package types

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// ErrNotPlug reports that a device answered but is not a controllable plug
// peripheral (a bulb, a strip, a hub). Such devices are skipped entirely:
// they never enter the registry.
var ErrNotPlug = errors.New("device is not a plug peripheral")

// Address identifies one device on the LAN. The address's natural ordering
// (netip.Addr.Compare) fixes both the reconciliation order and the display
// order, so device rows never jump around between refreshes.
type Address = netip.Addr

func ParseAddress(s string) (Address, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid device address %q: %w", s, err)
	}
	return addr.Unmap(), nil
}

func SortAddresses(addrs []Address) {
	slices.SortFunc(addrs, Address.Compare)
}

type Driver string

const (
	DriverKasa Driver = "kasa"
	DriverTapo Driver = "tapo"
)

// DeviceState is the last-known view of one plug. States are plain values;
// the registry and every consumer copy them freely.
type DeviceState struct {
	Address               Address
	DisplayName           string
	Model                 string
	Driver                Driver
	IsOn                  bool
	SupportsPowerMetering bool
	HasPowerReading       bool
	PowerWatts            float64
	IsReachable           bool
	LastSeen              time.Time
}

// PowerReading gates the raw watts field: a reading only exists for
// metering models after a successful refresh.
func (s DeviceState) PowerReading() (float64, bool) {
	if s.SupportsPowerMetering && s.HasPowerReading {
		return s.PowerWatts, true
	}
	return 0, false
}

type ChangeKind string

const (
	ChangeUpdated     ChangeKind = "updated"
	ChangeUnreachable ChangeKind = "unreachable"
)

// ChangeEvent is one per-address notification, emitted after the registry
// has been mutated. CorrelationId ties the event back to the reconciliation
// pass or dispatched command that produced it.
type ChangeEvent struct {
	Kind          ChangeKind
	Device        DeviceState
	CorrelationId string
}
