package kasa

import (
	"context"
	"fmt"
	"time"

	"plugboard/types"
)

// Handle speaks the TCP side of the linkie protocol to one plug. Handles
// come out of discovery sweeps, classified from their broadcast reply, or
// out of static configuration.
type Handle struct {
	addr            types.Address
	port            uint16
	alias           string
	model           string
	meters          bool
	powerMonitoring bool
	static          bool
}

func newHandle(addr types.Address, port uint16, alias, model string, powerMonitoring, static bool) *Handle {
	return &Handle{
		addr:            addr,
		port:            port,
		alias:           alias,
		model:           model,
		meters:          types.ModelSupportsMetering(model),
		powerMonitoring: powerMonitoring,
		static:          static,
	}
}

// NewStaticHandle builds a handle for a configured device, polled whether
// or not it answers discovery broadcasts.
func NewStaticHandle(dev types.DeviceConfig, powerMonitoring bool) (*Handle, error) {
	addr, err := types.ParseAddress(dev.Ip)
	if err != nil {
		return nil, err
	}
	return newHandle(addr, devicePort, dev.Name, dev.Model.String(), powerMonitoring, true), nil
}

func (h *Handle) Address() types.Address { return h.addr }

func (h *Handle) Static() bool { return h.static }

// Refresh queries the device's full state over TCP. The sysinfo reply is
// authoritative for classification, so an address that stopped answering
// as a plug comes back as ErrNotPlug.
func (h *Handle) Refresh(ctx context.Context) (types.DeviceState, error) {
	connection, err := openConnection(ctx, h.addr.String(), h.port)
	if err != nil {
		return types.DeviceState{}, fmt.Errorf("could not refresh %s: %w", h.addr, err)
	}
	defer func() { _ = connection.Close() }()

	// All kasa devices support the `get_sysinfo` query
	deviceInfoJson, err := queryDevice(connection, sysInfoBody)
	if err != nil {
		return types.DeviceState{}, fmt.Errorf("could not refresh %s: %w", h.addr, err)
	}
	info, err := parseSysInfo(deviceInfoJson)
	if err != nil {
		return types.DeviceState{}, fmt.Errorf("could not refresh %s: %w", h.addr, err)
	}
	if !info.isPlug() {
		return types.DeviceState{}, types.ErrNotPlug
	}

	var displayName = info.Alias
	if displayName == "" {
		displayName = h.alias // configured name, for devices never labelled in the vendor app
	}
	h.alias = displayName
	h.model = info.Model
	h.meters = types.ModelSupportsMetering(info.Model)

	var state = types.DeviceState{
		Address:               h.addr,
		DisplayName:           displayName,
		Model:                 info.Model,
		Driver:                types.DriverKasa,
		IsOn:                  info.RelayState == 1,
		SupportsPowerMetering: h.meters,
		IsReachable:           true,
		LastSeen:              time.Now(),
	}

	if h.meters && h.powerMonitoring {
		realTimeJson, err := queryDevice(connection, eMeterRealTimeBody)
		if err != nil {
			return types.DeviceState{}, fmt.Errorf("could not read emeter for %s: %w", h.addr, err)
		}
		realTime, err := parseEMeterRealtime(realTimeJson)
		if err != nil {
			return types.DeviceState{}, fmt.Errorf("could not read emeter for %s: %w", h.addr, err)
		}
		if watts, present := realTime.powerWatts(); present {
			state.PowerWatts = watts
			state.HasPowerReading = true
		}
	}
	return state, nil
}

func (h *Handle) TurnOn(ctx context.Context) error {
	return h.setRelay(ctx, relayOnBody)
}

func (h *Handle) TurnOff(ctx context.Context) error {
	return h.setRelay(ctx, relayOffBody)
}

func (h *Handle) setRelay(ctx context.Context, body string) error {
	connection, err := openConnection(ctx, h.addr.String(), h.port)
	if err != nil {
		return fmt.Errorf("could not switch %s: %w", h.addr, err)
	}
	defer func() { _ = connection.Close() }()

	reply, err := queryDevice(connection, body)
	if err != nil {
		return fmt.Errorf("could not switch %s: %w", h.addr, err)
	}
	if err := checkRelayReply(reply); err != nil {
		return fmt.Errorf("could not switch %s: %w", h.addr, err)
	}
	return nil
}
