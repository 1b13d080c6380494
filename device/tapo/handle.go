package tapo

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"plugboard/types"
)

// Plugs report type SMART.TAPOPLUG; bulbs report SMART.TAPOBULB.
const plugDeviceType = "SMART.TAPOPLUG"

// Handle speaks to one tapo plug over its HTTP app API. Tapo devices do
// not answer the kasa discovery broadcast, so every handle comes from
// static configuration and is offered to the reconciler on every pass.
type Handle struct {
	addr            types.Address
	name            string
	model           string
	meters          bool
	powerMonitoring bool
	connection      apiConnection
	logger          *zap.Logger
}

func NewHandle(dev types.DeviceConfig, email, password string, powerMonitoring bool, logger *zap.Logger) (*Handle, error) {
	addr, err := types.ParseAddress(dev.Ip)
	if err != nil {
		return nil, err
	}
	var model = dev.Model.String()
	return &Handle{
		addr:            addr,
		name:            dev.Name,
		model:           model,
		meters:          types.ModelSupportsMetering(model),
		powerMonitoring: powerMonitoring,
		connection:      newConnection(email, password, dev.Ip, devicePort, logger),
		logger:          logger,
	}, nil
}

func (h *Handle) Address() types.Address { return h.addr }

func (h *Handle) Static() bool { return true }

// deviceInfo carries the subset of the get_device_info result this service
// reads. Captured result from a P100, fw 1.5.5:
// {"device_id":"802280A16D601909124373211884D9081F4B1B9C","fw_ver":"1.5.5 Build 20230927 Rel. 40646","type":"SMART.TAPOPLUG","model":"P100","mac":"5C-A6-E6-FE-BE-0B","device_on":false,"on_time":0,"overheated":false,"nickname":"U2xvdyBDb29rZXI=","signal_level":3,"rssi":-44,"region":"Europe/London", ...}
type deviceInfo struct {
	Type       string `mapstructure:"type"`
	Model      string `mapstructure:"model"`
	Nickname   string `mapstructure:"nickname"` // base64
	DeviceId   string `mapstructure:"device_id"`
	DeviceOn   bool   `mapstructure:"device_on"`
	Overheated bool   `mapstructure:"overheated"`
	Rssi       int    `mapstructure:"rssi"`
}

// energyUsage mirrors the get_energy_usage result, e.g.
// {"today_runtime":41,"month_runtime":1803,"today_energy":5,"month_energy":236,"current_power":23400,"err_code":0}
// current_power is in milliwatts.
type energyUsage struct {
	CurrentPower *float64 `mapstructure:"current_power"`
}

func (h *Handle) Refresh(ctx context.Context) (types.DeviceState, error) {
	result, err := h.connection.call(ctx, "get_device_info", nil)
	if err != nil {
		return types.DeviceState{}, fmt.Errorf("could not refresh %s: %w", h.addr, err)
	}
	var info deviceInfo
	if err := mapstructure.Decode(result, &info); err != nil {
		return types.DeviceState{}, fmt.Errorf("could not decode device info for %s: %w", h.addr, err)
	}
	if info.Type != plugDeviceType {
		return types.DeviceState{}, types.ErrNotPlug
	}

	var displayName = decodeNickname(info.Nickname)
	if displayName == "" {
		displayName = h.name // configured name, for devices never labelled in the vendor app
	}
	if info.Model != "" {
		h.model = info.Model
		h.meters = types.ModelSupportsMetering(info.Model)
	}
	if info.Overheated {
		h.logger.Warn("device reports overheating",
			zap.Stringer("address", h.addr), zap.String("name", displayName))
	}

	var state = types.DeviceState{
		Address:               h.addr,
		DisplayName:           displayName,
		Model:                 h.model,
		Driver:                types.DriverTapo,
		IsOn:                  info.DeviceOn,
		SupportsPowerMetering: h.meters,
		IsReachable:           true,
		LastSeen:              time.Now(),
	}

	if h.meters && h.powerMonitoring {
		energy, err := h.connection.call(ctx, "get_energy_usage", nil)
		if err != nil {
			return types.DeviceState{}, fmt.Errorf("could not read energy usage for %s: %w", h.addr, err)
		}
		var usage energyUsage
		if err := mapstructure.Decode(energy, &usage); err != nil {
			return types.DeviceState{}, fmt.Errorf("could not decode energy usage for %s: %w", h.addr, err)
		}
		if usage.CurrentPower != nil {
			state.PowerWatts = *usage.CurrentPower / 1000.0
			state.HasPowerReading = true
		}
	}
	return state, nil
}

func (h *Handle) TurnOn(ctx context.Context) error {
	return h.setSwitch(ctx, true)
}

func (h *Handle) TurnOff(ctx context.Context) error {
	return h.setSwitch(ctx, false)
}

func (h *Handle) setSwitch(ctx context.Context, on bool) error {
	type switchParams struct {
		DeviceOn bool `json:"device_on"`
	}
	if _, err := h.connection.call(ctx, "set_device_info", switchParams{DeviceOn: on}); err != nil {
		return fmt.Errorf("could not switch %s: %w", h.addr, err)
	}
	return nil
}

// Nicknames travel base64-encoded; a handful of early firmwares send them
// as plain text, which is kept as-is.
func decodeNickname(nickname string) string {
	if decoded, err := base64.StdEncoding.DecodeString(nickname); err == nil {
		return strings.TrimSpace(string(decoded))
	}
	return nickname
}
