package web

import (
	"time"

	"plugboard/types"
)

// deviceJson is one panel row. Address is always present as the toggle
// routing key; DisplayAddress is only filled when the ui config wants
// addresses shown, and is the only address field panels may render.
type deviceJson struct {
	Address        string   `json:"address"`
	DisplayAddress string   `json:"displayAddress,omitempty"`
	Name           string   `json:"name"`
	Model          string   `json:"model"`
	Driver         string   `json:"driver"`
	On             bool     `json:"on"`
	Reachable      bool     `json:"reachable"`
	Metering       bool     `json:"metering"`
	PowerWatts     *float64 `json:"powerWatts,omitempty"`
	LastSeen       string   `json:"lastSeen,omitempty"`
}

func renderDevice(state types.DeviceState, showAddress bool) deviceJson {
	var row = deviceJson{
		Address:   state.Address.String(),
		Name:      state.DisplayName,
		Model:     state.Model,
		Driver:    string(state.Driver),
		On:        state.IsOn,
		Reachable: state.IsReachable,
		Metering:  state.SupportsPowerMetering,
	}
	if showAddress {
		row.DisplayAddress = row.Address
	}
	if watts, present := state.PowerReading(); present {
		row.PowerWatts = &watts
	}
	if !state.LastSeen.IsZero() {
		row.LastSeen = state.LastSeen.UTC().Format(time.RFC3339)
	}
	return row
}

func renderSnapshot(states []types.DeviceState, showAddress bool) []deviceJson {
	var rows = make([]deviceJson, 0, len(states))
	for _, state := range states {
		rows = append(rows, renderDevice(state, showAddress))
	}
	return rows
}
