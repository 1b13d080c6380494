package types

import (
	"fmt"
	"strings"
)

const (
	KasaHS100 = iota
	KasaHS110
	KasaKP115
	TapoP100
	TapoP110
)

type DeviceModel int

// DeviceConfig describes one statically configured device. Discovered
// devices never have a config entry; they are classified from their own
// announcements instead.
type DeviceConfig struct {
	Name  string
	Model DeviceModel
	Ip    string
}

func DeviceModelFor(name string) (DeviceModel, error) {
	switch strings.ToUpper(name) {
	case "HS100":
		return KasaHS100, nil
	case "HS110":
		return KasaHS110, nil
	case "KP115":
		return KasaKP115, nil
	case "P100":
		return TapoP100, nil
	case "P110":
		return TapoP110, nil
	default:
		return 0, fmt.Errorf("unknown device model %q", name)
	}
}

func (m DeviceModel) String() string {
	switch m {
	case KasaHS100:
		return "HS100"
	case KasaHS110:
		return "HS110"
	case KasaKP115:
		return "KP115"
	case TapoP100:
		return "P100"
	case TapoP110:
		return "P110"
	default:
		panic("device model has no name")
	}
}

func IsKasaModel(m DeviceModel) bool {
	return m == KasaHS100 || m == KasaHS110 || m == KasaKP115
}

func IsTapoModel(m DeviceModel) bool {
	return m == TapoP100 || m == TapoP110
}

// ModelSupportsMetering reports whether a model family carries an energy
// meter. Matches on the model prefix so hardware variants such as
// "HS110(UK)" classify the same as the bare model name.
func ModelSupportsMetering(model string) bool {
	return strings.HasPrefix(model, "HS110") || strings.HasPrefix(model, "KP115") || strings.HasPrefix(model, "P110")
}
