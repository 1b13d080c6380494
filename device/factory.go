package device

import (
	"context"

	"go.uber.org/zap"

	"plugboard/device/kasa"
	"plugboard/device/tapo"
	"plugboard/types"
)

// ForConfig builds a handle for one statically configured device, picking
// the driver from the configured model. Tapo handles need the account
// credentials because the protocol authenticates every session.
func ForConfig(dev types.DeviceConfig, tapoEmail string, tapoPassword string, powerMonitoring bool, logger *zap.Logger) (Handle, error) {
	if types.IsKasaModel(dev.Model) {
		return kasa.NewStaticHandle(dev, powerMonitoring)
	} else if types.IsTapoModel(dev.Model) {
		return tapo.NewHandle(dev, tapoEmail, tapoPassword, powerMonitoring, logger)
	} else {
		panic("device model belongs to no driver")
	}
}

// Kasa adapts the kasa sweep to the Discoverer interface.
func Kasa(d *kasa.Discoverer) Discoverer {
	return kasaDiscoverer{d}
}

type kasaDiscoverer struct {
	d *kasa.Discoverer
}

func (k kasaDiscoverer) Discover(ctx context.Context) (map[types.Address]Handle, error) {
	found, err := k.d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[types.Address]Handle, len(found))
	for addr, h := range found {
		out[addr] = h
	}
	return out, nil
}
