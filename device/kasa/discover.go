package kasa

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"plugboard/types"
)

type Config struct {
	Broadcast       string        // where the probe datagram is sent, host:port
	DevicePort      uint16        // TCP port handles dial, 9999 on real hardware
	ProbeWait       time.Duration // how long one sweep listens for replies
	Attempts        int           // probe datagrams sent per sweep
	PowerMonitoring bool          // when false, handles never issue emeter queries
}

// Discoverer finds kasa devices by broadcasting a scrambled get_sysinfo
// query over UDP and collecting whoever answers before the sweep deadline.
// Classification happens here: only plug peripherals yield handles.
type Discoverer struct {
	config Config
	logger *zap.Logger
}

func NewDiscoverer(config Config, logger *zap.Logger) *Discoverer {
	if config.Broadcast == "" {
		config.Broadcast = "255.255.255.255:9999"
	}
	if config.DevicePort == 0 {
		config.DevicePort = devicePort
	}
	if config.ProbeWait <= 0 {
		config.ProbeWait = 2 * time.Second
	}
	if config.Attempts < 1 {
		config.Attempts = 1
	}
	return &Discoverer{config: config, logger: logger}
}

func (d *Discoverer) Discover(ctx context.Context) (map[types.Address]*Handle, error) {
	probeAddr, err := net.ResolveUDPAddr("udp4", d.config.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery broadcast address %q: %w", d.config.Broadcast, err)
	}
	connection, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("could not open discovery socket: %w", err)
	}
	defer func() { _ = connection.Close() }()

	deadline := time.Now().Add(d.config.ProbeWait)
	if ctxDeadline, bounded := ctx.Deadline(); bounded && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := connection.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("could not bound discovery sweep: %w", err)
	}

	probe := scrambleRaw([]byte(sysInfoBody))
	for i := 0; i < d.config.Attempts; i++ {
		if _, err := connection.WriteToUDP(probe, probeAddr); err != nil {
			return nil, fmt.Errorf("could not send discovery probe: %w", err)
		}
	}

	var handles = map[types.Address]*Handle{}
	buffer := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, sender, err := connection.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break // sweep complete
			}
			return nil, fmt.Errorf("discovery read failed: %w", err)
		}
		d.collectReply(handles, buffer[:n], sender)
	}
	return handles, nil
}

// collectReply classifies one announcement. Garbage datagrams and repeat
// announcements are dropped; a sweep over a noisy LAN must not fail just
// because something unrelated also speaks on this port.
func (d *Discoverer) collectReply(handles map[types.Address]*Handle, datagram []byte, sender *net.UDPAddr) {
	info, err := parseSysInfo(unscrambleRaw(datagram))
	if err != nil {
		d.logger.Debug("ignoring malformed discovery reply",
			zap.String("from", sender.String()), zap.Error(err))
		return
	}
	addr, valid := netip.AddrFromSlice(sender.IP)
	if !valid {
		return
	}
	addr = addr.Unmap()
	if _, seen := handles[addr]; seen {
		return
	}
	if !info.isPlug() {
		d.logger.Debug("skipping non-plug device",
			zap.Stringer("address", addr),
			zap.String("model", info.Model),
			zap.String("system_type", info.systemType()))
		return
	}
	d.logger.Debug("discovered plug",
		zap.Stringer("address", addr),
		zap.String("alias", info.Alias),
		zap.String("model", info.Model),
		zap.String("device_id", info.DeviceId),
		zap.String("mac", info.normalisedMac()),
		zap.Int("rssi", info.Rssi))
	handles[addr] = newHandle(addr, d.config.DevicePort, info.Alias, info.Model, d.config.PowerMonitoring, false)
}
