package monitor

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"plugboard/device"
	"plugboard/types"
)

// fakePlug is a scriptable device.Handle. A non-nil gate makes Refresh
// block until the gate is closed, for exercising the single-flight guard.
type fakePlug struct {
	addr   types.Address
	static bool
	gate   chan struct{}

	mu         sync.Mutex
	name       string
	model      string
	isOn       bool
	meters     bool
	watts      float64
	notPlug    bool
	refreshErr error
	switchErr  error
	refreshes  int
}

func plugAt(t *testing.T, ip string, name string) *fakePlug {
	t.Helper()
	return &fakePlug{addr: addr(t, ip), name: name, model: "HS100(UK)"}
}

func meteringPlugAt(t *testing.T, ip string, name string, watts float64) *fakePlug {
	t.Helper()
	var p = plugAt(t, ip, name)
	p.model = "HS110(UK)"
	p.meters = true
	p.watts = watts
	return p
}

func (p *fakePlug) Address() types.Address { return p.addr }
func (p *fakePlug) Static() bool           { return p.static }

func (p *fakePlug) Refresh(context.Context) (types.DeviceState, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.notPlug {
		return types.DeviceState{}, types.ErrNotPlug
	}
	if p.refreshErr != nil {
		return types.DeviceState{}, p.refreshErr
	}
	var state = types.DeviceState{
		Address:               p.addr,
		DisplayName:           p.name,
		Model:                 p.model,
		Driver:                types.DriverKasa,
		IsOn:                  p.isOn,
		SupportsPowerMetering: p.meters,
		IsReachable:           true,
		LastSeen:              time.Now(),
	}
	if p.meters {
		state.PowerWatts = p.watts
		state.HasPowerReading = true
	}
	return state, nil
}

func (p *fakePlug) TurnOn(context.Context) error  { return p.setSwitch(true) }
func (p *fakePlug) TurnOff(context.Context) error { return p.setSwitch(false) }

func (p *fakePlug) setSwitch(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.switchErr != nil {
		return p.switchErr
	}
	p.isOn = on
	return nil
}

func (p *fakePlug) setOn(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isOn = on
}

func (p *fakePlug) switchedOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOn
}

func (p *fakePlug) failRefreshesWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshErr = err
}

func (p *fakePlug) failSwitchesWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.switchErr = err
}

// fakeNetwork is a scriptable device.Discoverer over a set of fake plugs.
type fakeNetwork struct {
	mu    sync.Mutex
	plugs []*fakePlug
	err   error
}

func network(plugs ...*fakePlug) *fakeNetwork {
	return &fakeNetwork{plugs: plugs}
}

func (n *fakeNetwork) Discover(context.Context) (map[types.Address]device.Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	var found = make(map[types.Address]device.Handle, len(n.plugs))
	for _, p := range n.plugs {
		found[p.addr] = p
	}
	return found, nil
}

func (n *fakeNetwork) setPlugs(plugs ...*fakePlug) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.plugs = plugs
	n.err = nil
}

func (n *fakeNetwork) failWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// recordingSink captures every notification, standing in for the hub, the
// mqtt bridge, and the alerter at once.
type recordingSink struct {
	mu              sync.Mutex
	events          []types.ChangeEvent
	passFailures    []error
	commandFailures []types.Address
}

func (s *recordingSink) DeviceChanged(event types.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) PassFailed(_ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passFailures = append(s.passFailures, err)
}

func (s *recordingSink) CommandFailed(_ string, addr types.Address, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandFailures = append(s.commandFailures, addr)
}

func (s *recordingSink) changeEvents() []types.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *recordingSink) troubles() (passes []error, commands []types.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.passFailures), slices.Clone(s.commandFailures)
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events, s.passFailures, s.commandFailures = nil, nil, nil
}

func addr(t *testing.T, ip string) types.Address {
	t.Helper()
	a, err := types.ParseAddress(ip)
	require.NoError(t, err)
	return a
}
