package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plugboard/registry"
	"plugboard/types"
)

// ErrUnknownAddress reports a command naming an address the registry does
// not hold. Such commands are logged and dropped, never dispatched.
var ErrUnknownAddress = errors.New("device address is not in the registry")

// Dispatcher turns one toggle gesture into a confirmed device command:
// the registry is written only after the device acknowledges the switch
// and a follow-up refresh succeeds. Commands for one address never
// interleave; different addresses dispatch independently.
type Dispatcher struct {
	store   *registry.Store
	events  *Events
	metrics *Metrics
	handles *handleTable
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[types.Address]*sync.Mutex
}

// NewDispatcher builds a dispatcher driving the same handles the given
// reconciler discovers.
func NewDispatcher(r *Reconciler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   r.store,
		events:  r.events,
		metrics: r.metrics,
		handles: r.handles,
		logger:  logger,
		locks:   map[types.Address]*sync.Mutex{},
	}
}

// Toggle drives the device at addr to the desired switch state. A failure
// at any step leaves the registry entry unchanged and raises a
// command_failed trouble event scoped to that address.
func (d *Dispatcher) Toggle(ctx context.Context, addr types.Address, on bool) error {
	var correlationId = uuid.NewString()
	var logger = d.logger.With(
		zap.String("command", correlationId),
		zap.String("addr", addr.String()),
		zap.Bool("on", on))

	if _, known := d.store.Get(addr); !known {
		logger.Warn("dropping command for unknown device")
		return ErrUnknownAddress
	}
	var handle = d.handles.lookup(addr)
	if handle == nil {
		logger.Warn("dropping command for device with no handle")
		return ErrUnknownAddress
	}

	var lock = d.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	var switchDevice = handle.TurnOff
	if on {
		switchDevice = handle.TurnOn
	}
	if err := switchDevice(ctx); err != nil {
		return d.failCommand(logger, correlationId, addr, fmt.Errorf("switching %s: %w", addr, err))
	}
	// Re-read the whole state rather than assuming the switch landed: the
	// refresh also picks up the power-draw change the switch caused.
	state, err := handle.Refresh(ctx)
	if err != nil {
		return d.failCommand(logger, correlationId, addr, fmt.Errorf("confirming %s after switch: %w", addr, err))
	}

	d.store.Upsert(state)
	d.events.deviceChanged(types.ChangeEvent{Kind: types.ChangeUpdated, Device: state, CorrelationId: correlationId})
	d.metrics.commandFinished(true)
	logger.Debug("command confirmed")
	return nil
}

func (d *Dispatcher) failCommand(logger *zap.Logger, correlationId string, addr types.Address, err error) error {
	logger.Warn("command failed, registry left unchanged", zap.Error(err))
	d.events.commandFailed(correlationId, addr, err)
	d.metrics.commandFinished(false)
	return err
}

func (d *Dispatcher) lockFor(addr types.Address) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	var lock, present = d.locks[addr]
	if !present {
		lock = &sync.Mutex{}
		d.locks[addr] = lock
	}
	return lock
}
