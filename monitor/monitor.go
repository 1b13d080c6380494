package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plugboard/device"
	"plugboard/registry"
	"plugboard/types"
)

// ErrPassInFlight reports that a reconciliation pass was requested while
// another was still running. The running pass covers the request, so
// callers treat this as "already underway" rather than as a failure.
var ErrPassInFlight = errors.New("a reconciliation pass is already in flight")

// Reconciler keeps the registry consistent with live network state. Each
// pass sweeps the discoverer, marks previously known addresses the sweep
// no longer offers as unreachable, refreshes every offered handle in
// ascending address order, and emits one change event per touched address.
// At most one pass runs at a time.
type Reconciler struct {
	discoverer device.Discoverer
	store      *registry.Store
	events     *Events
	metrics    *Metrics
	logger     *zap.Logger
	interval   time.Duration

	passMu  sync.Mutex // single-flight guard, held for a whole pass
	handles *handleTable
}

func NewReconciler(discoverer device.Discoverer, store *registry.Store, interval time.Duration, events *Events, metrics *Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		discoverer: discoverer,
		store:      store,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		interval:   interval,
		handles:    newHandleTable(),
	}
}

// Run drives the periodic loop: one pass immediately, then one per
// interval, until ctx is cancelled. Pass failures are reported through the
// trouble sinks and retried on the next tick; they never stop the loop.
func (r *Reconciler) Run(ctx context.Context) {
	var ticker = time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		_ = r.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh runs one pass synchronously, returning ErrPassInFlight when
// another pass already holds the guard.
func (r *Reconciler) Refresh(ctx context.Context) error {
	if !r.passMu.TryLock() {
		return ErrPassInFlight
	}
	defer r.passMu.Unlock()
	return r.pass(ctx)
}

// StartRefresh triggers a pass in the background, for callers that must
// not block on device I/O (the panel's refresh button, mqtt commands).
// The pass outlives the request that asked for it.
func (r *Reconciler) StartRefresh(ctx context.Context) error {
	if !r.passMu.TryLock() {
		return ErrPassInFlight
	}
	go func() {
		defer r.passMu.Unlock()
		_ = r.pass(context.WithoutCancel(ctx))
	}()
	return nil
}

func (r *Reconciler) pass(ctx context.Context) error {
	var correlationId = uuid.NewString()
	var logger = r.logger.With(zap.String("pass", correlationId))
	var started = time.Now()

	found, err := r.discoverer.Discover(ctx)
	if err != nil {
		return r.abortPass(logger, correlationId, started, err)
	}
	r.handles.rememberAll(found)

	var current = make([]types.Address, 0, len(found))
	for addr := range found {
		current = append(current, addr)
	}
	types.SortAddresses(current)

	// Offline marks first: every known address the sweep no longer offers,
	// in the registry's sorted order.
	for _, addr := range r.store.Addresses() {
		if _, offered := found[addr]; !offered {
			r.markUnreachable(addr, correlationId)
		}
	}

	var refreshed, skipped, unanswered int
	for _, addr := range current {
		state, err := found[addr].Refresh(ctx)
		if err == nil {
			r.store.Upsert(state)
			r.events.deviceChanged(types.ChangeEvent{Kind: types.ChangeUpdated, Device: state, CorrelationId: correlationId})
			refreshed++
		} else if errors.Is(err, types.ErrNotPlug) {
			// Not a switch peripheral: never enters the registry.
			logger.Debug("ignoring non-plug device", zap.String("addr", addr.String()))
			skipped++
		} else if device.IsStatic(found[addr]) {
			// Configured devices are offered every pass whether reachable
			// or not, so their absence shows up here instead of in the diff.
			logger.Info("configured device did not answer", zap.String("addr", addr.String()), zap.Error(err))
			r.markUnreachable(addr, correlationId)
			unanswered++
		} else {
			// Discovery itself vouched for this handle moments ago, so a
			// refresh failure here fails the whole pass.
			return r.abortPass(logger, correlationId, started, fmt.Errorf("refreshing %s: %w", addr, err))
		}
	}

	var elapsed = time.Since(started)
	r.metrics.passCompleted(elapsed)
	logger.Info("reconciliation pass complete",
		zap.Int("offered", len(found)),
		zap.Int("refreshed", refreshed),
		zap.Int("skipped", skipped),
		zap.Int("unanswered", unanswered),
		zap.Duration("elapsed", elapsed))
	return nil
}

// markUnreachable flips one registry entry offline and notifies. Addresses
// the registry has never seen (a configured device that has never answered)
// have nothing to mark.
func (r *Reconciler) markUnreachable(addr types.Address, correlationId string) {
	if state, known := r.store.MarkUnreachable(addr); known {
		r.events.deviceChanged(types.ChangeEvent{Kind: types.ChangeUnreachable, Device: state, CorrelationId: correlationId})
	}
}

func (r *Reconciler) abortPass(logger *zap.Logger, correlationId string, started time.Time, err error) error {
	err = fmt.Errorf("reconciliation pass failed: %w", err)
	logger.Warn("reconciliation pass aborted", zap.Error(err))
	r.events.passFailed(correlationId, err)
	r.metrics.passFailed(time.Since(started))
	return err
}

// handleTable remembers the most recent handle per address. Sweeps replace
// entries but never remove them, so commands can still reach a device the
// latest pass missed.
type handleTable struct {
	mu     sync.RWMutex
	byAddr map[types.Address]device.Handle
}

func newHandleTable() *handleTable {
	return &handleTable{byAddr: map[types.Address]device.Handle{}}
}

func (t *handleTable) rememberAll(found map[types.Address]device.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, h := range found {
		t.byAddr[addr] = h
	}
}

func (t *handleTable) lookup(addr types.Address) device.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byAddr[addr]
}
