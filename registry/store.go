package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"plugboard/types"
)

// Store is the in-memory device registry: the last-known state of every
// plug this process has ever seen, keyed by address. Entries go unreachable
// when a device drops off the network but are never deleted, so consumers
// can keep showing them as offline. States are stored and handed out by
// value; callers never share memory with the store.
type Store struct {
	mu     sync.RWMutex
	byAddr map[types.Address]types.DeviceState

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func New() *Store {
	return &Store{
		byAddr: map[types.Address]types.DeviceState{},
		subs:   map[int64]chan struct{}{},
	}
}

func (s *Store) Get(addr types.Address) (types.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, present := s.byAddr[addr]
	return state, present
}

// Upsert inserts or replaces the entry for state.Address. Both the
// reconciliation loop and the command dispatcher write through here; the
// two racing on one address is fine because each writes a state derived
// from a fresh device refresh.
func (s *Store) Upsert(state types.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byAddr[state.Address] = state
	s.notifyLocked()
}

// MarkUnreachable flips an entry offline, keeping every other field as the
// device last reported it. Returns the updated state and whether the
// address was known at all.
func (s *Store) MarkUnreachable(addr types.Address) (types.DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, present := s.byAddr[addr]
	if !present {
		return types.DeviceState{}, false
	}
	state.IsReachable = false
	s.byAddr[addr] = state

	s.notifyLocked()
	return state, true
}

// Addresses returns every known address in ascending natural order.
func (s *Store) Addresses() []types.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Address, 0, len(s.byAddr))
	for addr := range s.byAddr {
		out = append(out, addr)
	}
	types.SortAddresses(out)
	return out
}

// Snapshot returns a copy of every entry, in ascending address order.
func (s *Store) Snapshot() []types.DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]types.Address, 0, len(s.byAddr))
	for addr := range s.byAddr {
		addrs = append(addrs, addr)
	}
	types.SortAddresses(addrs)

	out := make([]types.DeviceState, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, s.byAddr[addr])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddr)
}

// Subscribe emits a signal (coalesced) when the store changes.
func (s *Store) Subscribe(ctx context.Context) <-chan struct{} {
	id := s.subID.Add(1)
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Store) notifyLocked() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// drop (coalesce)
		}
	}
}
