package ledger

import "sync"

// HostLocks hands out one mutex per host. Entries are reference counted and
// dropped once no goroutine holds or waits for them.
type HostLocks struct {
	mu    sync.Mutex
	locks map[string]*hostLock
}

type hostLock struct {
	mu   sync.Mutex
	refs int
}

func NewHostLocks() *HostLocks {
	return &HostLocks{locks: make(map[string]*hostLock)}
}

// Lock blocks until the host's critical section is free and returns the
// function that releases it.
func (h *HostLocks) Lock(hostID string) (unlock func()) {
	h.mu.Lock()
	l, ok := h.locks[hostID]
	if !ok {
		l = &hostLock{}
		h.locks[hostID] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, hostID)
		}
		h.mu.Unlock()
	}
}

func (h *HostLocks) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}
