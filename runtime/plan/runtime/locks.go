package runtime

import "sync"

type (
	// lockManager hands out one mutex per plan ID. Locks are created on
	// demand and evicted when the last holder releases, so the map never
	// accumulates entries for finished plans.
	lockManager struct {
		mu    sync.Mutex
		locks map[string]*planLock
	}

	planLock struct {
		mu   sync.Mutex
		refs int
	}
)

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]*planLock)}
}

// Lock acquires the plan's mutex and returns its release function. Release
// must be called exactly once.
func (m *lockManager) Lock(planID string) func() {
	m.mu.Lock()
	l := m.locks[planID]
	if l == nil {
		l = &planLock{}
		m.locks[planID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, planID)
		}
		m.mu.Unlock()
	}
}

// Reset drops every tracked lock. Holders keep their acquired mutexes; new
// acquisitions start fresh.
func (m *lockManager) Reset() {
	m.mu.Lock()
	m.locks = make(map[string]*planLock)
	m.mu.Unlock()
}
