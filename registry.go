package jogarm

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// LeaseEntry records which jog service drives an arm.
type LeaseEntry struct {
	owner    string
	config   *Config
	refCount int64 // Atomic reference counter
	mu       sync.RWMutex
}

// LeaseRegistry hands out exclusive arm leases so two jog services never stream setpoints to the
// same arm. A service rebuilt under the same name with the same configuration shares its lease
// until the old instance releases it.
type LeaseRegistry struct {
	entries map[string]*LeaseEntry // arm name -> entry
	mu      sync.RWMutex
}

func NewLeaseRegistry() *LeaseRegistry {
	return &LeaseRegistry{
		entries: make(map[string]*LeaseEntry),
	}
}

// Acquire takes or shares the lease on armName for owner.
func (r *LeaseRegistry) Acquire(armName, owner string, config *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[armName]; exists {
		return shareLease(armName, entry, owner, config)
	}

	r.entries[armName] = &LeaseEntry{
		owner:    owner,
		config:   config,
		refCount: 1,
	}
	return nil
}

func shareLease(armName string, entry *LeaseEntry, owner string, config *Config) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	currentRefCount := atomic.LoadInt64(&entry.refCount)
	if entry.owner != owner {
		return fmt.Errorf("conflict: arm %q is already jogged by %q (refCount: %d)", armName, entry.owner, currentRefCount)
	}
	if !configsEqual(entry.config, config) {
		return fmt.Errorf("conflict: %q holds arm %q with a different config (refCount: %d)", owner, armName, currentRefCount)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return nil
}

// Release drops one reference to the lease on armName.
func (r *LeaseRegistry) Release(armName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[armName]
	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) <= 0 {
		delete(r.entries, armName)
		entry.config = nil
		atomic.StoreInt64(&entry.refCount, 0)
	}
}

// Status returns the reference count, whether the lease is held, and a summary of the holder.
func (r *LeaseRegistry) Status(armName string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[armName]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	currentRefCount := atomic.LoadInt64(&entry.refCount)
	summary := entry.owner
	if entry.config != nil {
		summary = fmt.Sprintf("%s: period %v, timeout %v", entry.owner,
			entry.config.PublishPeriod(), entry.config.IncomingCommandTimeout())
	}
	return currentRefCount, currentRefCount > 0, summary
}

// Compare configs for lease compatibility
func configsEqual(a, b *Config) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Arm == b.Arm &&
		a.PublishPeriodSec == b.PublishPeriodSec &&
		a.IncomingCommandTimeoutSec == b.IncomingCommandTimeoutSec &&
		slices.Equal(a.JointNames, b.JointNames) &&
		a.BaseFrame == b.BaseFrame &&
		a.EndEffectorFrame == b.EndEffectorFrame
}
