package jogarm

import (
	"fmt"
	"sync"
)

var (
	leases     *LeaseRegistry
	leasesOnce sync.Once
)

func defaultLeases() *LeaseRegistry {
	leasesOnce.Do(func() {
		leases = NewLeaseRegistry()
	})
	return leases
}

// AcquireArmLease claims armName for the jog service named owner in this process.
func AcquireArmLease(armName, owner string, config *Config) error {
	if err := defaultLeases().Acquire(armName, owner, config); err != nil {
		return fmt.Errorf("failed to lease arm %q: %w", armName, err)
	}
	return nil
}

// ReleaseArmLease drops one reference to the lease on armName.
func ReleaseArmLease(armName string) {
	defaultLeases().Release(armName)
}

// ArmLeaseStatus reports the lease held on armName, if any.
func ArmLeaseStatus(armName string) (int64, bool, string) {
	return defaultLeases().Status(armName)
}
