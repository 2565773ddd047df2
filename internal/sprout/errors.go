package sprout

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel store misses wrap.
var ErrNotFound = errors.New("not found")

// ErrNoCapacity means a provider's provisioning slots or appliance limit
// were exhausted between scheduling and the reserve step.
var ErrNoCapacity = errors.New("provider has no remaining capacity")

// QuotaExceededError rejects a pool request at creation. No pool row is
// written when this is returned.
type QuotaExceededError struct {
	// Quota names which bound tripped: "per_pool", "total_pools" or
	// "total_vms".
	Quota     string
	Limit     int
	Requested int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota %s exceeded: requested %d, limit %d", e.Quota, e.Requested, e.Limit)
}

// AuthenticationError fails an RPC call before its method runs.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }
