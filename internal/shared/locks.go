package shared

// CleanupLockKey is the redis key guarding the expiry sweep critical section.
// One sweep per deployment at a time; the sweep itself stays idempotent so a
// lost lock never corrupts state.
const CleanupLockKey = "permissions:cleanup:lock"
