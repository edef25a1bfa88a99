package caskv

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store calls them on hot paths.
type Hooks interface {
	// A CAS or delete predicate failed for key.
	Conflict(ns, key string)

	// A transaction lost a race and will run fn again.
	// attempt is the number of the attempt that just failed (1-based).
	TransactRetry(ns string, keys, attempt int)

	// A transaction gave up after its retry budget.
	RetriesExhausted(ns string, keys int)

	// The reaper physically removed expired entries.
	Reaped(ns string, removed int)

	// A backend or codec call failed. op names the public operation.
	StorageFault(ns, op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Conflict(string, string)            {}
func (NopHooks) TransactRetry(string, int, int)     {}
func (NopHooks) RetriesExhausted(string, int)       {}
func (NopHooks) Reaped(string, int)                 {}
func (NopHooks) StorageFault(string, string, error) {}
