package reconciler

import "fmt"

// TransientStoreError wraps a datastore failure that is worth the
// processor's retry-with-backoff. It is the only reconciler failure the
// webhook endpoint converts into an error status.
type TransientStoreError struct {
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store failure: %v", e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }
