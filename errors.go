package autoupdate

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrStaleChangeID marks a request for a change id below the retained
	// floor. The client must fall back to a full resync.
	ErrStaleChangeID = errors.New("change id below the lowest retained change id, resync required")

	// ErrFutureChangeID marks a request for a change id above the current
	// maximum. Clients cannot request the future.
	ErrFutureChangeID = errors.New("change id is higher than the newest change id")

	// ErrNotFound marks a lookup for an element that exists neither in the
	// cache nor in the system of record.
	ErrNotFound = errors.New("element does not exist")
)

// ChangeError reports which elements of a batch could not be committed.
// The batch is not partially applied: when ChangeError is returned, nothing
// was written.
type ChangeError struct {
	Failed map[Key]error
}

func (e *ChangeError) Error() string {
	ks := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		ks = append(ks, k.String())
	}
	sort.Strings(ks)
	return fmt.Sprintf("change batch rejected, %d element(s) failed: %v", len(e.Failed), ks)
}

func (e *ChangeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
