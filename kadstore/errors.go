package kadstore

import (
	"errors"
	"fmt"
)

// ErrStoreFull is matched by every rejection caused by a store cap. Use
// errors.As with a [*LimitError] to find out which cap was hit.
var ErrStoreFull = errors.New("store full")

// Limit names one of the caps of a [MemoryStore].
type Limit string

const (
	LimitRecords         Limit = "max_records"
	LimitValueBytes      Limit = "max_value_bytes"
	LimitProvidersPerKey Limit = "max_providers_per_key"
	LimitProvidedKeys    Limit = "max_provided_keys"
)

// LimitError is returned when an insert is rejected because it would exceed
// a cap of the store.
type LimitError struct {
	Limit Limit
	Max   int
}

var _ error = (*LimitError)(nil)

func (e *LimitError) Error() string {
	return fmt.Sprintf("store full: %s reached (%d)", e.Limit, e.Max)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrStoreFull
}
