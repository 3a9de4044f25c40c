package execution

import "fmt"

// FatalExecutionError aborts a parent order mid-flight. PlacedOrderIDs lists
// the children that made it to the broker before the failure so the caller
// can reconcile the partial fill.
type FatalExecutionError struct {
	Bucket         Bucket
	PlacedOrderIDs []string
	Err            error
}

func (e *FatalExecutionError) Error() string {
	return fmt.Sprintf("execution aborted (%s) after %d child orders: %v",
		e.Bucket, len(e.PlacedOrderIDs), e.Err)
}

// Unwrap exposes the underlying broker error.
func (e *FatalExecutionError) Unwrap() error { return e.Err }
