package orders

import (
	"context"
	"errors"
	"time"
)

// ErrSyntheticFault is returned by the demo collaborator's failure branch.
var ErrSyntheticFault = errors.New("synthetic fault")

// NewFlakyCall builds a collaborator that, per invocation, fails with
// ErrSyntheticFault a third of the time, stalls for the given duration a
// third of the time, and succeeds otherwise. The stall is meant to exceed a
// step timeout so retries exercise both failure modes. randFloat and sleep
// are injectable for deterministic tests.
func NewFlakyCall(randFloat func() float64, sleep func(context.Context, time.Duration) error, stall time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		switch r := randFloat(); {
		case r < 1.0/3.0:
			return ErrSyntheticFault
		case r < 2.0/3.0:
			return sleep(ctx, stall)
		default:
			return nil
		}
	}
}
