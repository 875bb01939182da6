package salon

import "time"

// resettable is a single logical timer slot: at most one pending fire per
// slot, with cancel-then-reschedule semantics. The generation counter
// invalidates fires that were already in flight when the slot was
// rescheduled or cancelled; it is protected by the owning salon's lock,
// not by the slot itself.
type resettable struct {
	timer *time.Timer
	gen   uint64
}

// scheduler arms and cancels timer slots. The engine implementation
// serializes every fire with the owning salon's lock and drops stale
// generations; tests substitute a manual scheduler to drive fires
// deterministically.
type scheduler interface {
	schedule(t *resettable, d time.Duration, fn func())
	cancel(t *resettable)
}
