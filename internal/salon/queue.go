package salon

import (
	"errors"
	"time"
)

// Errors returned by conch queue operations. Interactive callers translate
// these into short chat replies; state is unchanged when one is returned.
var (
	// ErrAlreadyQueued is returned when a user acquires while queued.
	ErrAlreadyQueued = errors.New("already in the conch queue")

	// ErrNotInQueue is returned for operations on an absent user.
	ErrNotInQueue = errors.New("not in the conch queue")

	// ErrAlreadyHolder is returned when the current holder jumps.
	ErrAlreadyHolder = errors.New("already holding the conch")

	// ErrNotHolder is returned when a non-holder confirms the lease.
	ErrNotHolder = errors.New("not holding the conch")

	// ErrNoOneBehind is returned by notready for the last queue entry.
	ErrNoOneBehind = errors.New("no one behind you in the queue")
)

// conchEvents receives queue-side effects. The salon implements this to
// post chat notices and keep its topic current.
type conchEvents interface {
	// conchGranted fires when the holder changes to a present user.
	conchGranted(holder, previous string)
	// conchQueued fires when a user joins behind the holder.
	conchQueued(user string, position int)
	// conchGetReady fires when a user becomes second in line.
	conchGetReady(user string)
	// conchReleased fires when the queue empties.
	conchReleased()
	// conchLeaseCheck fires when the grant duration elapses without
	// deploy activity: a liveness prompt to the holder.
	conchLeaseCheck(holder string)
	// conchLeaseExpired fires when the grace duration elapses after the
	// liveness prompt.
	conchLeaseExpired(holder string)
}

// Lease stages. Stage 1 is the liveness prompt after the grant duration;
// stage 2 is the escalation after the grace duration.
const (
	leaseIdle = iota
	leaseGrantPending
	leaseGracePending
)

// ConchQueue is an ordered, duplicate-free sequence of requester
// identities: the head holds the conch, everyone else waits. The holder's
// lease runs in two stages; expiry is announce-only — the holder is never
// evicted by a timer, only by release or kick.
//
// All methods must be called with the owning salon's lock held; the
// scheduler guarantees timer fires re-enter under the same lock.
type ConchQueue struct {
	entries []string
	holder  string

	grant time.Duration
	grace time.Duration
	lease resettable
	stage int

	sched  scheduler
	events conchEvents
}

func newConchQueue(grant, grace time.Duration, sched scheduler, events conchEvents) *ConchQueue {
	return &ConchQueue{
		grant:  grant,
		grace:  grace,
		stage:  leaseIdle,
		sched:  sched,
		events: events,
	}
}

// Acquire appends u to the queue. If the queue was empty, u becomes the
// holder immediately; otherwise u is told their position, and warned to
// get ready when they are second in line.
func (q *ConchQueue) Acquire(u string) error {
	if q.indexOf(u) >= 0 {
		return ErrAlreadyQueued
	}

	q.entries = append(q.entries, u)
	if len(q.entries) == 1 {
		q.evaluate()
		return nil
	}

	q.events.conchQueued(u, len(q.entries))
	if len(q.entries) == 2 {
		q.events.conchGetReady(u)
	}
	return nil
}

// Release removes u from the queue, promoting the next entrant if u held
// the conch.
func (q *ConchQueue) Release(u string) error {
	idx := q.indexOf(u)
	if idx < 0 {
		return ErrNotInQueue
	}

	q.removeAt(idx)
	if idx == 0 {
		q.evaluate()
	}
	return nil
}

// Jump moves u to the front of the queue, inserting them if absent. The
// current holder jumping is a no-op.
func (q *ConchQueue) Jump(u string) error {
	if len(q.entries) > 0 && q.entries[0] == u {
		return ErrAlreadyHolder
	}

	if idx := q.indexOf(u); idx >= 0 {
		q.removeAt(idx)
	}
	q.entries = append([]string{u}, q.entries...)
	q.evaluate()
	return nil
}

// Kick removes u from the queue on someone else's behalf.
func (q *ConchQueue) Kick(u string) error {
	idx := q.indexOf(u)
	if idx < 0 {
		return ErrNotInQueue
	}

	q.removeAt(idx)
	if idx == 0 {
		q.evaluate()
	}
	return nil
}

// NotReady swaps u with the entry immediately behind them.
func (q *ConchQueue) NotReady(u string) error {
	idx := q.indexOf(u)
	if idx < 0 {
		return ErrNotInQueue
	}
	if idx == len(q.entries)-1 {
		return ErrNoOneBehind
	}

	q.entries[idx], q.entries[idx+1] = q.entries[idx+1], q.entries[idx]
	if idx == 0 {
		q.evaluate()
	}
	return nil
}

// Enqueue appends each user not already present, in the order given;
// duplicates are skipped silently. Returns the users actually added.
func (q *ConchQueue) Enqueue(users ...string) []string {
	var added []string
	for _, u := range users {
		if q.indexOf(u) >= 0 {
			continue
		}
		q.entries = append(q.entries, u)
		added = append(added, u)
	}
	q.evaluate()
	return added
}

// Confirm acknowledges the lease liveness prompt. Only the holder may
// confirm; the lease restarts from stage 1 without altering the queue.
func (q *ConchQueue) Confirm(u string) error {
	if q.holder == "" || q.holder != u {
		return ErrNotHolder
	}
	q.startLease()
	return nil
}

// DeferLease restarts the holder's lease at stage 1. Called on any deploy
// activity for the owning salon: a live deploy is proof enough that the
// conch is in use.
func (q *ConchQueue) DeferLease() {
	if q.holder == "" {
		return
	}
	q.startLease()
}

// Holder returns the current conch holder, or "".
func (q *ConchQueue) Holder() string {
	return q.holder
}

// Next returns the second entry in line, or "".
func (q *ConchQueue) Next() string {
	if len(q.entries) < 2 {
		return ""
	}
	return q.entries[1]
}

// Entries returns a copy of the queue in order.
func (q *ConchQueue) Entries() []string {
	out := make([]string, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the queue depth.
func (q *ConchQueue) Len() int {
	return len(q.entries)
}

func (q *ConchQueue) indexOf(u string) int {
	for i, e := range q.entries {
		if e == u {
			return i
		}
	}
	return -1
}

func (q *ConchQueue) removeAt(idx int) {
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
}

// evaluate compares the queue head to the recorded holder and reacts to a
// change: promote and start a fresh lease, or clear everything when the
// queue has drained.
func (q *ConchQueue) evaluate() {
	var head string
	if len(q.entries) > 0 {
		head = q.entries[0]
	}
	if head == q.holder {
		return
	}

	previous := q.holder
	q.holder = head

	if head == "" {
		q.sched.cancel(&q.lease)
		q.stage = leaseIdle
		q.events.conchReleased()
		return
	}

	q.startLease()
	q.events.conchGranted(head, previous)
}

func (q *ConchQueue) startLease() {
	q.stage = leaseGrantPending
	q.sched.schedule(&q.lease, q.grant, q.leaseFired)
}

func (q *ConchQueue) leaseFired() {
	if q.holder == "" {
		return
	}

	switch q.stage {
	case leaseGrantPending:
		q.stage = leaseGracePending
		q.events.conchLeaseCheck(q.holder)
		q.sched.schedule(&q.lease, q.grace, q.leaseFired)
	case leaseGracePending:
		// Announce-only expiry: the holder keeps their place. Eviction
		// stays a human decision made with kick.
		q.stage = leaseIdle
		q.events.conchLeaseExpired(q.holder)
	}
}
