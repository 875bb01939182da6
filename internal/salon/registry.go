package salon

import (
	"sort"
	"time"

	"github.com/deploysalon/coordinator/internal/model"
)

// minHostsForProgress suppresses percentage notices for tiny deploys.
const minHostsForProgress = 8

// deployEvents receives registry side effects. The salon implements this
// to post chat notices, refresh its topic, and defer the conch lease.
type deployEvents interface {
	deployStarted(d *OngoingDeploy)
	deployProgress(d *OngoingDeploy, percent int)
	deployErrored(d *OngoingDeploy, message string)
	deployEnded(d *OngoingDeploy, elapsed time.Duration, failedHosts []string)
	deployAborted(d *OngoingDeploy, elapsed time.Duration, reason string)
	// deployExpired fires when a deploy's TTL lapses with no further
	// events. The deploy is presumed abandoned; no chat notice is sent.
	deployExpired(d *OngoingDeploy)
}

// OngoingDeploy is one in-flight deploy reported by the pipeline. It
// exists in the registry only while its expiry timer is pending; every
// progress or error event resets that timer.
type OngoingDeploy struct {
	ID         string
	Who        string
	When       time.Time
	Args       string
	LogPath    string
	HostCount  int
	Completion int
	Where      string

	// quadrant is the next 25%-multiple notification threshold (1..4).
	quadrant int
	expiry   resettable
}

func (d *OngoingDeploy) snapshot() model.DeploySnapshot {
	return model.DeploySnapshot{
		ID:         d.ID,
		Who:        d.Who,
		When:       d.When,
		Args:       d.Args,
		LogPath:    d.LogPath,
		HostCount:  d.HostCount,
		Completion: d.Completion,
		Where:      d.Where,
	}
}

// DeployRegistry is a bounded-lifetime map of in-flight deploys. Deploys
// that stop reporting are dropped silently after the TTL: the pipeline is
// assumed to have crashed without reporting its own failure.
//
// All methods must be called with the owning salon's lock held.
type DeployRegistry struct {
	ttl     time.Duration
	deploys map[string]*OngoingDeploy
	sched   scheduler
	events  deployEvents
	clock   func() time.Time
}

func newDeployRegistry(ttl time.Duration, sched scheduler, events deployEvents, clock func() time.Time) *DeployRegistry {
	return &DeployRegistry{
		ttl:     ttl,
		deploys: make(map[string]*OngoingDeploy),
		sched:   sched,
		events:  events,
		clock:   clock,
	}
}

// Begin registers a new deploy. A duplicate id is upserted: the pipeline
// retries callbacks, and rejecting a retry would strand a live deploy
// untracked. The old entry's timer is cancelled before the replacement
// schedules its own.
func (r *DeployRegistry) Begin(id, who, args, logPath string, hostCount int) {
	if existing, ok := r.deploys[id]; ok {
		r.sched.cancel(&existing.expiry)
	}

	d := &OngoingDeploy{
		ID:        id,
		Who:       who,
		When:      r.clock(),
		Args:      args,
		LogPath:   logPath,
		HostCount: hostCount,
		quadrant:  1,
	}
	r.deploys[id] = d
	r.sched.schedule(&d.expiry, r.ttl, func() { r.expire(id) })

	r.events.deployStarted(d)
}

// Progress records a host completion report. Unknown ids are ignored: the
// deploy may already have expired. Percentage notices are throttled to
// one per quadrant, only for quadrants 1-3 (100% is immediately followed
// by the completion notice), and only for deploys of at least
// minHostsForProgress hosts.
func (r *DeployRegistry) Progress(id, host string, index int) {
	d, ok := r.deploys[id]
	if !ok {
		return
	}

	r.sched.schedule(&d.expiry, r.ttl, func() { r.expire(id) })
	d.Completion = index
	d.Where = host

	if d.HostCount < minHostsForProgress {
		return
	}
	if d.quadrant > 3 {
		return
	}
	if float64(index)/float64(d.HostCount) < float64(d.quadrant)*0.25 {
		return
	}

	r.events.deployProgress(d, d.quadrant*25)
	d.quadrant++
}

// Error records a non-fatal deploy error. The entry stays live: deploys
// continue after transient errors.
func (r *DeployRegistry) Error(id, message string) {
	d, ok := r.deploys[id]
	if !ok {
		return
	}

	r.sched.schedule(&d.expiry, r.ttl, func() { r.expire(id) })
	r.events.deployErrored(d, message)
}

// End removes a completed deploy, reporting who ran it and for how long.
// Unknown ids return ok=false with no side effects.
func (r *DeployRegistry) End(id string, failedHosts []string) (who string, elapsed time.Duration, ok bool) {
	d := r.remove(id)
	if d == nil {
		return "", 0, false
	}

	elapsed = r.clock().Sub(d.When)
	r.events.deployEnded(d, elapsed, failedHosts)
	return d.Who, elapsed, true
}

// Abort removes an aborted deploy.
func (r *DeployRegistry) Abort(id, reason string) (who string, elapsed time.Duration, ok bool) {
	d := r.remove(id)
	if d == nil {
		return "", 0, false
	}

	elapsed = r.clock().Sub(d.When)
	r.events.deployAborted(d, elapsed, reason)
	return d.Who, elapsed, true
}

// Count returns the number of live deploys.
func (r *DeployRegistry) Count() int {
	return len(r.deploys)
}

// Snapshots returns read-only views of all live deploys in start order.
func (r *DeployRegistry) Snapshots() []model.DeploySnapshot {
	out := make([]model.DeploySnapshot, 0, len(r.deploys))
	for _, d := range r.deploys {
		out = append(out, d.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out
}

// Earliest returns the start time of the oldest live deploy.
func (r *DeployRegistry) Earliest() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, d := range r.deploys {
		if !found || d.When.Before(earliest) {
			earliest = d.When
			found = true
		}
	}
	return earliest, found
}

func (r *DeployRegistry) remove(id string) *OngoingDeploy {
	d, ok := r.deploys[id]
	if !ok {
		return nil
	}
	r.sched.cancel(&d.expiry)
	delete(r.deploys, id)
	return d
}

func (r *DeployRegistry) expire(id string) {
	d, ok := r.deploys[id]
	if !ok {
		return
	}
	delete(r.deploys, id)
	r.events.deployExpired(d)
}
