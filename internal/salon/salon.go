// Package salon implements the coordination engine: per-channel conch
// queues with lease timers, hold/freeze state, the live-deploy registry,
// topic synthesis, and the manager cache over the configuration store.
package salon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/chat"
	"github.com/deploysalon/coordinator/internal/metrics"
	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/policy"
)

// sendTimeout bounds every chat transport call made from the engine.
const sendTimeout = 10 * time.Second

// Settings are the engine timings shared by every salon.
type Settings struct {
	// ConchGrant is how long a holder keeps the conch before the
	// liveness prompt.
	ConchGrant time.Duration

	// ConchGrace is how long after the prompt before the lease is
	// announced expired.
	ConchGrace time.Duration

	// DeployTTL is how long a deploy may go without reporting before it
	// is presumed abandoned.
	DeployTTL time.Duration
}

// FailureReporter receives cross-salon failure reports when a deploy ends
// with failed hosts. Implementations must not call back into the salon
// synchronously.
type FailureReporter func(salonName string, deploy model.DeploySnapshot, failedHosts []string)

// Salon is one deploy-coordination space: a chat channel plus its conch
// queue, hold state, and live-deploy registry. All mutable state is
// guarded by a single mutex; timer fires re-enter under the same lock, so
// operations never observe a half-applied transition.
type Salon struct {
	mu sync.Mutex

	cfg   model.SalonConfig
	start policy.Clock
	end   policy.Clock
	loc   *time.Location

	queue    *ConchQueue
	hold     *HoldState
	registry *DeployRegistry

	currentTopic string

	transport chat.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time

	onFailure FailureReporter
}

// New creates a salon from its configuration row. The deploy hours and
// timezone must parse; rows that do not are rejected rather than given
// defaults.
func New(cfg model.SalonConfig, settings Settings, transport chat.Transport, logger *zap.Logger, m *metrics.Metrics) (*Salon, error) {
	s := &Salon{
		transport: transport,
		logger:    logger,
		metrics:   m,
		clock:     time.Now,
	}
	if err := s.applyConfig(cfg); err != nil {
		return nil, err
	}

	s.queue = newConchQueue(settings.ConchGrant, settings.ConchGrace, s, s)
	s.registry = newDeployRegistry(settings.DeployTTL, s, s, func() time.Time { return s.clock() })
	s.hold = &HoldState{}
	return s, nil
}

func (s *Salon) applyConfig(cfg model.SalonConfig) error {
	start, err := policy.ParseClock(cfg.DeployHoursStart)
	if err != nil {
		return fmt.Errorf("salon %q: %w", cfg.Name, err)
	}
	end, err := policy.ParseClock(cfg.DeployHoursEnd)
	if err != nil {
		return fmt.Errorf("salon %q: %w", cfg.Name, err)
	}
	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return fmt.Errorf("salon %q: invalid timezone %q: %w", cfg.Name, cfg.TZ, err)
	}

	s.cfg = cfg
	s.start = start
	s.end = end
	s.loc = loc
	return nil
}

// Name returns the salon's name (channel without the leading '#').
func (s *Salon) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Name
}

// Channel returns the salon's chat channel.
func (s *Salon) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Channel()
}

// Config returns a copy of the configuration row.
func (s *Salon) Config() model.SalonConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the configuration row, keeping runtime state.
func (s *Salon) UpdateConfig(cfg model.SalonConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyConfig(cfg)
}

// SetFailureReporter installs the cross-salon failure report hook.
func (s *Salon) SetFailureReporter(r FailureReporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = r
}

// setClock substitutes the time source. Tests only.
func (s *Salon) setClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Conch queue operations. Each returns the queue's sentinel errors
// unchanged; callers translate them into replies.

// Acquire adds user to the conch queue.
func (s *Salon) Acquire(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.Acquire(user); err != nil {
		return err
	}
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return nil
}

// Release removes user from the conch queue.
func (s *Salon) Release(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.Release(user); err != nil {
		return err
	}
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return nil
}

// Jump moves user to the front of the conch queue.
func (s *Salon) Jump(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.Jump(user); err != nil {
		return err
	}
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return nil
}

// Kick removes user from the conch queue on kicker's behalf.
func (s *Salon) Kick(user, kicker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.Kick(user); err != nil {
		return err
	}
	s.logger.Info("User kicked from conch queue",
		zap.String("salon", s.cfg.Name),
		zap.String("user", user),
		zap.String("by", kicker),
	)
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return nil
}

// NotReady swaps user with the entry behind them.
func (s *Salon) NotReady(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queue.NotReady(user); err != nil {
		return err
	}
	s.applyTopicLocked(false)
	return nil
}

// Enqueue appends each absent user in order, returning those added.
func (s *Salon) Enqueue(users ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.queue.Enqueue(users...)
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return added
}

// Confirm acknowledges the conch lease liveness prompt.
func (s *Salon) Confirm(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Confirm(user)
}

// Holder returns the current conch holder, or "".
func (s *Salon) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Holder()
}

// QueueEntries returns a copy of the conch queue in order.
func (s *Salon) QueueEntries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Entries()
}

// Hold suspends deploys.
func (s *Salon) Hold(typ HoldType, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold.Hold(typ, reason)
	s.logger.Info("Salon held",
		zap.String("salon", s.cfg.Name),
		zap.String("type", string(typ)),
		zap.String("reason", reason),
	)
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
}

// Unhold lifts the current hold, restoring a pre-empted freeze if one
// exists. It reports the state left behind.
func (s *Salon) Unhold() (stillHeld bool, typ HoldType, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold.Unhold()
	s.logger.Info("Salon unheld",
		zap.String("salon", s.cfg.Name),
		zap.Bool("freeze_restored", s.hold.Held()),
	)
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return s.hold.Held(), s.hold.Type(), s.hold.Reason()
}

// HoldInfo reports the current hold state.
func (s *Salon) HoldInfo() (held bool, typ HoldType, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hold.Held(), s.hold.Type(), s.hold.Reason()
}

// TimeStatus maps now to the salon's admission status.
func (s *Salon) TimeStatus(now time.Time) policy.TimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return policy.Status(s.start, s.end, s.loc, now)
}

// Status summarizes the salon for the signed status endpoint.
func (s *Salon) Status(now time.Time) model.SalonStatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SalonStatusResponse{
		TimeStatus: string(policy.Status(s.start, s.end, s.loc, now)),
		Busy:       s.registry.Count() > 0,
		Hold:       s.hold.Reason(),
	}
}

// Deploy pipeline events.

// DeployBegan registers a deploy reported by the pipeline.
func (s *Salon) DeployBegan(id, who, args, logPath string, hostCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.Begin(id, who, args, logPath, hostCount)
	s.queue.DeferLease()
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
}

// DeployProgress records a host completion report.
func (s *Salon) DeployProgress(id, host string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.Progress(id, host, index)
	s.queue.DeferLease()
}

// DeployError records a non-fatal deploy error.
func (s *Salon) DeployError(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.Error(id, message)
	s.queue.DeferLease()
}

// DeployEnded removes a completed deploy. Failed hosts produce a separate
// cross-salon failure report through the installed reporter.
func (s *Salon) DeployEnded(id string, failedHosts []string) (who string, elapsed time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap model.DeploySnapshot
	if d, live := s.registry.deploys[id]; live {
		snap = d.snapshot()
	}

	who, elapsed, ok = s.registry.End(id, failedHosts)
	if !ok {
		return "", 0, false
	}

	if len(failedHosts) > 0 && s.onFailure != nil {
		s.onFailure(s.cfg.Name, snap, failedHosts)
	}

	s.queue.DeferLease()
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return who, elapsed, true
}

// DeployAborted removes an aborted deploy.
func (s *Salon) DeployAborted(id, reason string) (who string, elapsed time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	who, elapsed, ok = s.registry.Abort(id, reason)
	if !ok {
		return "", 0, false
	}
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
	return who, elapsed, true
}

// DeployCount returns the number of live deploys.
func (s *Salon) DeployCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Count()
}

// Deploys returns read-only views of live deploys in start order.
func (s *Salon) Deploys() []model.DeploySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Snapshots()
}

// StatusReport renders the live deploys as chat-ready lines.
func (s *Salon) StatusReport() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.registry.Snapshots()
	if len(snaps) == 0 {
		return []string{"there are currently no active deploys."}
	}

	lines := make([]string, 0, len(snaps))
	for _, d := range snaps {
		progress := ""
		if d.Where != "" && d.HostCount > 0 {
			percent := float64(d.Completion) / float64(d.HostCount) * 100.0
			progress = fmt.Sprintf(" (on %s, %d%% done)", d.Where, int(percent))
		}
		lines = append(lines, fmt.Sprintf("%s started deploy %q%s at %s with args %q. log: %s",
			d.Who, d.ID, progress, d.When.In(s.loc).Format("15:04"), d.Args, d.LogPath))
	}
	return lines
}

// Topic synthesis.

// SynthesizeTopic renders the salon's full state as the topic string. It
// has no side effects, so it can be called speculatively.
func (s *Salon) SynthesizeTopic(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthesizeTopicLocked(now)
}

func (s *Salon) synthesizeTopicLocked(now time.Time) string {
	parts := make([]string, 0, 3)

	switch {
	case s.hold.Held() && s.hold.Type() == HoldFreeze:
		parts = append(parts, fmt.Sprintf("code freeze: %s", s.hold.Reason()))
	case s.hold.Held():
		parts = append(parts, fmt.Sprintf("deploys on hold: %s", s.hold.Reason()))
	case !s.cfg.AllowDeploys:
		parts = append(parts, "deploys disabled")
	default:
		switch policy.Status(s.start, s.end, s.loc, now) {
		case policy.WorkTime:
			parts = append(parts, "deploys welcome")
		case policy.CleanupTime:
			parts = append(parts, "cleanup time, wrap up in-flight deploys")
		default:
			if s.cfg.AfterHoursMessage != "" {
				parts = append(parts, s.cfg.AfterHoursMessage)
			} else {
				parts = append(parts, "after hours, no deploys")
			}
		}
	}

	switch count := s.registry.Count(); count {
	case 0:
		parts = append(parts, "no active deploys")
	case 1:
		d := s.registry.Snapshots()[0]
		parts = append(parts, fmt.Sprintf("%s's deploy %q in flight (started %s)",
			d.Who, d.ID, d.When.In(s.loc).Format("15:04")))
	default:
		earliest, _ := s.registry.Earliest()
		parts = append(parts, fmt.Sprintf("%d deploys running (earliest started %s), say \"status\" for details",
			count, earliest.In(s.loc).Format("15:04")))
	}

	if holder := s.queue.Holder(); holder == "" {
		parts = append(parts, fmt.Sprintf("the %s is free", s.cfg.ConchEmoji))
	} else if next := s.queue.Next(); next != "" {
		parts = append(parts, fmt.Sprintf("%s has the %s (%s is next)", holder, s.cfg.ConchEmoji, next))
	} else {
		parts = append(parts, fmt.Sprintf("%s has the %s", holder, s.cfg.ConchEmoji))
	}

	return strings.Join(parts, " | ")
}

// ApplyTopic pushes the synthesized topic to the chat transport if it
// changed since the last push, or unconditionally when forced. Suppression
// matters: topic sets are rate-limited, visible side effects on the chat
// backend.
func (s *Salon) ApplyTopic(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyTopicLocked(force)
}

func (s *Salon) applyTopicLocked(force bool) {
	topic := s.synthesizeTopicLocked(s.clock())
	if !force && topic == s.currentTopic {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.transport.SetTopic(ctx, s.cfg.Channel(), topic); err != nil {
		s.logger.Warn("Failed to set channel topic",
			zap.String("salon", s.cfg.Name),
			zap.Error(err),
		)
		return
	}

	s.currentTopic = topic
	if s.metrics != nil {
		s.metrics.TopicPushesTotal.WithLabelValues(s.cfg.Name).Inc()
	}
}

// scheduler implementation: timer fires re-acquire the salon lock and are
// dropped when their slot has been rescheduled or cancelled since.

func (s *Salon) schedule(t *resettable, d time.Duration, fn func()) {
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.gen != gen {
			return
		}
		fn()
	})
}

func (s *Salon) cancel(t *resettable) {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// conchEvents implementation.

func (s *Salon) conchGranted(holder, previous string) {
	emoji := s.cfg.ConchEmoji

	switch {
	case s.hold.Held() && s.hold.Type() == HoldFreeze:
		s.say("%s: the %s is yours, but there's a code freeze: %s", holder, emoji, s.hold.Reason())
	case s.hold.Held():
		s.say("%s: the %s is yours, but deploys are on hold: %s", holder, emoji, s.hold.Reason())
	default:
		switch policy.Status(s.start, s.end, s.loc, s.clock()) {
		case policy.WorkTime:
			if next := s.queue.Next(); next != "" {
				s.say("%s: you have the %s! (%s is up next)", holder, emoji, next)
			} else {
				s.say("%s: you have the %s!", holder, emoji)
			}
		case policy.CleanupTime:
			s.say("%s: you have the %s, but it's cleanup time. keep it small.", holder, emoji)
		default:
			s.say("%s: you have the %s, but it's after hours. it can wait until morning.", holder, emoji)
		}
	}

	s.logger.Info("Conch granted",
		zap.String("salon", s.cfg.Name),
		zap.String("holder", holder),
		zap.String("previous", previous),
	)
	if s.metrics != nil {
		s.metrics.ConchGrantsTotal.WithLabelValues(s.cfg.Name).Inc()
	}
}

func (s *Salon) conchQueued(user string, position int) {
	s.say("%s: you're #%d in line for the %s.", user, position, s.cfg.ConchEmoji)
}

func (s *Salon) conchGetReady(user string) {
	s.say("%s: you're next, get ready.", user)
}

func (s *Salon) conchReleased() {
	s.logger.Debug("Conch queue drained", zap.String("salon", s.cfg.Name))
}

func (s *Salon) conchLeaseCheck(holder string) {
	s.say("%s: still using the %s? say \"confirm\" to keep it or release it for the next person.",
		holder, s.cfg.ConchEmoji)
}

func (s *Salon) conchLeaseExpired(holder string) {
	s.say("%s: your %s lease has expired. others may be waiting.", holder, s.cfg.ConchEmoji)
	s.logger.Info("Conch lease expired",
		zap.String("salon", s.cfg.Name),
		zap.String("holder", holder),
	)
}

// deployEvents implementation.

func (s *Salon) deployStarted(d *OngoingDeploy) {
	s.say("%s started deploy %q with args %s", d.Who, d.ID, d.Args)
}

func (s *Salon) deployProgress(d *OngoingDeploy, percent int) {
	s.say("%s's deploy %q is %d%% complete.", d.Who, d.ID, percent)
}

func (s *Salon) deployErrored(d *OngoingDeploy, message string) {
	s.say("%s's deploy %q encountered an error: %s", d.Who, d.ID, message)
}

func (s *Salon) deployEnded(d *OngoingDeploy, elapsed time.Duration, failedHosts []string) {
	s.say("%s's deploy %q complete. Took %s.", d.Who, d.ID, prettyDuration(elapsed))
}

func (s *Salon) deployAborted(d *OngoingDeploy, elapsed time.Duration, reason string) {
	s.say("%s's deploy %q aborted (%s)", d.Who, d.ID, reason)
}

func (s *Salon) deployExpired(d *OngoingDeploy) {
	// Abandonment, not an error: the pipeline stopped reporting. No
	// chat notice.
	s.logger.Info("Deploy expired without completion report",
		zap.String("salon", s.cfg.Name),
		zap.String("deploy", d.ID),
		zap.String("who", d.Who),
	)
	s.updateGaugesLocked()
	s.applyTopicLocked(false)
}

func (s *Salon) say(format string, args ...interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.transport.SendMessage(ctx, s.cfg.Channel(), fmt.Sprintf(format, args...)); err != nil {
		s.logger.Warn("Failed to deliver chat message",
			zap.String("salon", s.cfg.Name),
			zap.Error(err),
		)
	}
}

func (s *Salon) updateGaugesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueDepth.WithLabelValues(s.cfg.Name).Set(float64(s.queue.Len()))
	s.metrics.DeploysActive.WithLabelValues(s.cfg.Name).Set(float64(s.registry.Count()))
	held := 0.0
	if s.hold.Held() {
		held = 1.0
	}
	s.metrics.HoldActive.WithLabelValues(s.cfg.Name).Set(held)
}

// prettyDuration renders an elapsed time with every nonzero unit spelled
// out, or "no time" for a zero span.
func prettyDuration(d time.Duration) string {
	seconds := int(d.Seconds())
	minutes := seconds / 60
	seconds %= 60
	hours := minutes / 60
	minutes %= 60

	var parts []string
	switch {
	case hours == 1:
		parts = append(parts, "1 hour")
	case hours > 1:
		parts = append(parts, fmt.Sprintf("%d hours", hours))
	}
	switch {
	case minutes == 1:
		parts = append(parts, "1 minute")
	case minutes > 1:
		parts = append(parts, fmt.Sprintf("%d minutes", minutes))
	}
	switch {
	case seconds == 1:
		parts = append(parts, "1 second")
	case seconds > 1:
		parts = append(parts, fmt.Sprintf("%d seconds", seconds))
	}

	if len(parts) == 0 {
		return "no time"
	}
	return strings.Join(parts, ", ")
}
