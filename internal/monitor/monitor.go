// Package monitor is the command and event façade over the salon engine:
// it translates chat commands and deploy pipeline callbacks into
// operations on the right salon and formats the replies.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/chat"
	"github.com/deploysalon/coordinator/internal/metrics"
	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/policy"
	"github.com/deploysalon/coordinator/internal/salon"
	"github.com/deploysalon/coordinator/internal/storage"
)

// Defaults for salons created by salonify. Deploy hours are adjusted
// afterwards with set_deploy_hours.
const (
	defaultConchEmoji = ":shell:"
	defaultHoursStart = "09:00"
	defaultHoursEnd   = "17:00"
	defaultTZ         = "UTC"
	defaultHoldReason = "no reason given"
)

// emojiPattern matches the :name: emoji syntax salonify accepts.
var emojiPattern = regexp.MustCompile(`^:[a-z0-9_+-]+:$`)

// Options configure the monitor's policy knobs.
type Options struct {
	// ChannelSuffix is required on channel names for salonify, e.g.
	// "-salon". Empty allows any channel.
	ChannelSuffix string

	// Organizations is the allow-list for repository attachment; a
	// repository "org/name" may be added only when org is listed. Empty
	// allows any organization.
	Organizations []string

	// Blackout is the organization-wide window no salon's deploy hours
	// may overlap. The zero value disables the check.
	Blackout policy.Window
}

// Monitor dispatches chat commands and pipeline callbacks.
type Monitor struct {
	manager   *salon.Manager
	store     storage.ConfigStore
	transport chat.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	clock     func() time.Time
}

// New creates a Monitor.
func New(manager *salon.Manager, store storage.ConfigStore, transport chat.Transport, logger *zap.Logger, m *metrics.Metrics, opts Options) *Monitor {
	return &Monitor{
		manager:   manager,
		store:     store,
		transport: transport,
		logger:    logger,
		metrics:   m,
		opts:      opts,
		clock:     time.Now,
	}
}

// HandleCommand runs one chat command. The sender is the transport's full
// identity string; everything before the first '!' is the nick used to
// address replies. Command failures are answered in-channel and never
// propagate: one bad command must not take down the loop.
func (m *Monitor) HandleCommand(ctx context.Context, channel, sender, line string) {
	nick := senderNick(sender)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	err := m.dispatch(ctx, channel, nick, command, args)

	status := "ok"
	if err != nil {
		status = "error"
		m.logger.Debug("Command failed",
			zap.String("channel", channel),
			zap.String("nick", nick),
			zap.String("command", command),
			zap.Error(err),
		)
	}
	if m.metrics != nil {
		m.metrics.CommandsTotal.WithLabelValues(command, status).Inc()
	}
}

func (m *Monitor) dispatch(ctx context.Context, channel, nick, command string, args []string) error {
	switch command {
	case "salonify":
		return m.salonify(ctx, channel, nick, args)
	case "desalonify":
		return m.desalonify(ctx, channel, nick)
	case "repository":
		return m.repository(ctx, channel, nick, args)
	case "hold":
		return m.hold(ctx, channel, nick, args)
	case "unhold":
		return m.unhold(ctx, channel, nick)
	case "hold_all":
		return m.holdAll(ctx, channel, nick, args)
	case "unhold_all":
		return m.unholdAll(ctx, channel, nick)
	case "acquire", "release", "jump", "notready", "confirm":
		return m.conchSelf(ctx, channel, nick, command)
	case "kick":
		return m.kick(ctx, channel, nick, args)
	case "enqueue":
		return m.enqueue(ctx, channel, nick, args)
	case "set_deploy_hours":
		return m.setDeployHours(ctx, channel, nick, args)
	case "get_deploy_hours":
		return m.getDeployHours(ctx, channel, nick)
	case "status":
		return m.status(ctx, channel, nick)
	case "status_all":
		return m.statusAll(ctx, channel, nick)
	case "refresh":
		return m.refresh(ctx, channel, nick)
	case "refresh_all":
		return m.refreshAll(ctx)
	case "announce":
		return m.announce(ctx, channel, nick, args)
	case "ident":
		return m.ident(ctx, channel, nick, args)
	case "whois":
		return m.whois(ctx, channel, nick, args)
	default:
		m.reply(ctx, channel, nick, fmt.Sprintf("I don't understand %q.", command))
		return nil
	}
}

func (m *Monitor) salonify(ctx context.Context, channel, nick string, args []string) error {
	name := strings.TrimPrefix(channel, "#")

	if m.opts.ChannelSuffix != "" && !strings.HasSuffix(name, m.opts.ChannelSuffix) {
		m.reply(ctx, channel, nick, fmt.Sprintf("only channels ending in %q can become salons.", m.opts.ChannelSuffix))
		return nil
	}

	emoji := defaultConchEmoji
	if len(args) > 0 {
		emoji = args[0]
		if !emojiPattern.MatchString(emoji) {
			m.reply(ctx, channel, nick, fmt.Sprintf("%q doesn't look like an emoji. use the :name: syntax.", emoji))
			return nil
		}
	}

	cfg := model.SalonConfig{
		Name:             name,
		ConchEmoji:       emoji,
		DeployHoursStart: defaultHoursStart,
		DeployHoursEnd:   defaultHoursEnd,
		TZ:               defaultTZ,
		AllowDeploys:     true,
	}
	if _, err := m.manager.Create(ctx, cfg); err != nil {
		if errors.Is(err, storage.ErrSalonExists) {
			m.reply(ctx, channel, nick, "this channel is already a salon.")
			return nil
		}
		return err
	}

	m.reply(ctx, channel, nick, fmt.Sprintf("this channel is now a salon. the %s awaits.", emoji))
	return nil
}

func (m *Monitor) desalonify(ctx context.Context, channel, nick string) error {
	name := strings.TrimPrefix(channel, "#")

	if err := m.manager.Destroy(ctx, name); err != nil {
		switch {
		case errors.Is(err, salon.ErrUnknownSalon):
			m.reply(ctx, channel, nick, "this channel is not a salon.")
			return nil
		case errors.Is(err, storage.ErrWouldOrphanRepositories):
			attached, listErr := m.store.SalonRepositories(ctx, name)
			if listErr != nil {
				return listErr
			}
			names := make([]string, 0, len(attached))
			for _, repo := range attached {
				names = append(names, repo.Name)
			}
			m.reply(ctx, channel, nick, fmt.Sprintf(
				"this salon still has repositories attached (%s). move or remove them with \"repository remove\" first.",
				strings.Join(names, ", ")))
			return nil
		}
		return err
	}

	m.reply(ctx, channel, nick, "this channel is no longer a salon.")
	return nil
}

func (m *Monitor) repository(ctx context.Context, channel, nick string, args []string) error {
	if len(args) == 0 {
		m.reply(ctx, channel, nick, "usage: repository where|list|add|remove [org/name]")
		return nil
	}

	name := strings.TrimPrefix(channel, "#")

	switch strings.ToLower(args[0]) {
	case "where":
		if len(args) < 2 {
			m.reply(ctx, channel, nick, "usage: repository where org/name")
			return nil
		}
		repo, err := m.store.GetRepository(ctx, args[1])
		if err != nil {
			if errors.Is(err, storage.ErrRepositoryNotFound) {
				m.reply(ctx, channel, nick, fmt.Sprintf("I don't know the repository %q.", args[1]))
				return nil
			}
			return err
		}
		m.reply(ctx, channel, nick, fmt.Sprintf("%s deploys are coordinated in #%s.", repo.Name, repo.Salon))
		return nil

	case "list":
		attached, err := m.store.SalonRepositories(ctx, name)
		if err != nil {
			return err
		}
		if len(attached) == 0 {
			m.reply(ctx, channel, nick, "no repositories are attached to this salon.")
			return nil
		}
		names := make([]string, 0, len(attached))
		for _, repo := range attached {
			names = append(names, repo.Name)
		}
		m.reply(ctx, channel, nick, "this salon coordinates: "+strings.Join(names, ", "))
		return nil

	case "add":
		if len(args) < 2 {
			m.reply(ctx, channel, nick, "usage: repository add org/name")
			return nil
		}
		repoName := args[1]
		org, _, found := strings.Cut(repoName, "/")
		if !found || org == "" {
			m.reply(ctx, channel, nick, fmt.Sprintf("%q is not an org/name repository.", repoName))
			return nil
		}
		if !m.allowedOrganization(org) {
			m.reply(ctx, channel, nick, fmt.Sprintf("repositories from %q can't be coordinated here.", org))
			return nil
		}
		if _, err := m.manager.ByName(ctx, name); err != nil {
			if errors.Is(err, salon.ErrUnknownSalon) {
				m.reply(ctx, channel, nick, "this channel is not a salon.")
				return nil
			}
			return err
		}
		if err := m.store.PutRepository(ctx, model.Repository{Name: repoName, Salon: name}); err != nil {
			return err
		}
		m.reply(ctx, channel, nick, fmt.Sprintf("%s deploys are now coordinated here.", repoName))
		return nil

	case "remove":
		if len(args) < 2 {
			m.reply(ctx, channel, nick, "usage: repository remove org/name")
			return nil
		}
		repo, err := m.store.GetRepository(ctx, args[1])
		if err != nil {
			if errors.Is(err, storage.ErrRepositoryNotFound) {
				m.reply(ctx, channel, nick, fmt.Sprintf("I don't know the repository %q.", args[1]))
				return nil
			}
			return err
		}
		if repo.Salon != name {
			m.reply(ctx, channel, nick, fmt.Sprintf("%s belongs to #%s, remove it there.", repo.Name, repo.Salon))
			return nil
		}
		if err := m.store.DeleteRepository(ctx, repo.Name); err != nil {
			return err
		}
		m.reply(ctx, channel, nick, fmt.Sprintf("%s is no longer coordinated here.", repo.Name))
		return nil

	default:
		m.reply(ctx, channel, nick, "usage: repository where|list|add|remove [org/name]")
		return nil
	}
}

func (m *Monitor) allowedOrganization(org string) bool {
	if len(m.opts.Organizations) == 0 {
		return true
	}
	for _, allowed := range m.opts.Organizations {
		if strings.EqualFold(allowed, org) {
			return true
		}
	}
	return false
}

func (m *Monitor) hold(ctx context.Context, channel, nick string, args []string) error {
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	reason := defaultHoldReason
	if len(args) > 0 {
		reason = strings.Join(args, " ")
	}
	s.Hold(salon.HoldManual, reason)
	m.reply(ctx, channel, nick, "deploys are on hold.")
	return nil
}

func (m *Monitor) unhold(ctx context.Context, channel, nick string) error {
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	stillHeld, _, reason := s.Unhold()
	if stillHeld {
		m.reply(ctx, channel, nick, fmt.Sprintf("hold lifted, but the code freeze stands: %s", reason))
	} else {
		m.reply(ctx, channel, nick, "deploys are back on.")
	}
	return nil
}

func (m *Monitor) holdAll(ctx context.Context, channel, nick string, args []string) error {
	reason := defaultHoldReason
	if len(args) > 0 {
		reason = strings.Join(args, " ")
	}

	salons, err := m.manager.All(ctx)
	if err != nil {
		return err
	}
	for _, s := range salons {
		s.Hold(salon.HoldManual, reason)
	}
	m.reply(ctx, channel, nick, fmt.Sprintf("deploys are on hold in all %d salons.", len(salons)))
	return nil
}

func (m *Monitor) unholdAll(ctx context.Context, channel, nick string) error {
	salons, err := m.manager.All(ctx)
	if err != nil {
		return err
	}
	for _, s := range salons {
		s.Unhold()
	}
	m.reply(ctx, channel, nick, fmt.Sprintf("deploys are back on in all %d salons.", len(salons)))
	return nil
}

// conchSelf runs the queue operations that act on the sender themselves.
func (m *Monitor) conchSelf(ctx context.Context, channel, nick, command string) error {
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	var err error
	switch command {
	case "acquire":
		err = s.Acquire(nick)
	case "release":
		err = s.Release(nick)
	case "jump":
		err = s.Jump(nick)
	case "notready":
		err = s.NotReady(nick)
	case "confirm":
		err = s.Confirm(nick)
		if err == nil {
			m.reply(ctx, channel, nick, "thanks, carry on.")
		}
	}

	if err != nil {
		m.reply(ctx, channel, nick, m.conchErrorText(err, s))
	}
	return nil
}

func (m *Monitor) kick(ctx context.Context, channel, nick string, args []string) error {
	if len(args) == 0 {
		m.reply(ctx, channel, nick, "usage: kick user")
		return nil
	}
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	if err := s.Kick(args[0], nick); err != nil {
		if errors.Is(err, salon.ErrNotInQueue) {
			m.reply(ctx, channel, nick, fmt.Sprintf("%s is not in the queue.", args[0]))
			return nil
		}
		return err
	}
	m.reply(ctx, channel, nick, fmt.Sprintf("%s is out of the queue.", args[0]))
	return nil
}

func (m *Monitor) enqueue(ctx context.Context, channel, nick string, args []string) error {
	if len(args) == 0 {
		m.reply(ctx, channel, nick, "usage: enqueue user [user...]")
		return nil
	}
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	added := s.Enqueue(args...)
	if len(added) == 0 {
		m.reply(ctx, channel, nick, "everyone named is already in the queue.")
		return nil
	}
	m.reply(ctx, channel, nick, "queued: "+strings.Join(added, ", "))
	return nil
}

func (m *Monitor) conchErrorText(err error, s *salon.Salon) string {
	emoji := s.Config().ConchEmoji
	switch {
	case errors.Is(err, salon.ErrAlreadyQueued):
		return "you're already in the queue."
	case errors.Is(err, salon.ErrNotInQueue):
		return "you're not in the queue."
	case errors.Is(err, salon.ErrAlreadyHolder):
		return fmt.Sprintf("you already have the %s.", emoji)
	case errors.Is(err, salon.ErrNotHolder):
		return fmt.Sprintf("you don't have the %s.", emoji)
	case errors.Is(err, salon.ErrNoOneBehind):
		return "there's no one behind you in the queue."
	default:
		return "something went wrong, sorry."
	}
}

func (m *Monitor) setDeployHours(ctx context.Context, channel, nick string, args []string) error {
	if len(args) != 3 {
		m.reply(ctx, channel, nick, "usage: set_deploy_hours HH:MM HH:MM timezone")
		return nil
	}
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	start, err := policy.ParseClock(args[0])
	if err != nil {
		m.reply(ctx, channel, nick, fmt.Sprintf("%q is not a time of day.", args[0]))
		return nil
	}
	end, err := policy.ParseClock(args[1])
	if err != nil {
		m.reply(ctx, channel, nick, fmt.Sprintf("%q is not a time of day.", args[1]))
		return nil
	}
	if _, err := time.LoadLocation(args[2]); err != nil {
		m.reply(ctx, channel, nick, fmt.Sprintf("%q is not a timezone I know.", args[2]))
		return nil
	}

	candidate := policy.Window{Start: start, End: end, TZ: args[2]}
	if m.opts.Blackout != (policy.Window{}) {
		if err := policy.ValidateHours(candidate, m.opts.Blackout, m.clock()); err != nil {
			var overlap *policy.OverlapError
			switch {
			case errors.As(err, &overlap):
				m.reply(ctx, channel, nick, fmt.Sprintf(
					"those hours overlap the deploy blackout (%s), pick different ones.", overlap.Range()))
			case errors.Is(err, policy.ErrInvalidRange):
				m.reply(ctx, channel, nick, "the start must be before the end.")
			default:
				return err
			}
			return nil
		}
	} else if end.Minutes() < start.Minutes() {
		m.reply(ctx, channel, nick, "the start must be before the end.")
		return nil
	}

	cfg := s.Config()
	cfg.DeployHoursStart = start.String()
	cfg.DeployHoursEnd = end.String()
	cfg.TZ = args[2]
	if err := m.store.PutSalon(ctx, cfg); err != nil {
		return err
	}
	if err := s.UpdateConfig(cfg); err != nil {
		return err
	}

	m.reply(ctx, channel, nick, fmt.Sprintf("deploy hours set to %s-%s %s.", start, end, cfg.TZ))
	return nil
}

func (m *Monitor) getDeployHours(ctx context.Context, channel, nick string) error {
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	cfg := s.Config()
	m.reply(ctx, channel, nick, fmt.Sprintf("deploy hours are %s-%s %s.",
		cfg.DeployHoursStart, cfg.DeployHoursEnd, cfg.TZ))
	return nil
}

func (m *Monitor) status(ctx context.Context, channel, nick string) error {
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}

	for _, line := range s.StatusReport() {
		m.reply(ctx, channel, nick, line)
	}
	return nil
}

func (m *Monitor) statusAll(ctx context.Context, channel, nick string) error {
	salons, err := m.manager.All(ctx)
	if err != nil {
		return err
	}

	for _, s := range salons {
		for _, line := range s.StatusReport() {
			m.reply(ctx, channel, nick, fmt.Sprintf("%s: %s", s.Channel(), line))
		}
	}
	return nil
}

func (m *Monitor) refresh(ctx context.Context, channel, nick string) error {
	s, ok := m.bySalonChannel(ctx, channel, nick)
	if !ok {
		return nil
	}
	s.ApplyTopic(true)
	return nil
}

func (m *Monitor) refreshAll(ctx context.Context) error {
	salons, err := m.manager.All(ctx)
	if err != nil {
		return err
	}
	for _, s := range salons {
		s.ApplyTopic(true)
	}
	return nil
}

func (m *Monitor) announce(ctx context.Context, channel, nick string, args []string) error {
	if len(args) == 0 {
		m.reply(ctx, channel, nick, "usage: announce message...")
		return nil
	}
	return m.manager.Announce(ctx, strings.Join(args, " "))
}

func (m *Monitor) ident(ctx context.Context, channel, nick string, args []string) error {
	if len(args) != 1 {
		m.reply(ctx, channel, nick, "usage: ident github-username")
		return nil
	}
	if err := m.store.PutNick(ctx, args[0], nick); err != nil {
		return err
	}
	m.reply(ctx, channel, nick, fmt.Sprintf("got it, you are %s.", args[0]))
	return nil
}

func (m *Monitor) whois(ctx context.Context, channel, nick string, args []string) error {
	if len(args) != 1 {
		m.reply(ctx, channel, nick, "usage: whois github-username")
		return nil
	}
	mapped, err := m.store.GetNick(ctx, args[0])
	if err != nil {
		return err
	}
	if mapped == "" {
		m.reply(ctx, channel, nick, fmt.Sprintf("I don't know who %s is.", args[0]))
		return nil
	}
	m.reply(ctx, channel, nick, fmt.Sprintf("%s is %s.", args[0], mapped))
	return nil
}

// bySalonChannel resolves the channel to a salon, answering in-channel
// when it is not one.
func (m *Monitor) bySalonChannel(ctx context.Context, channel, nick string) (*salon.Salon, bool) {
	s, err := m.manager.ByChannel(ctx, channel)
	if err != nil {
		if errors.Is(err, salon.ErrUnknownSalon) {
			m.reply(ctx, channel, nick, "this channel is not a salon. say \"salonify\" to make it one.")
		} else {
			m.logger.Warn("Salon lookup failed",
				zap.String("channel", channel),
				zap.Error(err),
			)
			m.reply(ctx, channel, nick, "I couldn't look this salon up, try again shortly.")
		}
		return nil, false
	}
	return s, true
}

func (m *Monitor) reply(ctx context.Context, channel, nick, text string) {
	if err := m.transport.SendMessage(ctx, channel, fmt.Sprintf("%s, %s", nick, text)); err != nil {
		m.logger.Warn("Failed to deliver reply",
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
}

// senderNick extracts the nick from a transport identity like
// "alice!alice@host".
func senderNick(sender string) string {
	if idx := strings.IndexByte(sender, '!'); idx >= 0 {
		return sender[:idx]
	}
	return sender
}
