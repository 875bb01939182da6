package salon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/chat"
	"github.com/deploysalon/coordinator/internal/metrics"
	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/storage"
)

// ErrUnknownSalon is returned for lookups of salons that have no
// configuration row.
var ErrUnknownSalon = errors.New("unknown salon")

// Manager owns the live Salon instances and keeps them consistent with
// the configuration store. Lookups refresh from the store first, so a
// salon created by another instance becomes visible within one lookup.
type Manager struct {
	mu     sync.Mutex
	salons map[string]*Salon

	store     storage.ConfigStore
	settings  Settings
	transport chat.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics

	reconcileEvery time.Duration
}

// NewManager creates a manager over the given configuration store.
func NewManager(store storage.ConfigStore, settings Settings, transport chat.Transport, logger *zap.Logger, m *metrics.Metrics, reconcileEvery time.Duration) *Manager {
	return &Manager{
		salons:         make(map[string]*Salon),
		store:          store,
		settings:       settings,
		transport:      transport,
		logger:         logger,
		metrics:        m,
		reconcileEvery: reconcileEvery,
	}
}

// refreshLocked reconciles the live instances with the store: new rows
// become instances, changed rows update existing instances in place so
// queue and deploy state survive, and removed rows drop their instance.
func (m *Manager) refreshLocked(ctx context.Context) error {
	rows, err := m.store.ListSalons(ctx)
	if err != nil {
		return fmt.Errorf("failed to list salons: %w", err)
	}

	seen := make(map[string]bool, len(rows))
	for _, cfg := range rows {
		seen[cfg.Name] = true

		if existing, ok := m.salons[cfg.Name]; ok {
			if existing.Config() != cfg {
				if err := existing.UpdateConfig(cfg); err != nil {
					m.logger.Warn("Rejected updated salon configuration",
						zap.String("salon", cfg.Name),
						zap.Error(err),
					)
				}
			}
			continue
		}

		instance, err := New(cfg, m.settings, m.transport, m.logger, m.metrics)
		if err != nil {
			m.logger.Warn("Skipped invalid salon configuration",
				zap.String("salon", cfg.Name),
				zap.Error(err),
			)
			continue
		}
		instance.SetFailureReporter(m.reportFailure)
		m.salons[cfg.Name] = instance

		m.logger.Info("Salon instantiated", zap.String("salon", cfg.Name))
	}

	for name := range m.salons {
		if !seen[name] {
			delete(m.salons, name)
			m.logger.Info("Salon dropped", zap.String("salon", name))
		}
	}

	return nil
}

// ByName returns the salon with the given name.
func (m *Manager) ByName(ctx context.Context, name string) (*Salon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}

	s, ok := m.salons[name]
	if !ok {
		return nil, fmt.Errorf("salon %q: %w", name, ErrUnknownSalon)
	}
	return s, nil
}

// ByChannel returns the salon whose chat channel matches.
func (m *Manager) ByChannel(ctx context.Context, channel string) (*Salon, error) {
	return m.ByName(ctx, strings.TrimPrefix(channel, "#"))
}

// ByRepository returns the salon the given "org/name" repository is
// attached to.
func (m *Manager) ByRepository(ctx context.Context, repository string) (*Salon, error) {
	repo, err := m.store.GetRepository(ctx, repository)
	if err != nil {
		return nil, err
	}
	return m.ByName(ctx, repo.Salon)
}

// All returns every salon sorted by name.
func (m *Manager) All(ctx context.Context) ([]*Salon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}

	salons := make([]*Salon, 0, len(m.salons))
	for _, s := range m.salons {
		salons = append(salons, s)
	}
	sort.Slice(salons, func(i, j int) bool { return salons[i].Name() < salons[j].Name() })
	return salons, nil
}

// Create stores a new salon row and instantiates it.
func (m *Manager) Create(ctx context.Context, cfg model.SalonConfig) (*Salon, error) {
	instance, err := New(cfg, m.settings, m.transport, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	instance.SetFailureReporter(m.reportFailure)

	if err := m.store.CreateSalon(ctx, cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.salons[cfg.Name] = instance
	m.mu.Unlock()

	m.logger.Info("Salon created", zap.String("salon", cfg.Name))
	return instance, nil
}

// Destroy removes a salon's row and its instance. A salon with
// repositories attached is refused; the error lists them.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if err := m.store.DeleteSalon(ctx, name); err != nil {
		if errors.Is(err, storage.ErrSalonNotFound) {
			return fmt.Errorf("salon %q: %w", name, ErrUnknownSalon)
		}
		return err
	}

	m.mu.Lock()
	delete(m.salons, name)
	m.mu.Unlock()

	m.logger.Info("Salon destroyed", zap.String("salon", name))
	return nil
}

// Announce posts a message to every salon channel.
func (m *Manager) Announce(ctx context.Context, message string) error {
	salons, err := m.All(ctx)
	if err != nil {
		return err
	}

	for _, s := range salons {
		if err := m.transport.SendMessage(ctx, s.Channel(), message); err != nil {
			m.logger.Warn("Failed to deliver announcement",
				zap.String("salon", s.Name()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// reportFailure broadcasts a failed-host report to every salon channel.
// It is invoked from inside a salon's lock, so the fan-out runs on its
// own goroutine to keep lock ordering one-way.
func (m *Manager) reportFailure(salonName string, deploy model.DeploySnapshot, failedHosts []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		message := fmt.Sprintf("heads up: %s's deploy %q in #%s finished with %d failed hosts: %s",
			deploy.Who, deploy.ID, salonName, len(failedHosts), strings.Join(failedHosts, ", "))

		if err := m.Announce(ctx, message); err != nil {
			m.logger.Warn("Failed to broadcast failure report",
				zap.String("salon", salonName),
				zap.String("deploy", deploy.ID),
				zap.Error(err),
			)
		}
	}()
}

// Run periodically reconciles instances with the store and re-applies
// topics, so drift from missed events or restored chat connectivity
// heals without operator action. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	every := m.reconcileEvery
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			salons, err := m.All(ctx)
			if err != nil {
				m.logger.Warn("Reconcile pass failed", zap.Error(err))
				continue
			}
			// Forced so that externally edited channel topics are
			// overwritten, not just locally stale ones.
			for _, s := range salons {
				s.ApplyTopic(true)
			}
		}
	}
}
