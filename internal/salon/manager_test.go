package salon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/chat"
	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/storage"
)

// memConfigStore is an in-memory storage.ConfigStore for manager tests.
type memConfigStore struct {
	salons map[string]model.SalonConfig
	repos  map[string]model.Repository
	nicks  map[string]string
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{
		salons: make(map[string]model.SalonConfig),
		repos:  make(map[string]model.Repository),
		nicks:  make(map[string]string),
	}
}

func (m *memConfigStore) CreateSalon(_ context.Context, cfg model.SalonConfig) error {
	if _, ok := m.salons[cfg.Name]; ok {
		return fmt.Errorf("salon %q: %w", cfg.Name, storage.ErrSalonExists)
	}
	m.salons[cfg.Name] = cfg
	return nil
}

func (m *memConfigStore) PutSalon(_ context.Context, cfg model.SalonConfig) error {
	m.salons[cfg.Name] = cfg
	return nil
}

func (m *memConfigStore) GetSalon(_ context.Context, name string) (model.SalonConfig, error) {
	cfg, ok := m.salons[name]
	if !ok {
		return model.SalonConfig{}, fmt.Errorf("salon %q: %w", name, storage.ErrSalonNotFound)
	}
	return cfg, nil
}

func (m *memConfigStore) DeleteSalon(ctx context.Context, name string) error {
	if _, ok := m.salons[name]; !ok {
		return fmt.Errorf("salon %q: %w", name, storage.ErrSalonNotFound)
	}
	attached, _ := m.SalonRepositories(ctx, name)
	if len(attached) > 0 {
		return fmt.Errorf("salon %q: %w", name, storage.ErrWouldOrphanRepositories)
	}
	delete(m.salons, name)
	return nil
}

func (m *memConfigStore) ListSalons(_ context.Context) ([]model.SalonConfig, error) {
	out := make([]model.SalonConfig, 0, len(m.salons))
	for _, cfg := range m.salons {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memConfigStore) PutRepository(_ context.Context, repo model.Repository) error {
	m.repos[repo.Name] = repo
	return nil
}

func (m *memConfigStore) GetRepository(_ context.Context, name string) (model.Repository, error) {
	repo, ok := m.repos[name]
	if !ok {
		return model.Repository{}, fmt.Errorf("repository %q: %w", name, storage.ErrRepositoryNotFound)
	}
	return repo, nil
}

func (m *memConfigStore) DeleteRepository(_ context.Context, name string) error {
	if _, ok := m.repos[name]; !ok {
		return fmt.Errorf("repository %q: %w", name, storage.ErrRepositoryNotFound)
	}
	delete(m.repos, name)
	return nil
}

func (m *memConfigStore) ListRepositories(_ context.Context) ([]model.Repository, error) {
	out := make([]model.Repository, 0, len(m.repos))
	for _, repo := range m.repos {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memConfigStore) SalonRepositories(_ context.Context, salon string) ([]model.Repository, error) {
	var out []model.Repository
	for _, repo := range m.repos {
		if repo.Salon == salon {
			out = append(out, repo)
		}
	}
	return out, nil
}

func (m *memConfigStore) PutNick(_ context.Context, user, nick string) error {
	m.nicks[user] = nick
	return nil
}

func (m *memConfigStore) GetNick(_ context.Context, user string) (string, error) {
	return m.nicks[user], nil
}

func newTestManager(t *testing.T) (*Manager, *memConfigStore, *chat.Recorder) {
	t.Helper()

	store := newMemConfigStore()
	rec := chat.NewRecorder()
	settings := Settings{ConchGrant: time.Hour, ConchGrace: time.Hour, DeployTTL: time.Hour}
	m := NewManager(store, settings, rec, zap.NewNop(), nil, 10*time.Second)
	return m, store, rec
}

func TestManagerLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("rows added behind the cache become visible", func(t *testing.T) {
		m, store, _ := newTestManager(t)

		cfg := testSalonConfig()
		if err := store.PutSalon(ctx, cfg); err != nil {
			t.Fatal(err)
		}

		s, err := m.ByName(ctx, "payments")
		if err != nil {
			t.Fatalf("ByName() error = %v", err)
		}
		if s.Name() != "payments" {
			t.Errorf("Name() = %q", s.Name())
		}
	})

	t.Run("unknown salon", func(t *testing.T) {
		m, _, _ := newTestManager(t)

		if _, err := m.ByName(ctx, "ghost"); !errors.Is(err, ErrUnknownSalon) {
			t.Errorf("ByName() error = %v, want ErrUnknownSalon", err)
		}
	})

	t.Run("by channel strips the hash", func(t *testing.T) {
		m, store, _ := newTestManager(t)
		_ = store.PutSalon(ctx, testSalonConfig())

		s, err := m.ByChannel(ctx, "#payments")
		if err != nil {
			t.Fatalf("ByChannel() error = %v", err)
		}
		if s.Name() != "payments" {
			t.Errorf("Name() = %q", s.Name())
		}
	})

	t.Run("by repository follows the attachment", func(t *testing.T) {
		m, store, _ := newTestManager(t)
		_ = store.PutSalon(ctx, testSalonConfig())
		_ = store.PutRepository(ctx, model.Repository{Name: "acme/billing", Salon: "payments"})

		s, err := m.ByRepository(ctx, "acme/billing")
		if err != nil {
			t.Fatalf("ByRepository() error = %v", err)
		}
		if s.Name() != "payments" {
			t.Errorf("Name() = %q", s.Name())
		}

		if _, err := m.ByRepository(ctx, "acme/unknown"); !errors.Is(err, storage.ErrRepositoryNotFound) {
			t.Errorf("ByRepository() error = %v", err)
		}
	})
}

func TestManagerInstanceStateSurvivesRefresh(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	_ = store.PutSalon(ctx, testSalonConfig())

	s, err := m.ByName(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire("alice"); err != nil {
		t.Fatal(err)
	}

	// A config change updates the instance in place; the queue survives.
	cfg := testSalonConfig()
	cfg.ConchEmoji = ":lobster:"
	_ = store.PutSalon(ctx, cfg)

	again, err := m.ByName(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if again != s {
		t.Fatal("refresh replaced the live instance")
	}
	if again.Holder() != "alice" {
		t.Errorf("Holder() = %q, want alice", again.Holder())
	}
	if again.Config().ConchEmoji != ":lobster:" {
		t.Errorf("ConchEmoji = %q, want :lobster:", again.Config().ConchEmoji)
	}
}

func TestManagerCreateDestroy(t *testing.T) {
	ctx := context.Background()

	t.Run("create stores and instantiates", func(t *testing.T) {
		m, store, _ := newTestManager(t)

		s, err := m.Create(ctx, testSalonConfig())
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if s.Name() != "payments" {
			t.Errorf("Name() = %q", s.Name())
		}
		if _, ok := store.salons["payments"]; !ok {
			t.Error("row not stored")
		}

		if _, err := m.Create(ctx, testSalonConfig()); !errors.Is(err, storage.ErrSalonExists) {
			t.Errorf("duplicate Create() error = %v", err)
		}
	})

	t.Run("create rejects invalid configuration before storing", func(t *testing.T) {
		m, store, _ := newTestManager(t)

		cfg := testSalonConfig()
		cfg.TZ = "Mars/Olympus"
		if _, err := m.Create(ctx, cfg); err == nil {
			t.Fatal("Create() accepted invalid configuration")
		}
		if len(store.salons) != 0 {
			t.Error("invalid row was stored")
		}
	})

	t.Run("destroy refuses to orphan repositories", func(t *testing.T) {
		m, store, _ := newTestManager(t)
		_, _ = m.Create(ctx, testSalonConfig())
		_ = store.PutRepository(ctx, model.Repository{Name: "acme/billing", Salon: "payments"})

		if err := m.Destroy(ctx, "payments"); !errors.Is(err, storage.ErrWouldOrphanRepositories) {
			t.Fatalf("Destroy() error = %v, want ErrWouldOrphanRepositories", err)
		}

		_ = store.DeleteRepository(ctx, "acme/billing")
		if err := m.Destroy(ctx, "payments"); err != nil {
			t.Fatalf("Destroy() error = %v", err)
		}
		if _, err := m.ByName(ctx, "payments"); !errors.Is(err, ErrUnknownSalon) {
			t.Errorf("ByName() after destroy error = %v", err)
		}
	})

	t.Run("destroy of an unknown salon", func(t *testing.T) {
		m, _, _ := newTestManager(t)

		if err := m.Destroy(ctx, "ghost"); !errors.Is(err, ErrUnknownSalon) {
			t.Errorf("Destroy() error = %v, want ErrUnknownSalon", err)
		}
	})
}

func TestManagerAll(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	zebra := testSalonConfig()
	zebra.Name = "zebra"
	_ = store.PutSalon(ctx, zebra)
	_ = store.PutSalon(ctx, testSalonConfig())

	salons, err := m.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(salons) != 2 || salons[0].Name() != "payments" || salons[1].Name() != "zebra" {
		names := make([]string, 0, len(salons))
		for _, s := range salons {
			names = append(names, s.Name())
		}
		t.Errorf("All() = %v, want [payments zebra]", names)
	}
}

func TestManagerAnnounce(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t)

	other := testSalonConfig()
	other.Name = "search"
	_ = store.PutSalon(ctx, testSalonConfig())
	_ = store.PutSalon(ctx, other)

	if err := m.Announce(ctx, "maintenance window at 18:00"); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	for _, channel := range []string{"#payments", "#search"} {
		msgs := rec.MessagesTo(channel)
		if len(msgs) != 1 || msgs[0] != "maintenance window at 18:00" {
			t.Errorf("messages to %s = %v", channel, msgs)
		}
	}
}

func TestManagerDropsRemovedSalons(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	_ = store.PutSalon(ctx, testSalonConfig())

	if _, err := m.ByName(ctx, "payments"); err != nil {
		t.Fatal(err)
	}

	delete(store.salons, "payments")

	if _, err := m.ByName(ctx, "payments"); !errors.Is(err, ErrUnknownSalon) {
		t.Errorf("ByName() error = %v, want ErrUnknownSalon after removal", err)
	}
}

func TestManagerRunReappliesTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemConfigStore()
	rec := chat.NewRecorder()
	settings := Settings{ConchGrant: time.Hour, ConchGrace: time.Hour, DeployTTL: time.Hour}
	m := NewManager(store, settings, rec, zap.NewNop(), nil, 20*time.Millisecond)
	_ = store.PutSalon(ctx, testSalonConfig())

	go m.Run(ctx)

	// Every sweep must push even an unchanged topic, so a channel topic
	// edited behind our back is overwritten on the next tick.
	deadline := time.After(2 * time.Second)
	for rec.TopicSets() < 3 {
		select {
		case <-deadline:
			t.Fatalf("TopicSets() = %d after repeated sweeps, want at least 3", rec.TopicSets())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
