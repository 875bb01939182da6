// Package storage persists salon configuration, repository registrations,
// and user nick mappings as JSON rows in the distributed key/value store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/store"
)

// Sentinel errors for configuration operations. Callers use errors.Is to
// translate these into chat replies or HTTP statuses.
var (
	ErrSalonNotFound           = errors.New("salon not found")
	ErrSalonExists             = errors.New("salon already exists")
	ErrRepositoryNotFound      = errors.New("repository not found")
	ErrWouldOrphanRepositories = errors.New("salon still has repositories attached")
)

// Row key prefixes and index keys. The underlying store has no scan
// operation, so each row kind keeps a JSON list of its keys under a
// well-known index key.
const (
	salonKeyPrefix      = "salon:"
	repositoryKeyPrefix = "repository:"
	nickKeyPrefix       = "nick:"

	salonIndexKey      = "salon-index"
	repositoryIndexKey = "repository-index"
)

// ConfigStore is the persistence interface for salon configuration.
type ConfigStore interface {
	// CreateSalon stores a new salon row, failing with ErrSalonExists if
	// one with the same name is already present.
	CreateSalon(ctx context.Context, cfg model.SalonConfig) error

	// PutSalon stores a salon row, overwriting any existing row.
	PutSalon(ctx context.Context, cfg model.SalonConfig) error

	// GetSalon retrieves a salon row by name.
	GetSalon(ctx context.Context, name string) (model.SalonConfig, error)

	// DeleteSalon removes a salon row. A salon with repositories still
	// attached cannot be removed; reattach or remove them first.
	DeleteSalon(ctx context.Context, name string) error

	// ListSalons returns all salon rows sorted by name.
	ListSalons(ctx context.Context) ([]model.SalonConfig, error)

	// PutRepository stores a repository row, overwriting any existing row.
	PutRepository(ctx context.Context, repo model.Repository) error

	// GetRepository retrieves a repository row by "org/name".
	GetRepository(ctx context.Context, name string) (model.Repository, error)

	// DeleteRepository removes a repository row.
	DeleteRepository(ctx context.Context, name string) error

	// ListRepositories returns all repository rows sorted by name.
	ListRepositories(ctx context.Context) ([]model.Repository, error)

	// SalonRepositories returns the repository rows attached to a salon.
	SalonRepositories(ctx context.Context, salon string) ([]model.Repository, error)

	// PutNick stores the chat nick to address a user by.
	PutNick(ctx context.Context, user, nick string) error

	// GetNick returns the stored nick for a user, or "" when none is set.
	GetNick(ctx context.Context, user string) (string, error)
}

// KVConfigStore implements ConfigStore over the distributed key/value
// store. Index updates are read-modify-write; the command layer
// serializes configuration changes, so rows never race.
type KVConfigStore struct {
	kv     store.Store
	logger *zap.Logger
}

// NewKVConfigStore creates a ConfigStore backed by the given store.
func NewKVConfigStore(kv store.Store, logger *zap.Logger) *KVConfigStore {
	return &KVConfigStore{
		kv:     kv,
		logger: logger,
	}
}

func (s *KVConfigStore) CreateSalon(ctx context.Context, cfg model.SalonConfig) error {
	exists, err := s.kv.Exists(ctx, salonKeyPrefix+cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to check salon %q: %w", cfg.Name, err)
	}
	if exists {
		return fmt.Errorf("salon %q: %w", cfg.Name, ErrSalonExists)
	}
	return s.PutSalon(ctx, cfg)
}

func (s *KVConfigStore) PutSalon(ctx context.Context, cfg model.SalonConfig) error {
	if err := s.putJSON(ctx, salonKeyPrefix+cfg.Name, cfg); err != nil {
		return fmt.Errorf("failed to store salon %q: %w", cfg.Name, err)
	}
	if err := s.indexAdd(ctx, salonIndexKey, cfg.Name); err != nil {
		return fmt.Errorf("failed to index salon %q: %w", cfg.Name, err)
	}

	s.logger.Debug("Stored salon configuration", zap.String("salon", cfg.Name))
	return nil
}

func (s *KVConfigStore) GetSalon(ctx context.Context, name string) (model.SalonConfig, error) {
	var cfg model.SalonConfig
	if err := s.getJSON(ctx, salonKeyPrefix+name, &cfg); err != nil {
		if isNotFound(err) {
			return model.SalonConfig{}, fmt.Errorf("salon %q: %w", name, ErrSalonNotFound)
		}
		return model.SalonConfig{}, fmt.Errorf("failed to load salon %q: %w", name, err)
	}
	return cfg, nil
}

func (s *KVConfigStore) DeleteSalon(ctx context.Context, name string) error {
	if _, err := s.GetSalon(ctx, name); err != nil {
		return err
	}

	attached, err := s.SalonRepositories(ctx, name)
	if err != nil {
		return err
	}
	if len(attached) > 0 {
		names := make([]string, 0, len(attached))
		for _, repo := range attached {
			names = append(names, repo.Name)
		}
		return fmt.Errorf("salon %q has %v: %w", name, names, ErrWouldOrphanRepositories)
	}

	if err := s.kv.Delete(ctx, salonKeyPrefix+name); err != nil {
		return fmt.Errorf("failed to delete salon %q: %w", name, err)
	}
	if err := s.indexRemove(ctx, salonIndexKey, name); err != nil {
		return fmt.Errorf("failed to unindex salon %q: %w", name, err)
	}

	s.logger.Info("Deleted salon configuration", zap.String("salon", name))
	return nil
}

func (s *KVConfigStore) ListSalons(ctx context.Context) ([]model.SalonConfig, error) {
	names, err := s.indexRead(ctx, salonIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read salon index: %w", err)
	}

	salons := make([]model.SalonConfig, 0, len(names))
	for _, name := range names {
		cfg, err := s.GetSalon(ctx, name)
		if err != nil {
			// A row referenced by the index but missing from the store
			// is a replication gap, not a fatal condition.
			if errors.Is(err, ErrSalonNotFound) {
				s.logger.Warn("Salon present in index but missing from store",
					zap.String("salon", name))
				continue
			}
			return nil, err
		}
		salons = append(salons, cfg)
	}

	sort.Slice(salons, func(i, j int) bool { return salons[i].Name < salons[j].Name })
	return salons, nil
}

func (s *KVConfigStore) PutRepository(ctx context.Context, repo model.Repository) error {
	if err := s.putJSON(ctx, repositoryKeyPrefix+repo.Name, repo); err != nil {
		return fmt.Errorf("failed to store repository %q: %w", repo.Name, err)
	}
	if err := s.indexAdd(ctx, repositoryIndexKey, repo.Name); err != nil {
		return fmt.Errorf("failed to index repository %q: %w", repo.Name, err)
	}

	s.logger.Debug("Stored repository configuration",
		zap.String("repository", repo.Name),
		zap.String("salon", repo.Salon),
	)
	return nil
}

func (s *KVConfigStore) GetRepository(ctx context.Context, name string) (model.Repository, error) {
	var repo model.Repository
	if err := s.getJSON(ctx, repositoryKeyPrefix+name, &repo); err != nil {
		if isNotFound(err) {
			return model.Repository{}, fmt.Errorf("repository %q: %w", name, ErrRepositoryNotFound)
		}
		return model.Repository{}, fmt.Errorf("failed to load repository %q: %w", name, err)
	}
	return repo, nil
}

func (s *KVConfigStore) DeleteRepository(ctx context.Context, name string) error {
	if _, err := s.GetRepository(ctx, name); err != nil {
		return err
	}

	if err := s.kv.Delete(ctx, repositoryKeyPrefix+name); err != nil {
		return fmt.Errorf("failed to delete repository %q: %w", name, err)
	}
	if err := s.indexRemove(ctx, repositoryIndexKey, name); err != nil {
		return fmt.Errorf("failed to unindex repository %q: %w", name, err)
	}

	s.logger.Info("Deleted repository configuration", zap.String("repository", name))
	return nil
}

func (s *KVConfigStore) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	names, err := s.indexRead(ctx, repositoryIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository index: %w", err)
	}

	repos := make([]model.Repository, 0, len(names))
	for _, name := range names {
		repo, err := s.GetRepository(ctx, name)
		if err != nil {
			if errors.Is(err, ErrRepositoryNotFound) {
				s.logger.Warn("Repository present in index but missing from store",
					zap.String("repository", name))
				continue
			}
			return nil, err
		}
		repos = append(repos, repo)
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	return repos, nil
}

func (s *KVConfigStore) SalonRepositories(ctx context.Context, salon string) ([]model.Repository, error) {
	all, err := s.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}

	attached := make([]model.Repository, 0)
	for _, repo := range all {
		if repo.Salon == salon {
			attached = append(attached, repo)
		}
	}
	return attached, nil
}

func (s *KVConfigStore) PutNick(ctx context.Context, user, nick string) error {
	if err := s.kv.Put(ctx, nickKeyPrefix+user, nick, 0); err != nil {
		return fmt.Errorf("failed to store nick for %q: %w", user, err)
	}
	return nil
}

func (s *KVConfigStore) GetNick(ctx context.Context, user string) (string, error) {
	value, err := s.kv.Get(ctx, nickKeyPrefix+user)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load nick for %q: %w", user, err)
	}

	nick, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("nick for %q has unexpected type %T", user, value)
	}
	return nick, nil
}

// putJSON serializes a row to a JSON string. Rows are stored as strings
// rather than structs so the store's serialization stays schema-free.
func (s *KVConfigStore) putJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize: %w", err)
	}
	return s.kv.Put(ctx, key, string(data), 0)
}

func (s *KVConfigStore) getJSON(ctx context.Context, key string, out interface{}) error {
	value, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}

	raw, ok := value.(string)
	if !ok {
		return fmt.Errorf("key %q has unexpected type %T", key, value)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to deserialize key %q: %w", key, err)
	}
	return nil
}

func (s *KVConfigStore) indexRead(ctx context.Context, key string) ([]string, error) {
	var names []string
	if err := s.getJSON(ctx, key, &names); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return names, nil
}

func (s *KVConfigStore) indexAdd(ctx context.Context, key, name string) error {
	names, err := s.indexRead(ctx, key)
	if err != nil {
		return err
	}

	for _, existing := range names {
		if existing == name {
			return nil
		}
	}
	return s.putJSON(ctx, key, append(names, name))
}

func (s *KVConfigStore) indexRemove(ctx context.Context, key, name string) error {
	names, err := s.indexRead(ctx, key)
	if err != nil {
		return err
	}

	kept := names[:0]
	for _, existing := range names {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	return s.putJSON(ctx, key, kept)
}

// isNotFound matches the store's missing-key error. Olric surfaces this
// as a plain "key not found" error without a sentinel to errors.Is
// against.
func isNotFound(err error) bool {
	return err != nil && err.Error() == "key not found"
}
