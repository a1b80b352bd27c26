// Package httpapi is the HTTP control plane: task intake, manual retries,
// background drain scheduling, and maintainer lock recovery.
package httpapi

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/clipsum/clipsum/internal/config"
	"github.com/clipsum/clipsum/internal/domain"
	"github.com/clipsum/clipsum/internal/store"
)

// StoreProvider resolves a db_type to a ready TaskStore. Implementations
// are expected to reuse stores across requests.
type StoreProvider interface {
	Get(ctx context.Context, dbType string) (store.TaskStore, error)
}

// StoreProviderFunc adapts a function to the StoreProvider interface.
type StoreProviderFunc func(ctx context.Context, dbType string) (store.TaskStore, error)

// Get implements StoreProvider.
func (f StoreProviderFunc) Get(ctx context.Context, dbType string) (store.TaskStore, error) {
	return f(ctx, dbType)
}

// Server carries the handler dependencies.
type Server struct {
	provider    StoreProvider
	scheduler   *Scheduler
	adminToken  string
	lockTimeout time.Duration
	now         func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminToken sets the maintainer token guarding lock endpoints.
func WithAdminToken(token string) ServerOption {
	return func(s *Server) { s.adminToken = token }
}

// WithLockTimeout sets the staleness threshold used in lock snapshots.
func WithLockTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.lockTimeout = d }
}

// WithClock overrides the time source used for lock age computation.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer builds the handler set.
func NewServer(provider StoreProvider, scheduler *Scheduler, opts ...ServerOption) *Server {
	s := &Server{
		provider:    provider,
		scheduler:   scheduler,
		lockTimeout: 30 * time.Minute,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var supportedBackends = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"notion":   true,
}

// normalizeDBType lower-cases and validates a db_type value. Empty means
// the sqlite default.
func normalizeDBType(v string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		normalized = "sqlite"
	}
	if !supportedBackends[normalized] {
		return "", domain.ErrUnknownBackend
	}
	return normalized, nil
}

// ConfigStoreProvider opens stores through the backend factory and caches
// them per db_type for the life of the process.
type ConfigStoreProvider struct {
	cfg *config.Config

	mu     sync.Mutex
	stores map[string]store.TaskStore
}

// NewConfigStoreProvider builds a provider over the process configuration.
func NewConfigStoreProvider(cfg *config.Config) *ConfigStoreProvider {
	return &ConfigStoreProvider{cfg: cfg, stores: make(map[string]store.TaskStore)}
}

// Get returns the cached store for dbType, opening it on first use.
func (p *ConfigStoreProvider) Get(ctx context.Context, dbType string) (store.TaskStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores[dbType]; ok {
		return s, nil
	}

	cfg := *p.cfg
	cfg.DBType = dbType
	s, err := store.Open(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	p.stores[dbType] = s
	return s, nil
}

// Close closes every opened store.
func (p *ConfigStoreProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, s := range p.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.stores, name)
	}
	return firstErr
}
