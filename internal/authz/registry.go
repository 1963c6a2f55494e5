package authz

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	Engine      Config
	MaxSessions int
	IdleTTL     time.Duration
}

// Registry keeps one engine per signed-in identity. Engines idle for longer
// than IdleTTL, or pushed out by MaxSessions, are closed.
type Registry struct {
	mu       sync.Mutex
	sessions *expirable.LRU[uuid.UUID, *Engine]
	engine   Config
	logger   *slog.Logger
	metrics  *Metrics
}

// NewRegistry builds a registry producing engines from cfg.Engine.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Engine.Stores.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	logger := cfg.Engine.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		engine:  cfg.Engine,
		logger:  logger.With(slog.String("component", "authz.registry")),
		metrics: cfg.Engine.Metrics,
	}
	r.sessions = expirable.NewLRU[uuid.UUID, *Engine](cfg.MaxSessions, r.onEvict, cfg.IdleTTL)
	return r, nil
}

func (r *Registry) onEvict(id uuid.UUID, engine *Engine) {
	r.logger.Debug("session engine released", slog.String("identity_id", id.String()))
	go engine.Close()
}

// Engine returns the engine of identity, creating and loading it on first use.
// An engine whose last load failed is reloaded. Load failures are logged; the
// returned engine fails closed until a load succeeds.
func (r *Registry) Engine(ctx context.Context, identity Identity) (*Engine, error) {
	if identity.ID == uuid.Nil {
		return nil, ErrNoIdentity
	}
	r.mu.Lock()
	if engine, ok := r.sessions.Get(identity.ID); ok {
		r.sessions.Add(identity.ID, engine)
		r.mu.Unlock()
		if engine.State() == StateError {
			if err := engine.Refresh(ctx); err != nil {
				r.logger.Warn("reload session engine", slog.String("identity_id", identity.ID.String()), slog.Any("error", err))
			}
		}
		return engine, nil
	}
	engine, err := NewEngine(r.engine)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.sessions.Add(identity.ID, engine)
	r.metrics.setSessions(r.sessions.Len())
	r.mu.Unlock()

	if err := engine.SetIdentity(ctx, &identity); err != nil {
		r.logger.Warn("load session engine", slog.String("identity_id", identity.ID.String()), slog.Any("error", err))
	}
	return engine, nil
}

// Lookup returns the engine of id without creating one.
func (r *Registry) Lookup(id uuid.UUID) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Peek(id)
}

// Logout drops the engine of id.
func (r *Registry) Logout(id uuid.UUID) {
	r.mu.Lock()
	engine, ok := r.sessions.Peek(id)
	if ok {
		r.sessions.Remove(id)
	}
	r.metrics.setSessions(r.sessions.Len())
	r.mu.Unlock()
	if ok {
		// Callers still holding the engine fail closed from here on.
		_ = engine.SetIdentity(context.Background(), nil)
	}
}

// Invalidate busts the cache of id's engine, if one is held.
func (r *Registry) Invalidate(ctx context.Context, id uuid.UUID) error {
	engine, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	return engine.Invalidate(ctx)
}

// InvalidateAll busts every held engine.
func (r *Registry) InvalidateAll(ctx context.Context) error {
	r.mu.Lock()
	engines := r.sessions.Values()
	r.mu.Unlock()
	var errs []error
	for _, engine := range engines {
		if err := engine.Invalidate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of held engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Len()
}

// Close releases every engine.
func (r *Registry) Close() {
	r.mu.Lock()
	r.sessions.Purge()
	r.metrics.setSessions(0)
	r.mu.Unlock()
}
