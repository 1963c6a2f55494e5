package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config collects the dependencies of an Engine.
type Config struct {
	Stores         Stores
	Logger         *slog.Logger
	Metrics        *Metrics
	CacheTTL       time.Duration
	RefreshWorkers int
	RefreshQueue   int
	WarmTimeout    time.Duration

	// Clock overrides time.Now for cache expiry.
	Clock func() time.Time
}

// Engine resolves roles, permissions and module entitlements for a single
// identity session. Synchronous checks answer from the cache only and fail
// closed; CanAccess always consults the backend.
type Engine struct {
	stores  Stores
	logger  *slog.Logger
	metrics *Metrics
	cache   *Cache
	warmer  *refresher
	flights singleflight.Group

	mu         sync.RWMutex
	identity   *Identity
	state      State
	epoch      uint64
	generation uint64
	roles      []RoleAssignment
	primary    *RoleAssignment
	grants     []PermissionGrant
	modules    []string
	moduleSet  map[string]struct{}
	flags      Flags

	closeOnce sync.Once
}

// NewEngine constructs an engine in the uninitialized state.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Stores.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := NewCache(cfg.CacheTTL)
	if cfg.Clock != nil {
		cache.now = cfg.Clock
	}
	e := &Engine{
		stores:  cfg.Stores,
		logger:  logger.With(slog.String("component", "authz")),
		metrics: cfg.Metrics,
		cache:   cache,
		state:   StateUninitialized,
	}
	e.warmer = newRefresher(cfg.RefreshWorkers, cfg.RefreshQueue, cfg.WarmTimeout, e.warmKey)
	return e, nil
}

// Close stops the background refresh workers.
func (e *Engine) Close() {
	e.closeOnce.Do(e.warmer.stop)
}

// SetIdentity handles an identity change: everything held for the previous
// identity is dropped and the stores are reloaded for the new one. A nil
// identity signs the session out. The returned error is informational; the
// engine stays fail-closed until a load succeeds.
func (e *Engine) SetIdentity(ctx context.Context, identity *Identity) error {
	e.mu.Lock()
	e.epoch++
	e.generation++
	gen, epoch := e.generation, e.epoch
	e.cache.Clear()
	e.resetLocked()
	if identity == nil {
		e.identity = nil
		e.state = StateUninitialized
		e.mu.Unlock()
		e.logger.Info("identity cleared")
		return nil
	}
	id := *identity
	e.identity = &id
	e.state = StateLoading
	e.mu.Unlock()
	return e.load(ctx, id, gen, epoch)
}

// Refresh reloads roles, permissions and modules for the current identity.
// Data from the previous load keeps serving until the new one lands.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.identity == nil {
		e.mu.Unlock()
		return ErrNoIdentity
	}
	e.epoch++
	e.generation++
	gen, epoch := e.generation, e.epoch
	id := *e.identity
	e.mu.Unlock()
	return e.load(ctx, id, gen, epoch)
}

// Invalidate busts the cache and reloads the current identity. Checks fail
// closed until the reload completes. Fetches and checks already in flight
// belong to the previous epoch: the reload never joins them and their
// results are not cached.
func (e *Engine) Invalidate(ctx context.Context) error {
	e.mu.Lock()
	e.epoch++
	e.cache.Clear()
	if e.identity == nil {
		e.mu.Unlock()
		return nil
	}
	e.generation++
	gen, epoch := e.generation, e.epoch
	id := *e.identity
	e.resetLocked()
	e.state = StateLoading
	e.mu.Unlock()
	e.logger.Info("permission cache invalidated", slog.String("identity_id", id.ID.String()))
	return e.load(ctx, id, gen, epoch)
}

func (e *Engine) resetLocked() {
	e.roles = nil
	e.primary = nil
	e.grants = nil
	e.modules = nil
	e.moduleSet = nil
	e.flags = Flags{}
}

func (e *Engine) load(ctx context.Context, id Identity, gen, epoch uint64) error {
	logger := e.logger.With(slog.String("identity_id", id.ID.String()))
	logger.Debug("loading permissions")
	start := time.Now()

	var (
		roles   []RoleAssignment
		grants  []PermissionGrant
		modules []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		roles, err = e.fetchRoles(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		grants, err = e.fetchPermissions(gctx, id, epoch)
		return err
	})
	g.Go(func() error {
		var err error
		modules, err = e.fetchModules(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		e.mu.Lock()
		if e.generation == gen {
			e.cache.Clear()
			e.resetLocked()
			e.state = StateError
		}
		e.mu.Unlock()
		logger.Error("load permissions", slog.Any("error", err))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		logger.Debug("discarding superseded permission load")
		return nil
	}
	e.roles = roles
	if primary, ok := PrimaryAssignment(roles); ok {
		e.primary = &primary
	}
	e.grants = grants
	e.modules = modules
	e.moduleSet = make(map[string]struct{}, len(modules))
	for _, m := range modules {
		e.moduleSet[normalize(m)] = struct{}{}
	}
	e.seedLocked()
	e.state = StateLoaded

	logger.Info("permissions loaded",
		slog.Int("roles", len(roles)),
		slog.Int("grants", len(grants)),
		slog.Int("modules", len(modules)),
		slog.String("primary_role", e.primaryRoleLocked()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// seedLocked rebuilds the cache from the loaded grants and recomputes flags.
func (e *Engine) seedLocked() {
	e.cache.Clear()
	for _, c := range CommonChecks() {
		e.cache.Set(c.Key(), grantsAllow(e.grants, c.Feature, c.Action))
	}
	for _, g := range e.grants {
		e.cache.Set(g.Key(), true)
	}
	e.flags = computeFlags(func(c Check) bool {
		allowed, ok := e.cache.Get(c.Key())
		return ok && allowed
	})
}

func (e *Engine) fetchRoles(ctx context.Context, id Identity) (roles []RoleAssignment, err error) {
	start := time.Now()
	defer func() { e.metrics.observeFetch(SourceRoles, start, err) }()
	err = guard(func() error {
		var ferr error
		roles, ferr = e.stores.Roles.FetchRoles(ctx, id.ID)
		return ferr
	})
	if err != nil {
		return nil, asFetchError(SourceRoles, id.ID, err)
	}
	e.logger.Debug("fetched roles", slog.String("identity_id", id.ID.String()), slog.Int("count", len(roles)))
	return roles, nil
}

// fetchPermissions coalesces concurrent fetches of the same identity within
// one epoch.
func (e *Engine) fetchPermissions(ctx context.Context, id Identity, epoch uint64) ([]PermissionGrant, error) {
	key := fmt.Sprintf("%s/%d", id.ID, epoch)
	v, err, shared := e.flights.Do(key, func() (interface{}, error) {
		start := time.Now()
		var grants []PermissionGrant
		err := guard(func() error {
			var ferr error
			grants, ferr = e.stores.Permissions.FetchPermissions(ctx, id.ID)
			return ferr
		})
		e.metrics.observeFetch(SourcePermissions, start, err)
		if err != nil {
			return nil, asFetchError(SourcePermissions, id.ID, err)
		}
		return grants, nil
	})
	if err != nil {
		return nil, err
	}
	grants, _ := v.([]PermissionGrant)
	e.logger.Debug("fetched permissions",
		slog.String("identity_id", id.ID.String()),
		slog.Int("count", len(grants)),
		slog.Bool("shared", shared),
	)
	return grants, nil
}

func (e *Engine) fetchModules(ctx context.Context, id Identity) (modules []string, err error) {
	start := time.Now()
	defer func() { e.metrics.observeFetch(SourceModules, start, err) }()
	err = guard(func() error {
		var ferr error
		modules, ferr = e.stores.Modules.FetchModules(ctx, id.ID)
		return ferr
	})
	if err != nil {
		return nil, asFetchError(SourceModules, id.ID, err)
	}
	e.logger.Debug("fetched modules", slog.String("identity_id", id.ID.String()), slog.Int("count", len(modules)))
	return modules, nil
}

// guard converts a panicking store call into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("authz: store panic: %v", r)
		}
	}()
	return fn()
}

// Check performs an authoritative permission check against the backend and
// records the result in the cache. DecisionUnknown is returned when the
// backend could not be reached.
func (e *Engine) Check(ctx context.Context, feature, action string) Decision {
	e.mu.RLock()
	var id Identity
	hasIdentity := e.identity != nil
	if hasIdentity {
		id = *e.identity
	}
	epoch := e.epoch
	e.mu.RUnlock()

	logger := e.logger.With(slog.String("feature", feature), slog.String("action", action))
	if !hasIdentity {
		logger.Debug("permission check without identity")
		e.metrics.decision(DecisionDenied)
		return DecisionDenied
	}
	logger = logger.With(slog.String("identity_id", id.ID.String()))

	grants, err := e.fetchPermissions(ctx, id, epoch)
	if err != nil {
		logger.Error("permission check failed", slog.Any("error", err))
		e.metrics.decision(DecisionUnknown)
		return DecisionUnknown
	}
	allowed := grantsAllow(grants, feature, action)

	e.mu.Lock()
	if e.epoch == epoch {
		e.cache.Set(Key(feature, action), allowed)
	}
	e.mu.Unlock()

	decision := DecisionDenied
	if allowed {
		decision = DecisionAllowed
	}
	e.metrics.decision(decision)
	logger.Debug("permission checked", slog.String("decision", decision.String()))
	return decision
}

// CanAccess reports whether the identity holds the permission, asking the
// backend every time. Failures are logged and reported as a denial.
func (e *Engine) CanAccess(ctx context.Context, feature, action string) bool {
	return e.Check(ctx, feature, action).Allowed()
}

// Peek reads the cached decision without side effects. ok is false when no
// identity is present, permissions are not loaded, or the entry is missing or
// expired.
func (e *Engine) Peek(feature, action string) (allowed bool, ok bool) {
	if !e.PermissionsLoaded() {
		return false, false
	}
	allowed, ok = e.cache.Get(Key(feature, action))
	if ok {
		e.metrics.cacheHit()
	} else {
		e.metrics.cacheMiss()
	}
	return allowed, ok
}

// Warm asks the background workers to resolve the pair so a later Peek hits.
// It never blocks and reports whether the request was accepted.
func (e *Engine) Warm(feature, action string) bool {
	if !e.hasIdentity() {
		return false
	}
	key := Key(feature, action)
	if !e.warmer.enqueue(key) {
		e.metrics.droppedWarm()
		e.logger.Debug("warm request dropped", slog.String("key", key))
		return false
	}
	return true
}

func (e *Engine) warmKey(ctx context.Context, key string) {
	feature, action := SplitKey(key)
	e.Check(ctx, feature, action)
}

// CanAccessSync answers from the cache for render-path gating. On a miss it
// schedules a background check and returns false for this call.
func (e *Engine) CanAccessSync(feature, action string) bool {
	if !e.PermissionsLoaded() {
		return false
	}
	allowed, ok := e.Peek(feature, action)
	if !ok {
		e.Warm(feature, action)
		return false
	}
	return allowed
}

// Allows evaluates a gate from the cache: the module must be enabled for the
// tenant and the permission must be granted.
func (e *Engine) Allows(g Gate) bool {
	if g.Module != "" && !e.HasModuleAccess(g.Module) {
		return false
	}
	return e.CanAccessSync(g.Feature, g.Action)
}

// AllowsContext is the authoritative counterpart of Allows.
func (e *Engine) AllowsContext(ctx context.Context, g Gate) bool {
	if g.Module != "" && !e.HasModuleAccess(g.Module) {
		return false
	}
	return e.CanAccess(ctx, g.Feature, g.Action)
}

// HasRole reports whether any loaded assignment carries role.
func (e *Engine) HasRole(role string) bool {
	role = normalize(role)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.roles {
		if normalize(a.Role) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether at least one of roles is held.
func (e *Engine) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if e.HasRole(r) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether every one of roles is held.
func (e *Engine) HasAllRoles(roles ...string) bool {
	for _, r := range roles {
		if !e.HasRole(r) {
			return false
		}
	}
	return true
}

// HasModuleAccess reports whether module is enabled for the identity's tenant.
func (e *Engine) HasModuleAccess(module string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.moduleSet[normalize(module)]
	return ok
}

// PermissionsLoaded reports whether an identity is present and its stores loaded.
func (e *Engine) PermissionsLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity != nil && e.state == StateLoaded
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Identity returns the current identity, if any.
func (e *Engine) Identity() (Identity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.identity == nil {
		return Identity{}, false
	}
	return *e.identity, true
}

func (e *Engine) hasIdentity() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity != nil
}

// PrimaryRole returns the role name chosen as primary.
func (e *Engine) PrimaryRole() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.primary == nil {
		return "", false
	}
	return e.primary.Role, true
}

func (e *Engine) primaryRoleLocked() string {
	if e.primary == nil {
		return ""
	}
	return e.primary.Role
}

// Roles returns a copy of the loaded role assignments.
func (e *Engine) Roles() []RoleAssignment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RoleAssignment, len(e.roles))
	copy(out, e.roles)
	return out
}

// Permissions returns a copy of the grants from the last load.
func (e *Engine) Permissions() []PermissionGrant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PermissionGrant, len(e.grants))
	copy(out, e.grants)
	return out
}

// AssignedModules returns the enabled modules. Never nil.
func (e *Engine) AssignedModules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.modules))
	copy(out, e.modules)
	return out
}

// Flags returns the convenience flags computed at the last cache rebuild.
func (e *Engine) Flags() Flags {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags
}

// Snapshot is a read-only view of the engine for API responses.
type Snapshot struct {
	IdentityID  string   `json:"identity_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	State       string   `json:"state"`
	Loaded      bool     `json:"permissions_loaded"`
	Roles       []string `json:"roles"`
	PrimaryRole string   `json:"primary_role,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Modules     []string `json:"modules"`
	Flags       Flags    `json:"flags"`
}

// Snapshot captures the current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := Snapshot{
		State:   e.state.String(),
		Loaded:  e.identity != nil && e.state == StateLoaded,
		Roles:   make([]string, 0, len(e.roles)),
		Modules: make([]string, len(e.modules)),
		Flags:   e.flags,
	}
	if e.identity != nil {
		snap.IdentityID = e.identity.ID.String()
		snap.Email = e.identity.Email
	}
	for _, a := range e.roles {
		snap.Roles = append(snap.Roles, a.Role)
	}
	if e.primary != nil {
		snap.PrimaryRole = e.primary.Role
		snap.TenantID = e.primary.TenantID.String()
	}
	copy(snap.Modules, e.modules)
	return snap
}
