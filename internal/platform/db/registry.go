package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/metrics"
)

// ErrRegistryClosed is returned by GetOrCreate after CloseAll.
var ErrRegistryClosed = &apperr.Error{Kind: apperr.Provisioning, Message: "tenant registry closed"}

// ErrTenantEvicted is returned to callers whose handle was still being
// opened when the tenant was evicted.
var ErrTenantEvicted = &apperr.Error{Kind: apperr.Provisioning, Message: "tenant evicted while opening"}

// Opener opens a new handle scoped to one tenant.
type Opener interface {
	Open(ctx context.Context, slug string) (Handle, error)
}

// SchemaEnsurer provisions a tenant schema before its first handle is opened.
type SchemaEnsurer interface {
	Ensure(ctx context.Context, slug string) error
}

// TenantConn is a cached tenant handle.
type TenantConn struct {
	Handle
	Slug      string
	Schema    string
	CreatedAt time.Time

	lastOK atomic.Int64
	closed atomic.Bool
}

type RegistryConfig struct {
	// HealthCheckInterval is how stale the last successful ping may get
	// before a cached handle is pinged again. Zero disables pings.
	HealthCheckInterval time.Duration
	PingTimeout         time.Duration
	OpenTimeout         time.Duration
}

// Registry caches one handle per tenant. Lookups of cached handles only take
// a read lock; construction is deduplicated per tenant so a slow tenant never
// blocks the others.
type Registry struct {
	opener    Opener
	ensurer   SchemaEnsurer
	cfg       RegistryConfig
	logger    zerolog.Logger
	now       func() time.Time
	group     singleflight.Group
	closeOnce sync.Once

	mu    sync.RWMutex
	conns map[string]*TenantConn
	// evictions counts Evict calls per tenant. A flight only stores its
	// handle if the count has not moved since it started.
	evictions map[string]uint64
	closed    bool
}

func NewRegistry(opener Opener, ensurer SchemaEnsurer, cfg RegistryConfig, logger zerolog.Logger) *Registry {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Registry{
		opener:  opener,
		ensurer: ensurer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "tenant_registry").Logger(),
		now:     time.Now,
		conns:     make(map[string]*TenantConn),
		evictions: make(map[string]uint64),
	}
}

// GetOrCreate returns the live handle for slug, provisioning the tenant
// schema and opening a pool on first use.
func (r *Registry) GetOrCreate(ctx context.Context, slug string) (*TenantConn, error) {
	slug, err := NormalizeTenantSlug(slug)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	tc, ok := r.conns[slug]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		if r.alive(ctx, tc) {
			return tc, nil
		}
		r.logger.Warn().Str("tenant", slug).Msg("cached handle is dead, recreating")
		r.drop(slug, tc)
	}

	v, err, _ := r.group.Do(slug, func() (any, error) {
		return r.create(ctx, slug)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TenantConn), nil
}

func (r *Registry) create(ctx context.Context, slug string) (*TenantConn, error) {
	r.mu.RLock()
	tc, ok := r.conns[slug]
	gen := r.evictions[slug]
	r.mu.RUnlock()
	if ok && !tc.closed.Load() {
		return tc, nil
	}

	// The flight is shared by every waiter on this tenant, so it must not die
	// with the first caller's request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OpenTimeout)
	defer cancel()

	if r.ensurer != nil {
		if err := r.ensurer.Ensure(ctx, slug); err != nil {
			return nil, fmt.Errorf("provision tenant %s: %w", slug, err)
		}
	}

	h, err := r.opener.Open(ctx, slug)
	if err != nil {
		return nil, apperr.New(apperr.Provisioning, "open tenant handle", err)
	}

	tc = &TenantConn{Handle: h, Slug: slug, Schema: SchemaName(slug), CreatedAt: r.now()}
	tc.lastOK.Store(r.now().UnixNano())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.Close()
		return nil, ErrRegistryClosed
	}
	if r.evictions[slug] != gen {
		r.mu.Unlock()
		h.Close()
		r.logger.Info().Str("tenant", slug).Msg("tenant evicted while opening, handle discarded")
		return nil, ErrTenantEvicted
	}
	r.conns[slug] = tc
	n := len(r.conns)
	r.mu.Unlock()

	metrics.SetTenantHandles(n)
	r.logger.Info().Str("tenant", slug).Msg("tenant handle opened")
	return tc, nil
}

func (r *Registry) alive(ctx context.Context, tc *TenantConn) bool {
	if tc.closed.Load() {
		return false
	}
	if r.cfg.HealthCheckInterval <= 0 {
		return true
	}
	if r.now().Sub(time.Unix(0, tc.lastOK.Load())) < r.cfg.HealthCheckInterval {
		return true
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.PingTimeout)
	defer cancel()
	if err := tc.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the handle.
			return true
		}
		r.logger.Warn().Err(err).Str("tenant", tc.Slug).Msg("tenant handle ping failed")
		return false
	}
	tc.lastOK.Store(r.now().UnixNano())
	return true
}

// drop removes tc if it is still the cached handle for slug, then closes it.
func (r *Registry) drop(slug string, tc *TenantConn) {
	r.mu.Lock()
	if cur, ok := r.conns[slug]; ok && cur == tc {
		delete(r.conns, slug)
	}
	n := len(r.conns)
	r.mu.Unlock()

	metrics.SetTenantHandles(n)
	if err := closeConn(tc); err != nil {
		r.logger.Warn().Err(err).Str("tenant", slug).Msg("close dead tenant handle")
	}
}

// Evict closes and forgets the handle of one tenant. A handle still being
// opened for it is discarded when the open finishes, and later callers
// start a fresh open.
func (r *Registry) Evict(slug string) error {
	slug, err := NormalizeTenantSlug(slug)
	if err != nil {
		return err
	}

	r.mu.Lock()
	tc, ok := r.conns[slug]
	delete(r.conns, slug)
	r.evictions[slug]++
	n := len(r.conns)
	r.mu.Unlock()
	r.group.Forget(slug)

	if !ok {
		return nil
	}
	metrics.SetTenantHandles(n)
	r.logger.Info().Str("tenant", slug).Msg("tenant handle evicted")
	return closeConn(tc)
}

// CloseAll closes every cached handle. Failures are logged and joined; the
// remaining handles are still closed. Only the first call does any work.
func (r *Registry) CloseAll() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		conns := r.conns
		r.conns = make(map[string]*TenantConn)
		r.mu.Unlock()

		for slug, tc := range conns {
			if err := closeConn(tc); err != nil {
				r.logger.Error().Err(err).Str("tenant", slug).Msg("close tenant handle")
				errs = append(errs, fmt.Errorf("close %s: %w", slug, err))
			}
		}
		metrics.SetTenantHandles(0)
		r.logger.Info().Int("closed", len(conns)).Msg("tenant registry closed")
	})
	return errors.Join(errs...)
}

func closeConn(tc *TenantConn) (err error) {
	if !tc.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic closing handle: %v", p)
		}
	}()
	tc.Close()
	return nil
}

// Len reports the number of cached handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TenantStats describes one cached handle.
type TenantStats struct {
	Tenant    string     `json:"tenant"`
	Schema    string     `json:"schema"`
	CreatedAt time.Time  `json:"created_at"`
	LastOK    time.Time  `json:"last_ok"`
	Pool      *PoolStats `json:"pool,omitempty"`
}

// Stats returns per-tenant statistics, sorted by tenant.
func (r *Registry) Stats() []TenantStats {
	r.mu.RLock()
	out := make([]TenantStats, 0, len(r.conns))
	for slug, tc := range r.conns {
		s := TenantStats{
			Tenant:    slug,
			Schema:    tc.Schema,
			CreatedAt: tc.CreatedAt,
			LastOK:    time.Unix(0, tc.lastOK.Load()),
		}
		if p, ok := tc.Handle.(*pgxpool.Pool); ok {
			s.Pool = GetPoolStats(p)
		}
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}
