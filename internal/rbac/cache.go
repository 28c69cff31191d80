package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how stale a cached permission set may be.
	DefaultCacheTTL = 10 * time.Minute
	// DefaultInvalidationChannel is the Redis channel used to fan out invalidations.
	DefaultInvalidationChannel = "rbac.invalidate"

	scopeUser  = "user"
	scopeGroup = "group"
)

// CacheConfig configures a Cache. Zero values select defaults.
type CacheConfig struct {
	TTL        time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Redis enables cross-process invalidation when set.
	Redis   *redis.Client
	Channel string
}

type cacheKey struct {
	scope    string
	tenantID int64
	id       int64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.scope, k.tenantID, k.id)
}

type cacheEntry struct {
	set     PermissionSet
	expires time.Time
}

// generation is bumped on every invalidation touching a key; loads that started
// under an older generation never populate the cache. Key generations are only
// kept while a key has an entry or a load in progress.
type generation struct {
	key    uint64
	tenant uint64
}

// Cache is the process-wide permission cache keyed by (tenant, user) and
// (tenant, group). Concurrent misses for one key share a single fetch.
type Cache struct {
	source  Source
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *cacheMetrics
	redis   *redis.Client
	channel string
	origin  string

	mu         sync.RWMutex
	entries    map[cacheKey]cacheEntry
	keyGens    map[cacheKey]uint64
	tenantGens map[int64]uint64
	loading    map[cacheKey]int
	flights    singleflight.Group
}

// NewCache constructs a Cache reading from source.
func NewCache(source Source, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultInvalidationChannel
	}
	return &Cache{
		source:     source,
		ttl:        cfg.TTL,
		now:        cfg.Now,
		logger:     cfg.Logger,
		metrics:    newCacheMetrics(cfg.Registerer),
		redis:      cfg.Redis,
		channel:    cfg.Channel,
		origin:     uuid.NewString(),
		entries:    make(map[cacheKey]cacheEntry),
		keyGens:    make(map[cacheKey]uint64),
		tenantGens: make(map[int64]uint64),
		loading:    make(map[cacheKey]int),
	}
}

// GetPermissions returns the user's permission set. On load failure the empty
// set is returned and nothing is cached.
func (c *Cache) GetPermissions(ctx context.Context, tenantID, userID int64) PermissionSet {
	set, _, _ := c.Permissions(ctx, tenantID, userID)
	return set
}

// Permissions returns the user's permission set, whether it was served from the
// cache, and the load error if any. The returned set is never nil.
func (c *Cache) Permissions(ctx context.Context, tenantID, userID int64) (PermissionSet, bool, error) {
	key := cacheKey{scope: scopeUser, tenantID: tenantID, id: userID}
	return c.get(ctx, key, func(ctx context.Context) (PermissionSet, error) {
		return c.loadUser(ctx, tenantID, userID)
	})
}

// GetGroupPermissions returns the permission set granted to a single group.
func (c *Cache) GetGroupPermissions(ctx context.Context, tenantID, groupID int64) (PermissionSet, error) {
	key := cacheKey{scope: scopeGroup, tenantID: tenantID, id: groupID}
	set, _, err := c.get(ctx, key, func(ctx context.Context) (PermissionSet, error) {
		actions, err := c.source.LoadGroupRoleActions(ctx, tenantID, groupID)
		if err != nil {
			return nil, err
		}
		return NewPermissionSet(actions...), nil
	})
	return set, err
}

// Invalidate drops the cached set for a user. Subsequent lookups re-fetch even
// when the TTL has not elapsed. The error reports broadcast failures only; the
// local eviction always happens.
func (c *Cache) Invalidate(ctx context.Context, tenantID, userID int64) error {
	key := cacheKey{scope: scopeUser, tenantID: tenantID, id: userID}
	c.evict(key)
	c.metrics.invalidated(scopeUser, "local")
	return c.publish(ctx, key)
}

// InvalidateGroup drops the group's set and every user set of the tenant, since
// group membership is not tracked in-process.
func (c *Cache) InvalidateGroup(ctx context.Context, tenantID, groupID int64) error {
	key := cacheKey{scope: scopeGroup, tenantID: tenantID, id: groupID}
	c.evictTenant(key)
	c.metrics.invalidated(scopeGroup, "local")
	return c.publish(ctx, key)
}

func (c *Cache) get(ctx context.Context, key cacheKey, fetch func(context.Context) (PermissionSet, error)) (PermissionSet, bool, error) {
	if set, ok := c.lookup(key); ok {
		c.metrics.hit(key.scope)
		return set.clone(), true, nil
	}
	c.metrics.miss(key.scope)

	set, err := c.load(ctx, key, fetch)
	if err != nil {
		c.metrics.loadFailed(key.scope)
		c.logger.Warn("rbac permission load failed",
			slog.String("scope", key.scope),
			slog.Int64("tenant_id", key.tenantID),
			slog.Int64("id", key.id),
			slog.Any("error", err))
		return PermissionSet{}, false, err
	}
	return set.clone(), false, nil
}

func (c *Cache) lookup(key cacheKey) (PermissionSet, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Before(entry.expires) {
		return entry.set, true
	}
	c.mu.Lock()
	if current, ok := c.entries[key]; ok && !c.now().Before(current.expires) {
		delete(c.entries, key)
		c.prune(key)
	}
	c.mu.Unlock()
	return nil, false
}

func (c *Cache) load(ctx context.Context, key cacheKey, fetch func(context.Context) (PermissionSet, error)) (PermissionSet, error) {
	for attempt := 0; ; attempt++ {
		ch := c.flights.DoChan(key.String(), func() (interface{}, error) {
			gen := c.begin(key)
			set, err := fetch(ctx)
			c.finish(key, gen, set, err)
			if err != nil {
				return nil, err
			}
			return set, nil
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(PermissionSet), nil
			}
			// The flight was started by a caller whose context ended; retry once under ours.
			if attempt == 0 && res.Shared && isContextError(res.Err) && ctx.Err() == nil {
				continue
			}
			return nil, res.Err
		}
	}
}

func (c *Cache) loadUser(ctx context.Context, tenantID, userID int64) (PermissionSet, error) {
	groupIDs, err := c.source.LoadUserGroupIDs(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	set := make(PermissionSet)
	for _, groupID := range groupIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		actions, err := c.source.LoadGroupRoleActions(ctx, tenantID, groupID)
		if err != nil {
			return nil, err
		}
		set.add(actions...)
	}
	return set, nil
}

// begin marks a fetch for key as in progress and returns the generation it
// must still match when it completes.
func (c *Cache) begin(key cacheKey) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading[key]++
	return generation{key: c.keyGens[key], tenant: c.tenantGens[key.tenantID]}
}

func (c *Cache) finish(key cacheKey, gen generation, set PermissionSet, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.loading[key] - 1; n > 0 {
		c.loading[key] = n
	} else {
		delete(c.loading, key)
	}
	if err == nil && c.keyGens[key] == gen.key && c.tenantGens[key.tenantID] == gen.tenant {
		c.entries[key] = cacheEntry{set: set, expires: c.now().Add(c.ttl)}
	}
	c.prune(key)
}

// prune drops the key generation once nothing can compare against it.
// Callers hold c.mu.
func (c *Cache) prune(key cacheKey) {
	if _, ok := c.entries[key]; ok {
		return
	}
	if c.loading[key] > 0 {
		return
	}
	delete(c.keyGens, key)
}

func (c *Cache) evict(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.keyGens[key]++
	c.flights.Forget(key.String())
	c.prune(key)
}

func (c *Cache) evictTenant(group cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenantGens[group.tenantID]++
	c.keyGens[group]++
	affected := func(k cacheKey) bool {
		return k.tenantID == group.tenantID && (k.scope == scopeUser || k == group)
	}
	for k := range c.entries {
		if affected(k) {
			delete(c.entries, k)
		}
	}
	for k := range c.loading {
		if affected(k) {
			c.flights.Forget(k.String())
		}
	}
	for k := range c.keyGens {
		if k.tenantID == group.tenantID {
			c.prune(k)
		}
	}
}

type invalidationMessage struct {
	Origin   string `json:"origin"`
	Scope    string `json:"scope"`
	TenantID int64  `json:"tenant_id"`
	ID       int64  `json:"id"`
}

func (c *Cache) publish(ctx context.Context, key cacheKey) error {
	if c.redis == nil {
		return nil
	}
	payload, err := json.Marshal(invalidationMessage{Origin: c.origin, Scope: key.scope, TenantID: key.tenantID, ID: key.id})
	if err != nil {
		return err
	}
	if err := c.redis.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("rbac: publish invalidation: %w", err)
	}
	return nil
}

// ListenForInvalidation subscribes to invalidations published by other
// processes. It returns once the subscription is active and stops with ctx.
func (c *Cache) ListenForInvalidation(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return nil
	}
	pubsub := c.redis.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rbac: subscribe %s: %w", c.channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.applyRemote(msg.Payload)
			}
		}
	}()
	return nil
}

func (c *Cache) applyRemote(payload string) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		c.logger.Warn("rbac invalid invalidation payload", slog.Any("error", err))
		return
	}
	if msg.Origin == c.origin {
		return
	}
	key := cacheKey{scope: msg.Scope, tenantID: msg.TenantID, id: msg.ID}
	switch msg.Scope {
	case scopeUser:
		c.evict(key)
	case scopeGroup:
		c.evictTenant(key)
	default:
		return
	}
	c.metrics.invalidated(msg.Scope, "remote")
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
