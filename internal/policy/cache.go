package policy

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Store is the subset of store.Store the policy cache needs.
type Store interface {
	ListSystemPolicies(ctx context.Context) ([]*store.Policy, error)
	ListPolicies(ctx context.Context, orgID string) ([]*store.Policy, error)
	OrgPolicyVersion(ctx context.Context, orgID string) (int64, error)
}

// GossipCache is the subset of cache.Cache used to propagate policy-version
// changes across nodes without every request hitting the database.
type GossipCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func orgVersionCacheKey(orgID string) string {
	return "policy_version:org:" + orgID
}

type orgEntry struct {
	policies []*store.Policy
	version  int64
	checked  time.Time
}

// policyCache holds the system policy set in a dedicated slot and org
// policies in an LRU-bounded map. Cross-node convergence works by polling a
// shared version counter (gossip.GossipCache) at most once per
// Config.PolicyCacheTTL per org; a version mismatch triggers a reload of that
// org's full policy set from Store.
type policyCache struct {
	store  Store
	gossip GossipCache
	cfg    Config

	mu             sync.Mutex
	system         []*store.Policy
	systemLoadedAt time.Time

	org      map[string]*orgEntry
	lru      *list.List
	lruElems map[string]*list.Element
}

func newPolicyCache(s Store, g GossipCache, cfg Config) *policyCache {
	return &policyCache{
		store:    s,
		gossip:   g,
		cfg:      cfg,
		org:      make(map[string]*orgEntry),
		lru:      list.New(),
		lruElems: make(map[string]*list.Element),
	}
}

// warm eagerly loads system policies and is a no-op for orgs whatever
// LazyLoadPolicies says (there is no enumerable org list at this layer; org
// policies load via OrgPolicies as they're encountered).
func (c *policyCache) warm(ctx context.Context) error {
	_, err := c.SystemPolicies(ctx)
	return err
}

func (c *policyCache) SystemPolicies(ctx context.Context) ([]*store.Policy, error) {
	c.mu.Lock()
	fresh := c.system != nil && time.Since(c.systemLoadedAt) < c.cfg.PolicyCacheTTL
	cached := c.system
	c.mu.Unlock()
	if fresh {
		return cached, nil
	}

	policies, err := c.store.ListSystemPolicies(ctx)
	if err != nil {
		c.mu.Lock()
		stale := c.system
		c.mu.Unlock()
		if stale != nil {
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.system = policies
	c.systemLoadedAt = time.Now()
	c.mu.Unlock()
	return policies, nil
}

// OrgPolicies returns orgID's policies, reloading from Store when the
// gossiped version has advanced past what's cached locally.
func (c *policyCache) OrgPolicies(ctx context.Context, orgID string) ([]*store.Policy, error) {
	c.mu.Lock()
	entry, ok := c.org[orgID]
	c.mu.Unlock()

	if ok && time.Since(entry.checked) < c.cfg.PolicyCacheTTL {
		c.touch(orgID)
		return entry.policies, nil
	}

	remoteVersion, versionKnown := c.remoteVersion(ctx, orgID)
	if ok && versionKnown && remoteVersion == entry.version {
		entry.checked = time.Now()
		c.touch(orgID)
		return entry.policies, nil
	}

	policies, version, err := c.load(ctx, orgID)
	if err != nil {
		if ok {
			return entry.policies, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.org[orgID] = &orgEntry{policies: policies, version: version, checked: time.Now()}
	c.mu.Unlock()
	c.touch(orgID)
	c.evictIfNeeded()
	c.publishVersion(ctx, orgID, version)
	return policies, nil
}

func (c *policyCache) load(ctx context.Context, orgID string) ([]*store.Policy, int64, error) {
	policies, err := c.store.ListPolicies(ctx, orgID)
	if err != nil {
		return nil, 0, err
	}
	version, err := c.store.OrgPolicyVersion(ctx, orgID)
	if err != nil {
		version = 0
	}
	return policies, version, nil
}

func (c *policyCache) remoteVersion(ctx context.Context, orgID string) (int64, bool) {
	if c.gossip == nil {
		return 0, false
	}
	raw, ok := c.gossip.Get(ctx, orgVersionCacheKey(orgID))
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *policyCache) publishVersion(ctx context.Context, orgID string, version int64) {
	if c.gossip == nil {
		return
	}
	_ = c.gossip.Set(ctx, orgVersionCacheKey(orgID), []byte(strconv.FormatInt(version, 10)), c.cfg.PolicyCacheTTL*10)
}

// Invalidate drops the local cache entry for orgID and republishes its
// current version, used right after this node performs a write so its own
// next read reflects the change immediately instead of waiting out the TTL.
func (c *policyCache) Invalidate(ctx context.Context, orgID string) {
	c.mu.Lock()
	delete(c.org, orgID)
	if el, ok := c.lruElems[orgID]; ok {
		c.lru.Remove(el)
		delete(c.lruElems, orgID)
	}
	c.mu.Unlock()

	if version, err := c.store.OrgPolicyVersion(ctx, orgID); err == nil {
		c.publishVersion(ctx, orgID, version)
	}
}

func (c *policyCache) touch(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.lruElems[orgID]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.lruElems[orgID] = c.lru.PushFront(orgID)
}

func (c *policyCache) evictIfNeeded() {
	if c.cfg.MaxCachedOrgs <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.cfg.PolicyEvictionBatchSize
	if batch <= 0 {
		batch = 1
	}
	for len(c.org) > c.cfg.MaxCachedOrgs {
		el := c.lru.Back()
		if el == nil {
			return
		}
		for i := 0; i < batch && el != nil; i++ {
			orgID := el.Value.(string)
			prev := el.Prev()
			c.lru.Remove(el)
			delete(c.lruElems, orgID)
			delete(c.org, orgID)
			el = prev
		}
	}
}
