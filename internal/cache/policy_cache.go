package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	policydomain "github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
)

const (
	DefaultPolicyCacheSize = 10_000
	DefaultPolicyCacheTTL  = time.Minute
)

// PolicyCache stores effective policies keyed by (tenant, feature).
// Implementations must be safe for concurrent readers and invalidators.
type PolicyCache interface {
	Get(tenantID snowflake.ID, featureKey string) (policydomain.EffectiveFeaturePolicy, bool)
	Set(policy policydomain.EffectiveFeaturePolicy)
	Invalidate(tenantID snowflake.ID, featureKey string)
	InvalidateTenant(tenantID snowflake.ID)
	InvalidateTierFeature(tierID snowflake.ID, featureKey string)
	Purge()
	Len() int
}

type policyCache struct {
	entries *lru.LRU[string, policydomain.EffectiveFeaturePolicy]
}

// NewPolicyCache returns a bounded in-memory cache whose entries expire
// after ttl even without an explicit invalidation.
func NewPolicyCache(size int, ttl time.Duration) PolicyCache {
	if size <= 0 {
		size = DefaultPolicyCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultPolicyCacheTTL
	}
	return &policyCache{
		entries: lru.NewLRU[string, policydomain.EffectiveFeaturePolicy](size, nil, ttl),
	}
}

func (c *policyCache) Get(tenantID snowflake.ID, featureKey string) (policydomain.EffectiveFeaturePolicy, bool) {
	policy, ok := c.entries.Get(cacheKey(tenantID, featureKey))
	if !ok {
		return policydomain.EffectiveFeaturePolicy{}, false
	}
	return policy.Clone(), true
}

func (c *policyCache) Set(policy policydomain.EffectiveFeaturePolicy) {
	if policy.TenantID == 0 || strings.TrimSpace(policy.FeatureKey) == "" {
		return
	}
	c.entries.Add(cacheKey(policy.TenantID, policy.FeatureKey), policy.Clone())
}

func (c *policyCache) Invalidate(tenantID snowflake.ID, featureKey string) {
	c.entries.Remove(cacheKey(tenantID, featureKey))
}

func (c *policyCache) InvalidateTenant(tenantID snowflake.ID) {
	prefix := tenantID.String() + "|"
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

func (c *policyCache) InvalidateTierFeature(tierID snowflake.ID, featureKey string) {
	featureKey = strings.TrimSpace(featureKey)
	for _, key := range c.entries.Keys() {
		policy, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if policy.TierID == tierID && policy.FeatureKey == featureKey {
			c.entries.Remove(key)
		}
	}
}

func (c *policyCache) Purge() {
	c.entries.Purge()
}

func (c *policyCache) Len() int {
	return c.entries.Len()
}

// Feature keys are case-sensitive, so only surrounding space is trimmed.
func cacheKey(tenantID snowflake.ID, featureKey string) string {
	return tenantID.String() + "|" + strings.TrimSpace(featureKey)
}
