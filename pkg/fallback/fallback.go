package fallback

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/metrics"
)

// Method identifies how a fallback tier produces a degraded result
type Method string

const (
	// MethodAlternativeProvider delegates to a caller-supplied alternate
	// implementation of the same call
	MethodAlternativeProvider Method = "alternative_provider"
	// MethodCachedData serves the last successful primary result, subject
	// to the tier's staleness bound
	MethodCachedData Method = "cached_data"
	// MethodDegradedMode returns a reduced-functionality canned response
	MethodDegradedMode Method = "degraded_mode"
	// MethodStaticFallback returns a fixed safe response
	MethodStaticFallback Method = "static_fallback"
)

// Tier is one ranked degradation strategy, tried in ascending priority
// order when the primary call fails
type Tier struct {
	Priority int
	Method   Method
	// Response is the canned payload for degraded_mode and static_fallback
	Response interface{}
	// Provider is the alternate-implementation slot for
	// alternative_provider; its domain logic is out of scope here
	Provider func(ctx context.Context) (interface{}, error)
	// MaxStaleness bounds the age of a cached entry for cached_data
	MaxStaleness time.Duration
}

// Safety is declarative metadata inspected by calling code to decide
// whether a degraded or cached answer is acceptable for the service. The
// framework itself never special-cases any domain.
type Safety struct {
	AllowCachedData         bool `json:"allow_cached_data"`
	AllowDegradedMode       bool `json:"allow_degraded_mode"`
	RequiresExplicitFailure bool `json:"requires_explicit_failure"`
}

// Strategy is the registered degradation plan for one service
type Strategy struct {
	Service string
	Tiers   []Tier
	// IntegrityCheck, when set, must accept a tier's result; a rejected
	// result counts as a tier failure
	IntegrityCheck func(interface{}) bool
	// WarnOnStale attaches a staleness warning when cached data is served
	WarnOnStale bool
	Safety      Safety
}

// CacheEntry is a successful primary result with its write time. Entries
// are never actively evicted; staleness is validated at read time.
type CacheEntry struct {
	Value    interface{}
	CachedAt time.Time
}

// ResultCache stores the last good result per service. Reads and writes
// are best-effort; last write wins.
type ResultCache interface {
	Get(ctx context.Context, service string) (*CacheEntry, bool)
	Set(ctx context.Context, service string, entry CacheEntry)
}

// MemoryCache is the default in-process result cache
type MemoryCache struct {
	entries sync.Map
}

// NewMemoryCache creates an empty in-memory result cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(_ context.Context, service string) (*CacheEntry, bool) {
	v, ok := c.entries.Load(service)
	if !ok {
		return nil, false
	}
	entry := v.(CacheEntry)
	return &entry, true
}

func (c *MemoryCache) Set(_ context.Context, service string, entry CacheEntry) {
	c.entries.Store(service, entry)
}

// Result is the structured outcome of a guarded call. Tier 0 means the
// primary call succeeded.
type Result struct {
	Tier         int         `json:"tier"`
	UsedFallback bool        `json:"used_fallback"`
	Data         interface{} `json:"data"`
	Warning      string      `json:"warning,omitempty"`
}

// TierFailure records why one tier could not serve
type TierFailure struct {
	Tier   int
	Method Method
	Reason string
}

// ExhaustedError aggregates the primary failure and every tier's rejection
// reason when no tier could produce a result
type ExhaustedError struct {
	Service      string
	Primary      error
	TierFailures []TierFailure
}

func (e *ExhaustedError) Error() string {
	reasons := make([]string, 0, len(e.TierFailures))
	for _, tf := range e.TierFailures {
		reasons = append(reasons, fmt.Sprintf("tier %d (%s): %s", tf.Tier, tf.Method, tf.Reason))
	}
	return fmt.Sprintf("all fallback tiers exhausted for service '%s': primary failure: %v; %s",
		e.Service, e.Primary, strings.Join(reasons, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	return e.Primary
}

// Registry holds the degradation strategy and result cache per service.
// Constructed explicitly and injected wherever needed.
type Registry struct {
	mutex      sync.RWMutex
	strategies map[string]*Strategy
	cache      ResultCache
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewRegistry creates a fallback registry. A nil cache defaults to the
// in-memory implementation.
func NewRegistry(cache ResultCache) *Registry {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Registry{
		strategies: make(map[string]*Strategy),
		cache:      cache,
		logger:     logging.GetLogger(),
	}
}

// SetMetrics wires Prometheus instrumentation for served results. Call
// once at composition time; may be left unset.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

func (r *Registry) observeResult(service, method string) {
	if r.metrics != nil {
		r.metrics.ObserveFallback(service, method)
	}
}

// Register validates and installs the strategy for its service, replacing
// any previous registration. Tiers are ordered by ascending priority.
func (r *Registry) Register(strategy *Strategy) error {
	if strategy == nil || strategy.Service == "" {
		return apperrors.NewValidationError("fallback strategy requires a service name")
	}

	for _, tier := range strategy.Tiers {
		switch tier.Method {
		case MethodCachedData:
			if tier.MaxStaleness <= 0 {
				return apperrors.NewValidationError(
					fmt.Sprintf("cached_data tier %d for '%s' requires a max staleness", tier.Priority, strategy.Service))
			}
		case MethodDegradedMode, MethodStaticFallback:
			if tier.Response == nil {
				return apperrors.NewValidationError(
					fmt.Sprintf("%s tier %d for '%s' requires a canned response", tier.Method, tier.Priority, strategy.Service))
			}
		case MethodAlternativeProvider:
			// The provider slot may be wired later by the host; a missing
			// provider is reported as a tier failure at execution time.
		default:
			return apperrors.NewValidationError(
				fmt.Sprintf("unknown fallback method %q for '%s'", tier.Method, strategy.Service))
		}
	}

	sorted := make([]Tier, len(strategy.Tiers))
	copy(sorted, strategy.Tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	strategy.Tiers = sorted

	r.mutex.Lock()
	r.strategies[strategy.Service] = strategy
	r.mutex.Unlock()

	r.logger.Debug("Fallback strategy registered",
		"service", strategy.Service,
		"tiers", len(strategy.Tiers),
	)
	return nil
}

// Strategy returns the registered strategy for a service, if any
func (r *Registry) Strategy(service string) (*Strategy, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, ok := r.strategies[service]
	return s, ok
}

// ExecuteWithFallback runs the primary operation and, on failure, walks
// the service's fallback tiers. With no strategy registered the framework
// is a transparent no-op: the primary outcome propagates unchanged.
func (r *Registry) ExecuteWithFallback(ctx context.Context, service string, op func(context.Context) (interface{}, error)) (*Result, error) {
	strategy, registered := r.Strategy(service)

	if !registered {
		data, err := op(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Tier: 0, UsedFallback: false, Data: data}, nil
	}

	data, primaryErr := op(ctx)
	if primaryErr == nil {
		r.cache.Set(ctx, service, CacheEntry{Value: data, CachedAt: time.Now()})
		r.observeResult(service, "primary")
		return &Result{Tier: 0, UsedFallback: false, Data: data}, nil
	}

	// A strategy with no tiers only contributes result caching; the
	// primary failure propagates unchanged
	if len(strategy.Tiers) == 0 {
		return nil, primaryErr
	}

	r.logger.Warn("Primary call failed, attempting fallback tiers",
		"service", service,
		"error", primaryErr.Error(),
		"tiers", len(strategy.Tiers),
	)

	var failures []TierFailure
	for _, tier := range strategy.Tiers {
		result, reason := r.tryTier(ctx, service, strategy, tier)
		if reason != "" {
			failures = append(failures, TierFailure{Tier: tier.Priority, Method: tier.Method, Reason: reason})
			continue
		}

		r.logger.Info("Fallback tier served degraded result",
			"service", service,
			"tier", tier.Priority,
			"method", string(tier.Method),
		)
		r.observeResult(service, string(tier.Method))
		return result, nil
	}

	r.observeResult(service, "exhausted")
	return nil, &ExhaustedError{Service: service, Primary: primaryErr, TierFailures: failures}
}

// WarmCache seeds the result cache for a service ahead of demand, e.g.
// from a recovery workflow's cache_warm step
func (r *Registry) WarmCache(ctx context.Context, service string, value interface{}) {
	r.cache.Set(ctx, service, CacheEntry{Value: value, CachedAt: time.Now()})
	r.logger.Debug("Fallback cache warmed", "service", service)
}

// tryTier attempts one tier; a non-empty reason means the tier failed
func (r *Registry) tryTier(ctx context.Context, service string, strategy *Strategy, tier Tier) (*Result, string) {
	var value interface{}
	warning := ""

	switch tier.Method {
	case MethodCachedData:
		entry, ok := r.cache.Get(ctx, service)
		if !ok {
			return nil, "no cache entry"
		}
		age := time.Since(entry.CachedAt)
		if age > tier.MaxStaleness {
			return nil, fmt.Sprintf("cache entry stale: age %s exceeds limit %s", age.Round(time.Millisecond), tier.MaxStaleness)
		}
		value = entry.Value
		if strategy.WarnOnStale {
			warning = fmt.Sprintf("serving cached data aged %s", age.Round(time.Second))
		}

	case MethodAlternativeProvider:
		if tier.Provider == nil {
			return nil, "no alternate provider configured"
		}
		alt, err := tier.Provider(ctx)
		if err != nil {
			return nil, fmt.Sprintf("alternate provider failed: %v", err)
		}
		value = alt

	case MethodDegradedMode, MethodStaticFallback:
		value = tier.Response

	default:
		return nil, fmt.Sprintf("unknown method %q", tier.Method)
	}

	if strategy.IntegrityCheck != nil && !strategy.IntegrityCheck(value) {
		return nil, "integrity check rejected result"
	}

	return &Result{Tier: tier.Priority, UsedFallback: true, Data: value, Warning: warning}, ""
}
