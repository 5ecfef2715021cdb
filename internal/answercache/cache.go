// Package answercache implements the Answer Cache (§4.7): a
// fingerprint-keyed, quality-gated, at-most-one-builder-per-fingerprint
// store for validated answers. It is grounded on the teacher's
// store/redis/redis.go (JSON-marshaled values, pipelined writes, a
// configurable key prefix and TTL) generalized from checkpoints to
// CacheEntry values, plus golang.org/x/sync/singleflight for the
// single-builder discipline §4.7 calls out as an open, must-document
// choice.
package answercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/corpusqa/corpusqa/internal/state"
)

// Normalize implements §4.7's key derivation: trim, case-fold.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Fingerprint is sha256(Normalize(query)), hex-encoded.
func Fingerprint(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}

// QualityGate is the admission rule of §4.7: every condition must hold
// for the freshly synthesized answer.
type QualityGate struct {
	MinAnswerLen  int
	MinConfidence float64
}

// Passes evaluates the gate against a candidate answer about to be
// admitted.
func (g QualityGate) Passes(answer string, confidence float64, hasCitationMarker, servedFromCache, hasErrorState bool) bool {
	return len(answer) > g.MinAnswerLen &&
		confidence >= g.MinConfidence &&
		hasCitationMarker &&
		!servedFromCache &&
		!hasErrorState
}

// Cache is a Redis-backed answer cache with the single-builder-per-
// fingerprint contract implemented via singleflight: a concurrent
// second caller for the same fingerprint **waits** on the first
// caller's build rather than racing an independent build — the "wait"
// policy documented for §4.7's "Concurrency" clause, chosen because a
// duplicate independent build would waste the same retrieval/synthesis
// work the cache exists to avoid.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	gate   QualityGate
	group  singleflight.Group

	hits   atomic.Int64
	stores atomic.Int64
}

// Options configures a Cache.
type Options struct {
	Prefix string
	TTL    time.Duration
	Gate   QualityGate
}

// New builds a Cache over an existing Redis client (production code
// points this at a real server; tests point it at miniredis).
func New(client *redis.Client, opts Options) *Cache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "corpusqa:cache:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl, gate: opts.Gate}
}

func (c *Cache) key(fingerprint string) string {
	return c.prefix + "entry:" + fingerprint
}

// record is the JSON-on-the-wire shape of a CacheEntry.
type record struct {
	Fingerprint           string            `json:"fingerprint"`
	NormalizedQuery       string            `json:"normalized_query"`
	Answer                string            `json:"answer"`
	Citations             []state.Citation  `json:"citations"`
	Confidence            float64           `json:"confidence"`
	CreatedAt             time.Time         `json:"created_at"`
	LastValidatedAt       time.Time         `json:"last_validated_at"`
	UsageCount            int               `json:"usage_count"`
	SourcePlanFingerprint string            `json:"source_plan_fingerprint"`
}

func toRecord(e *state.CacheEntry) record {
	return record{
		Fingerprint:           e.Fingerprint,
		NormalizedQuery:       e.NormalizedQuery,
		Answer:                e.Answer,
		Citations:             e.Citations,
		Confidence:            e.Confidence,
		CreatedAt:             e.CreatedAt,
		LastValidatedAt:       e.LastValidatedAt,
		UsageCount:            e.UsageCount,
		SourcePlanFingerprint: e.SourcePlanFingerprint,
	}
}

func fromRecord(r record) *state.CacheEntry {
	return &state.CacheEntry{
		Fingerprint:           r.Fingerprint,
		NormalizedQuery:       r.NormalizedQuery,
		Answer:                r.Answer,
		Citations:             r.Citations,
		Confidence:            r.Confidence,
		CreatedAt:             r.CreatedAt,
		LastValidatedAt:       r.LastValidatedAt,
		UsageCount:            r.UsageCount,
		SourcePlanFingerprint: r.SourcePlanFingerprint,
	}
}

// Lookup fetches the raw CacheEntry for query's fingerprint, if any. It
// does not re-validate or bump usage_count — callers (Triage) do that
// only after the re-validation gate passes, per §4.7 "Lookup".
func (c *Cache) Lookup(ctx context.Context, query string) (*state.CacheEntry, error) {
	fp := Fingerprint(query)
	data, err := c.client.Get(ctx, c.key(fp)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("answercache: lookup: %w", err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("answercache: unmarshal: %w", err)
	}
	return fromRecord(r), nil
}

// RegisterHit refreshes last_validated_at and increments usage_count on
// a cache hit that passed re-validation (§4.7 "Eviction").
func (c *Cache) RegisterHit(ctx context.Context, entry *state.CacheEntry, now time.Time) error {
	entry.LastValidatedAt = now
	entry.UsageCount++
	c.hits.Add(1)
	return c.put(ctx, entry)
}

// Admit writes entry if it passes the quality gate; ErrGateRejected is
// returned (not a fatal error to the caller — just "do not cache this
// turn") if it does not.
var ErrGateRejected = fmt.Errorf("answercache: quality gate rejected")

func (c *Cache) Admit(ctx context.Context, entry *state.CacheEntry, hasCitationMarker, servedFromCache, hasErrorState bool) error {
	if !c.gate.Passes(entry.Answer, entry.Confidence, hasCitationMarker, servedFromCache, hasErrorState) {
		return ErrGateRejected
	}
	c.stores.Add(1)
	return c.put(ctx, entry)
}

func (c *Cache) put(ctx context.Context, entry *state.CacheEntry) error {
	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("answercache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entry.Fingerprint), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("answercache: set: %w", err)
	}
	return nil
}

// BuildResult is what a build function returns to GetOrBuild.
type BuildResult struct {
	Entry *state.CacheEntry
}

// GetOrBuild implements the at-most-one-concurrent-build-per-fingerprint
// contract: concurrent callers for the same fingerprint collapse onto a
// single in-flight build via singleflight and all receive its result,
// rather than each independently re-running retrieval and synthesis.
func (c *Cache) GetOrBuild(ctx context.Context, query string, build func(ctx context.Context) (BuildResult, error)) (BuildResult, error, bool) {
	fp := Fingerprint(query)
	v, err, shared := c.group.Do(fp, func() (any, error) {
		return build(ctx)
	})
	if err != nil {
		return BuildResult{}, err, shared
	}
	return v.(BuildResult), nil, shared
}

// Stats summarizes cache activity for the inspection API (§6).
type Stats struct {
	Entries int
	Hits    int64
	Stores  int64
	HitRate float64
	AvgUsage float64
}

// Stats scans every entry under the configured prefix to compute usage
// stats; acceptable for an inspection endpoint, not the request hot
// path.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.scanAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Entries: len(entries), Hits: c.hits.Load(), Stores: c.stores.Load()}
	total := stats.Hits + stats.Stores
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	var usageSum int
	for _, e := range entries {
		usageSum += e.UsageCount
	}
	if len(entries) > 0 {
		stats.AvgUsage = float64(usageSum) / float64(len(entries))
	}
	return stats, nil
}

// SearchResult is one row of the §6 /cache/search response.
type SearchResult struct {
	Fingerprint string
	Preview     string
	UsageCount  int
}

// Search returns entries whose normalized query contains substr,
// bounded by limit.
func (c *Cache) Search(ctx context.Context, substr string, limit int) ([]SearchResult, error) {
	entries, err := c.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	substr = strings.ToLower(substr)
	var out []SearchResult
	for _, e := range entries {
		if substr != "" && !strings.Contains(e.NormalizedQuery, substr) {
			continue
		}
		preview := e.Answer
		if len(preview) > 160 {
			preview = preview[:160]
		}
		out = append(out, SearchResult{Fingerprint: e.Fingerprint, Preview: preview, UsageCount: e.UsageCount})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Clear removes every entry under the configured prefix.
func (c *Cache) Clear(ctx context.Context) error {
	keys, err := c.listKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"entry:*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("answercache: scan: %w", err)
	}
	return keys, nil
}

func (c *Cache) scanAll(ctx context.Context) ([]*state.CacheEntry, error) {
	keys, err := c.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("answercache: mget: %w", err)
	}
	out := make([]*state.CacheEntry, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			continue
		}
		out = append(out, fromRecord(r))
	}
	return out, nil
}
