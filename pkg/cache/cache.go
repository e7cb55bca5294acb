package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/praetorian-labs/gradeflow/pkg/fingerprint"
)

// DefaultTTL is how long a cached grading result stays valid before a
// re-grade is forced, independent of rubric or run changes.
const DefaultTTL = 30 * 24 * time.Hour

const entryPrefix = "grade:"

// Cache wraps a Store with a fail-open contract: a backing-store error is
// logged and treated as a miss or a no-op, never surfaced to the caller as
// an error. It also gates writes on confidence, so a low-confidence grading
// result never poisons a later run's cache hit.
type Cache struct {
	store         Store
	log           *slog.Logger
	minConfidence float64
}

// New wraps store in the fail-open Cache contract. minConfidence is the
// threshold Put compares a write's confidence against; a write below it is
// dropped rather than stored.
func New(store Store, log *slog.Logger, minConfidence float64) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{store: store, log: log, minConfidence: minConfidence}
}

// Key builds the cache key for a grading call. The rubric fingerprint is
// kept as a literal, unhashed path segment so InvalidateByRubric can find
// every entry for a rubric with a prefix scan; the remaining components are
// hashed together since nothing ever needs to scan by student or question
// alone.
func Key(rubricFingerprint, studentID, questionID, pageFingerprint string) string {
	return entryPrefix + rubricFingerprint + ":" + fingerprint.Key(studentID, questionID, pageFingerprint)
}

// Get returns (payload, true) on a hit, or (nil, false) on a miss or any
// backing-store error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, err := c.store.Get(ctx, key)
	if err != nil {
		if err != ErrMiss {
			c.log.WarnContext(ctx, "cache get failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	return payload, true
}

// Put stores payload under key with DefaultTTL, but only when confidence
// exceeds the cache's configured minimum; a write below that threshold is
// dropped rather than risking a confidently-wrong cache hit downstream. A
// backing-store error is logged and swallowed.
func (c *Cache) Put(ctx context.Context, key string, payload []byte, confidence float64) {
	if confidence <= c.minConfidence {
		c.log.DebugContext(ctx, "cache put skipped, confidence below minimum", "key", key, "confidence", confidence, "min_confidence", c.minConfidence)
		return
	}
	if err := c.store.Set(ctx, key, payload, DefaultTTL); err != nil {
		c.log.WarnContext(ctx, "cache put failed, continuing without caching", "key", key, "error", err)
	}
}

// InvalidateByRubric drops every cache entry keyed under rubricFingerprint,
// used when a teacher edits a rubric mid-run and every already-cached
// grading result for it must be recomputed.
func (c *Cache) InvalidateByRubric(ctx context.Context, rubricFingerprint string) {
	prefix := entryPrefix + rubricFingerprint + ":"
	keys, err := c.store.Scan(ctx, prefix)
	if err != nil {
		c.log.WarnContext(ctx, "cache scan failed during invalidation", "rubric_fingerprint", rubricFingerprint, "error", err)
		return
	}
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			c.log.WarnContext(ctx, "cache delete failed during invalidation", "key", k, "error", err)
		}
	}
}
