// Package dedupe provides a TTL-based cache for detecting replayed
// idempotency keys.
package dedupe
