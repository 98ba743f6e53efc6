package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of call ids
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *lru.Cache[string, struct{}]

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	evictions int64
	tier2Errs int64
	log       zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(kind string, callID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, log zerolog.Logger) *IdempotencyChecker {
	ic := &IdempotencyChecker{dbChecker: dbChecker, log: log}
	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		ic.evictions++
	})
	if err != nil {
		// only fails on a non-positive size
		panic(fmt.Sprintf("FATAL: idempotency lru capacity %d: %v", capacity, err))
	}
	ic.lru = cache
	return ic
}

func compositeKey(kind, callID string) string {
	return fmt.Sprintf("%s:%s", kind, callID)
}

// IsDuplicate checks if a call has been committed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(kind string, callID string) (bool, string) {
	key := compositeKey(kind, callID)

	if ic.lru.Contains(key) {
		return true, "lru"
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(kind, callID)
		if err != nil {
			// conservative: a DB outage must not block the core
			ic.tier2Errs++
			ic.log.Warn().Err(err).Str("kind", kind).Str("call_id", callID).Msg("tier-2 dedup lookup failed")
			return false, ""
		}
		if isDup {
			ic.lru.Add(key, struct{}{})
			return true, "postgres"
		}
	}
	return false, ""
}

// Seen checks the LRU tier only.
func (ic *IdempotencyChecker) Seen(kind string, callID string) bool {
	return ic.lru.Contains(compositeKey(kind, callID))
}

// MarkProcessed adds key to LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(kind string, callID string) {
	ic.lru.Add(compositeKey(kind, callID), struct{}{})
}

// Warm loads composite keys into the LRU, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

// Keys returns the LRU contents oldest first, for snapshots.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int { return ic.lru.Len() }

func (ic *IdempotencyChecker) Evictions() int64 { return ic.evictions }

func (ic *IdempotencyChecker) Tier2Errors() int64 { return ic.tier2Errs }
