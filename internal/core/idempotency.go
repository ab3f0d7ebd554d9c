package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker deduplicates instructions by (kind, idempotency key):
// an in-memory LRU in front of the persisted event log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics
}

// DBIdempotencyChecker looks a key up in the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(kind string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

func compositeKey(kind, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", kind, idempotencyKey)
}

// IsDuplicate reports whether the instruction was already applied. A
// database error counts as "not seen": the instruction is applied again
// rather than blocking the core.
func (ic *IdempotencyChecker) IsDuplicate(kind string, idempotencyKey string) bool {
	key := compositeKey(kind, idempotencyKey)
	if ic.lru.Contains(key) {
		ic.metrics.RecordDuplicate(kind, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}
	dup, err := ic.dbChecker.IsDuplicate(kind, idempotencyKey)
	if err != nil {
		ic.metrics.RecordTier2Error()
		return false
	}
	if dup {
		ic.metrics.RecordDuplicate(kind, "postgres")
		ic.lru.Add(key)
	}
	return dup
}

// MarkProcessed records a successfully applied instruction.
func (ic *IdempotencyChecker) MarkProcessed(kind string, idempotencyKey string) {
	ic.lru.Add(compositeKey(kind, idempotencyKey))
}

func (ic *IdempotencyChecker) Metrics() *IdempotencyMetrics {
	return ic.metrics
}

// IdempotencyLRU is a bounded set of recently applied composite keys.
// Only the core goroutine touches it.
type IdempotencyLRU struct {
	capacity  int
	cache     map[string]*list.Element
	lruList   *list.List
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains reports membership and promotes the key.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.lruList.MoveToFront(elem)
	}
	return ok
}

func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys recovered from a snapshot or the log.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns the keys from least to most recently used.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (lru *IdempotencyLRU) Size() int        { return lru.lruList.Len() }
func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }

// IdempotencyMetrics counts duplicates per kind and tier.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(kind string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[kind]++
	} else {
		m.duplicatesPostgres[kind]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() { m.tier2Errors++ }

func (m *IdempotencyMetrics) Duplicates(kind string) (lru int64, postgres int64) {
	return m.duplicatesLRU[kind], m.duplicatesPostgres[kind]
}

func (m *IdempotencyMetrics) Tier2Errors() int64 { return m.tier2Errors }
