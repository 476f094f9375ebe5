package metrics

// Pre-defined metrics for the store and sync subsystem. All metrics live
// in DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Node store (C1) metrics ----

	// NodeInserts counts InsertNode calls that wrote a new row.
	NodeInserts = DefaultRegistry.Counter("store.node_inserts")
	// NodeReads counts GetNode calls, cache hits and misses combined.
	NodeReads = DefaultRegistry.Counter("store.node_reads")
	// NodeCacheHits counts GetNode calls served from the fastcache layer.
	NodeCacheHits = DefaultRegistry.Counter("store.node_cache_hits")

	// ---- Root registry / tree engine (C2/C4) metrics ----

	// RootsCommitted counts roots that InsertRoot writes with StatusCommitted;
	// promotions through ChangeRootStatus are not counted.
	RootsCommitted = DefaultRegistry.Counter("store.roots_committed")
	// BatchSize records the number of changelist entries per InsertBatch call.
	BatchSize = DefaultRegistry.Histogram("store.batch_size")

	// ---- Sync scheduler (C7) metrics ----

	// SyncAttempts counts per-store sync ticks that found a new target
	// generation to chase.
	SyncAttempts = DefaultRegistry.Counter("sync.attempts")
	// SyncSuccesses counts syncs that reached the target generation.
	SyncSuccesses = DefaultRegistry.Counter("sync.successes")
	// SyncFailures counts syncs that rolled back after a verification
	// failure or ran out of available servers.
	SyncFailures = DefaultRegistry.Counter("sync.failures")
	// ServersInBackoff tracks how many subscribed servers, across all stores,
	// have a nonzero consecutive-failure count: it rises on a server's first
	// failure and falls when ReceivedCorrectFile resets it, so a server whose
	// hold has lapsed stays counted until then.
	ServersInBackoff = DefaultRegistry.Gauge("sync.servers_in_backoff")
	// ValidatedGenerationLag records target_generation - validated_generation
	// at the start of each sync attempt.
	ValidatedGenerationLag = DefaultRegistry.Histogram("sync.validated_generation_lag")
)
