package store

// schema is the embedded DDL for the node, root, and ancestor tables that
// back the node store, root registry, and ancestor index. It is applied
// idempotently on every Open.
const schema = `
-- Node table: content-addressed, immutable once written.
CREATE TABLE IF NOT EXISTS node (
    hash TEXT PRIMARY KEY CHECK(length(hash) = 64),
    node_type INTEGER NOT NULL CHECK(node_type IN (1, 2)),
    left_hash TEXT REFERENCES node(hash),
    right_hash TEXT REFERENCES node(hash),
    key BLOB,
    value BLOB,
    CHECK (
        (node_type = 1 AND left_hash IS NOT NULL AND right_hash IS NOT NULL AND key IS NULL AND value IS NULL) OR
        (node_type = 2 AND left_hash IS NULL AND right_hash IS NULL AND key IS NOT NULL AND value IS NOT NULL)
    )
);

-- Root registry: one row per generation per status. Committed and
-- pending entries with the same generation may coexist until promotion.
CREATE TABLE IF NOT EXISTS root (
    store_id TEXT NOT NULL CHECK(length(store_id) = 64),
    generation INTEGER NOT NULL CHECK(generation >= 0),
    node_hash TEXT REFERENCES node(hash),
    status INTEGER NOT NULL CHECK(status IN (0, 1, 2)),
    PRIMARY KEY (status, store_id, generation)
);

CREATE INDEX IF NOT EXISTS idx_root_store_gen ON root(store_id, generation);

-- Ancestor index: sparse parent-of relation, one row per
-- (child, store, generation) it was first introduced at.
CREATE TABLE IF NOT EXISTS ancestors (
    hash TEXT NOT NULL REFERENCES node(hash),
    ancestor TEXT REFERENCES node(hash),
    store_id TEXT NOT NULL CHECK(length(store_id) = 64),
    generation INTEGER NOT NULL CHECK(generation >= 0),
    PRIMARY KEY (hash, store_id, generation)
);

CREATE INDEX IF NOT EXISTS idx_ancestors_lookup ON ancestors(hash, store_id, generation);

-- Store metadata: validated_generation is the only process-global counter
-- (persisted per store, written only by the sync scheduler).
CREATE TABLE IF NOT EXISTS stores (
    store_id TEXT PRIMARY KEY CHECK(length(store_id) = 64),
    label TEXT NOT NULL DEFAULT '',
    validated_generation INTEGER NOT NULL DEFAULT 0
);
`
