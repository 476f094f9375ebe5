package subscription

// schema is the embedded DDL for C6's registry: one row per (store_id, url)
// pair, with position preserving insertion order within a store.
const schema = `
CREATE TABLE IF NOT EXISTS subscription_servers (
    store_id TEXT NOT NULL CHECK(length(store_id) = 64),
    url TEXT NOT NULL,
    position INTEGER NOT NULL CHECK(position >= 0),
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    ignore_until_unix_secs INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (store_id, url)
);

CREATE INDEX IF NOT EXISTS idx_subscription_servers_order ON subscription_servers(store_id, position);
`
