package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS bags (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    business_id INTEGER NOT NULL,
    name        TEXT    NOT NULL,
    status      INTEGER NOT NULL DEFAULT 1,
    price       TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bags_business_id ON bags(business_id);

CREATE TABLE IF NOT EXISTS orders (
    id                TEXT    PRIMARY KEY,
    user_id           INTEGER NOT NULL,
    business_id       INTEGER NOT NULL,
    status            TEXT    NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'confirmed', 'cancelled', 'refunded')),
    payment_reference TEXT    NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);
CREATE INDEX IF NOT EXISTS idx_orders_business_id ON orders(business_id);

CREATE TABLE IF NOT EXISTS order_items (
    order_id TEXT    NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    bag_id   INTEGER NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    price    TEXT    NOT NULL,
    PRIMARY KEY (order_id, position)
);

CREATE TABLE IF NOT EXISTS order_events (
    id         TEXT    PRIMARY KEY,
    order_id   TEXT    NOT NULL,
    event_type TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    created_at INTEGER NOT NULL,
    sent_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_order_events_pending ON order_events(created_at) WHERE sent_at IS NULL;
`
