package shield

import "database/sql"

// Schema defines the rate_limits table: per-endpoint rate limiting rules
// read by RateLimiter. Seeds a default rule for the login endpoint, the
// one route reachable without a session.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
VALUES ('POST /api/auth/login', 10, 60, 1);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
