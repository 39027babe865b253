// Package storage persists per-user preferences, most notably the
// credentials notification backends need (API keys, device lists).
//
// Values are addressed by (server, username, key). Keys are namespaced by
// their owner, e.g. "pushbullet.api_key". Every driver is safe for
// concurrent use; concurrent writes to the same key are last-writer-wins.
//
// Drivers:
//   - "memory": process-local map (tests, ephemeral setups)
//   - "file":   JSON snapshot + append-only journal, compacted periodically
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "redis":  one hash per (server, username)
package storage
