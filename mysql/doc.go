// Package mysql provides MySQL 8.0.19+ backends for taskrelay.
//
// Queue is a durable Transport. Its consumer uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY id ASC (UUID v7 time ordering)
//   - LIMIT for batching
//
// Failed entries wait before redelivery and turn dead after MaxAttempts.
// Store is a versioned key-value Store for task records, idempotency claims
// and breaker snapshots. See QueueSchema and KVSchema for the tables, and
// CleanupMaintainer for periodic removal of finished rows.
//
// The DSN must set parseTime=true.
package mysql
