// Package store is the bot's persistence layer (SQLite via modernc.org/sqlite).
//
// It holds three tables:
//   - birthdays: the partner birthday roster (name is the natural key)
//   - chats:     chats subscribed to the daily mailing
//   - jobs:      a durable mirror of scheduled jobs, owned by the scheduler
//
// The chats table is the source of truth for which delivery jobs should
// exist; the jobs table only lets the scheduler reconcile leftovers after a
// restart.
package store
