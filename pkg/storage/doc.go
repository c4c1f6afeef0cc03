// Package storage provides the durable bbolt-backed stores owned by each
// component: reminders, medications, habits and completions, adherence
// events, patterns and coaching messages, and admin tokens. Rows are
// JSON-marshalled into per-entity buckets; each store owns its own
// database file and is the sole writer of its rows.
package storage
