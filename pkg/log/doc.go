// Package log provides structured logging for Kilo Guardian built on
// zerolog. Components obtain child loggers via WithComponent and attach
// domain identifiers (med_id, reminder_id) as fields.
package log
