// Package types defines the core entities shared across Kilo Guardian
// components: medications, reminders, habits, adherence events, patterns,
// coaching messages, admin tokens, and the event-bus envelope.
package types
