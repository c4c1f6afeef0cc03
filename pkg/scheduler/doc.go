// Package scheduler runs the single firing loop: it sleeps until the
// earliest scheduled reminder (or the poll interval, whichever is
// sooner), claims due reminders in batches, hands them to the adherence
// coordinator over a bounded queue, and advances recurrence chains by
// inserting the next scheduled row after each fire.
package scheduler
