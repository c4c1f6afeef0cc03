// Package events provides the in-process event bus connecting Kilo
// Guardian components. Publishing is non-blocking; each subscriber drains
// an independent bounded queue with retry and dead-lettering, giving
// at-least-once delivery in publish order per subscriber without ever
// back-pressuring user-facing writes.
package events
