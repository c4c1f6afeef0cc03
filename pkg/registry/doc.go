// Package registry owns the medication catalog: CRUD over medications,
// schedule parsing and reminder provisioning on every change, the
// take-now shortcut, and the prescription-photo extraction client.
package registry
