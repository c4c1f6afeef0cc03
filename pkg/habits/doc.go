// Package habits is the habit ledger service: daily completion records,
// streak maintenance, and adherence rates over the completion history. The
// adherence coordinator writes reminder-driven completions through this
// service so streak caches stay consistent with the ledger.
package habits
