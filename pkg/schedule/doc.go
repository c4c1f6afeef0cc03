// Package schedule parses free-form medication schedule strings into
// canonical firing specs and computes next-firing times from any base
// timestamp. The grammar is a closed set; unparseable input falls back to
// a single 09:00 daily firing with a warning diagnostic rather than an
// error.
package schedule
