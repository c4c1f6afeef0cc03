// Package gateway is the single HTTP entrypoint. It routes by path
// prefix to the component backends, enforces admin-token authentication
// before any backend runs, applies per-client rate limits and
// per-backend timeouts, and serves the built-in health, metrics, status
// and token-management endpoints.
package gateway
