package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kiloguardian/kilo/pkg/api"
)

type createTokenRequest struct {
	Scopes   []string `json:"scopes"`
	TTLHours int      `json:"ttl_hours"`
}

// createTokenResponse carries the raw token; it is shown exactly once
type createTokenResponse struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// tokenView is an AdminToken with the hash stripped
type tokenView struct {
	ID        string    `json:"id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
}

type validateRequest struct {
	Token string `json:"token"`
}

// admin dispatches the token-management endpoints. The caller has
// already been authenticated; path is the remainder after /admin.
func (g *Gateway) admin(w http.ResponseWriter, r *http.Request, path string) {
	head, rest := api.ShiftPath(path)
	switch head {
	case "tokens":
		id, sub := api.ShiftPath(rest)
		action, _ := api.ShiftPath(sub)
		switch {
		case id == "" && r.Method == http.MethodGet:
			g.listTokens(w)
		case id == "" && r.Method == http.MethodPost:
			g.createToken(w, r)
		case action == "revoke" && r.Method == http.MethodPost:
			g.revokeToken(w, id)
		case id != "" && action == "" && r.Method == http.MethodDelete:
			g.revokeToken(w, id)
		default:
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
		}
	case "validate":
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
			return
		}
		g.validateToken(w, r)
	default:
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown admin resource")
	}
}

func (g *Gateway) createToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"*"}
	}

	raw, err := newRawToken()
	if err != nil {
		api.Error(w, err)
		return
	}
	var expiresAt time.Time
	if req.TTLHours > 0 {
		expiresAt = g.clk.Now().UTC().Add(time.Duration(req.TTLHours) * time.Hour)
	}

	token, err := g.tokens.Create(raw, req.Scopes, expiresAt)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, createTokenResponse{
		ID:        token.ID,
		Token:     raw,
		Scopes:    token.Scopes,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	})
}

func (g *Gateway) listTokens(w http.ResponseWriter) {
	tokens, err := g.tokens.List()
	if err != nil {
		api.Error(w, err)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{
			ID:        t.ID,
			Scopes:    t.Scopes,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
			RevokedAt: t.RevokedAt,
		})
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

func (g *Gateway) revokeToken(w http.ResponseWriter, id string) {
	if err := g.tokens.Revoke(id); err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusNoContent, nil)
}

// validateToken checks an arbitrary token, for out-of-band tooling
func (g *Gateway) validateToken(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	token, err := g.tokens.Validate(req.Token, g.clk.Now().UTC())
	if err != nil {
		api.WriteJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":  true,
		"id":     token.ID,
		"scopes": token.Scopes,
	})
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// status fans out to every registered health checker with a bounded
// per-component probe. Unauthenticated so load balancers can poll it.
func (g *Gateway) status(w http.ResponseWriter, r *http.Request) {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]componentStatus, len(g.health))
	)
	overall := "ok"
	for name, check := range g.health {
		wg.Add(1)
		go func(name string, check HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), g.cfg.HealthTimeout)
			defer cancel()
			st := componentStatus{Status: "ok"}
			if err := probe(ctx, check); err != nil {
				st = componentStatus{Status: "down", Error: err.Error()}
			}
			mu.Lock()
			components[name] = st
			if st.Status != "ok" {
				overall = "degraded"
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	status := http.StatusOK
	if overall != "ok" {
		status = http.StatusServiceUnavailable
	}
	api.WriteJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
	})
}

// probe enforces the deadline even when the checker ignores its context
func probe(ctx context.Context, check HealthChecker) error {
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("health check timed out")
	}
}

func newRawToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return "kg_" + hex.EncodeToString(buf), nil
}
