package coaching

import (
	"net/http"

	"github.com/kiloguardian/kilo/pkg/api"
	"github.com/kiloguardian/kilo/pkg/types"
)

// Handler serves the coaching endpoints
type Handler struct {
	engine *Engine
}

// NewHandler creates the coaching HTTP handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type feedbackRequest struct {
	MessageID string         `json:"message_id"`
	Feedback  types.Feedback `json:"feedback"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	head, rest := api.ShiftPath(r.URL.Path)
	if head != "coaching" {
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	action, _ := api.ShiftPath(rest)
	switch action {
	case "messages":
		if r.Method != http.MethodGet {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
			return
		}
		h.messages(w, r)
	case "feedback":
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
			return
		}
		h.feedback(w, r)
	default:
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

// messages delivers due messages; ?history=true returns the full log
// instead, without marking anything delivered.
func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") == "true" {
		msgs, err := h.engine.Messages()
		if err != nil {
			api.Error(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
		return
	}

	due, err := h.engine.DueMessages()
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"messages": due})
}

func (h *Handler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.MessageID == "" {
		api.WriteError(w, http.StatusBadRequest, "bad_request", "message_id is required")
		return
	}
	msg, err := h.engine.RecordFeedback(req.MessageID, req.Feedback)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, msg)
}
