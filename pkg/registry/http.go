package registry

import (
	"net/http"
	"strconv"

	"github.com/kiloguardian/kilo/pkg/api"
	"github.com/kiloguardian/kilo/pkg/coaching"
	"github.com/kiloguardian/kilo/pkg/schedule"
	"github.com/kiloguardian/kilo/pkg/types"
)

// maxPhotoBytes bounds prescription uploads
const maxPhotoBytes = 10 << 20

// PatternSource serves the adherence views nested under the medication
// resource. Satisfied by the coaching engine.
type PatternSource interface {
	Patterns(medID string) ([]*types.Pattern, error)
	Summary(medID string, windowDays int) (*coaching.AdherenceSummary, error)
}

// Handler serves the medication endpoints
type Handler struct {
	registry *Registry
	patterns PatternSource
}

// NewHandler creates the medication HTTP handler
func NewHandler(registry *Registry, patterns PatternSource) *Handler {
	return &Handler{registry: registry, patterns: patterns}
}

// medResponse pairs a medication with its schedule diagnostics
type medResponse struct {
	Medication  *types.Medication     `json:"medication"`
	Diagnostics []schedule.Diagnostic `json:"diagnostics,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	head, rest := api.ShiftPath(r.URL.Path)
	if head != "meds" {
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	if rest == "/" {
		switch r.Method {
		case http.MethodGet:
			h.list(w)
		case http.MethodPost:
			h.create(w, r)
		default:
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
		}
		return
	}

	id, action := api.ShiftPath(rest)
	if id == "extract" && action == "/" {
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
			return
		}
		h.extract(w, r)
		return
	}

	switch action {
	case "/":
		switch r.Method {
		case http.MethodGet:
			h.get(w, id)
		case http.MethodPut:
			h.update(w, r, id)
		case http.MethodDelete:
			h.delete(w, r, id)
		default:
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
		}
	case "/take":
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
			return
		}
		h.take(w, r, id)
	case "/adherence":
		h.adherence(w, r, id)
	case "/patterns":
		h.listPatterns(w, id)
	default:
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

func (h *Handler) list(w http.ResponseWriter) {
	meds, err := h.registry.List()
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"medications": meds})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := api.Decode(r, &in); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	med, diags, err := h.registry.Create(r.Context(), in)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, medResponse{Medication: med, Diagnostics: diags})
}

func (h *Handler) get(w http.ResponseWriter, id string) {
	med, err := h.registry.Get(id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, med)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, id string) {
	var in Input
	if err := api.Decode(r, &in); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	med, diags, err := h.registry.Update(r.Context(), id, in)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, medResponse{Medication: med, Diagnostics: diags})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.registry.Delete(r.Context(), id); err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) take(w http.ResponseWriter, r *http.Request, id string) {
	reminder, err := h.registry.Take(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, reminder)
}

func (h *Handler) adherence(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.registry.Get(id); err != nil {
		api.Error(w, err)
		return
	}
	window, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	summary, err := h.patterns.Summary(id, window)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) listPatterns(w http.ResponseWriter, id string) {
	if _, err := h.registry.Get(id); err != nil {
		api.Error(w, err)
		return
	}
	patterns, err := h.patterns.Patterns(id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

func (h *Handler) extract(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", "expected multipart form with an image")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", "image field is required")
		return
	}
	defer file.Close()

	med, diags, err := h.registry.ExtractFromPhoto(r.Context(), file, header.Filename)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, medResponse{Medication: med, Diagnostics: diags})
}
