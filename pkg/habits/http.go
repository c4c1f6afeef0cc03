package habits

import (
	"net/http"
	"strconv"

	"github.com/kiloguardian/kilo/pkg/api"
	"github.com/kiloguardian/kilo/pkg/types"
)

// Handler serves the habit endpoints
type Handler struct {
	svc *Service
}

// NewHandler creates the habit HTTP handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type habitStats struct {
	HabitID       string  `json:"habit_id"`
	CurrentStreak int     `json:"current_streak"`
	LongestStreak int     `json:"longest_streak"`
	WindowDays    int     `json:"window_days"`
	AdherenceRate float64 `json:"adherence_rate"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	head, rest := api.ShiftPath(r.URL.Path)
	if head != "habits" {
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
	if id == "complete" && action != "/" {
		// Frontend route shape: POST /habits/complete/{id}
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
			return
		}
		target, _ := api.ShiftPath(action)
		h.complete(w, target)
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
			h.delete(w, id)
		default:
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
		}
	case "/complete":
		if r.Method != http.MethodPost {
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
			return
		}
		h.complete(w, id)
	case "/completions":
		h.completions(w, id)
	case "/streak":
		h.streak(w, id)
	case "/stats":
		h.stats(w, r, id)
	default:
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

func (h *Handler) list(w http.ResponseWriter) {
	habits, err := h.svc.ListHabits()
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"habits": habits})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var habit types.Habit
	if err := api.Decode(r, &habit); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.svc.CreateHabit(&habit); err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, habit)
}

func (h *Handler) get(w http.ResponseWriter, id string) {
	habit, err := h.svc.GetHabit(id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, habit)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, id string) {
	var habit types.Habit
	if err := api.Decode(r, &habit); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	habit.ID = id
	if err := h.svc.UpdateHabit(&habit); err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, habit)
}

func (h *Handler) delete(w http.ResponseWriter, id string) {
	if err := h.svc.DeleteHabit(id); err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusNoContent, nil)
}

// complete records a manual completion for today
func (h *Handler) complete(w http.ResponseWriter, id string) {
	completion, _, err := h.svc.Complete(id, "", h.svc.clk.Now(), "")
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, completion)
}

func (h *Handler) completions(w http.ResponseWriter, id string) {
	if _, err := h.svc.GetHabit(id); err != nil {
		api.Error(w, err)
		return
	}
	rows, err := h.svc.ListCompletions(id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"completions": rows})
}

func (h *Handler) streak(w http.ResponseWriter, id string) {
	current, longest, err := h.svc.Streaks(id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"habit_id":       id,
		"current_streak": current,
		"longest_streak": longest,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, id string) {
	window, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	if window <= 0 {
		window = 30
	}
	current, longest, err := h.svc.Streaks(id)
	if err != nil {
		api.Error(w, err)
		return
	}
	rate, err := h.svc.AdherenceRate(id, window)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, habitStats{
		HabitID:       id,
		CurrentStreak: current,
		LongestStreak: longest,
		WindowDays:    window,
		AdherenceRate: rate,
	})
}
