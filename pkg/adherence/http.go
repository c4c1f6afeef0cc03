package adherence

import (
	"errors"
	"net/http"
	"time"

	"github.com/kiloguardian/kilo/pkg/api"
	"github.com/kiloguardian/kilo/pkg/storage"
	"github.com/kiloguardian/kilo/pkg/types"
)

// Handler serves the reminder endpoints
type Handler struct {
	coord *Coordinator
}

// NewHandler creates the reminder HTTP handler
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// createReminderRequest is the frontend reminder shape; fire_at is
// accepted as an alias for reminder_time.
type createReminderRequest struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ReminderTime time.Time `json:"reminder_time"`
	Recurring    bool      `json:"recurring"`
	FireAt       time.Time `json:"fire_at"`
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	head, rest := api.ShiftPath(r.URL.Path)
	if head != "reminders" {
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	if rest == "/" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.create(w, r)
		default:
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
		}
		return
	}

	id, action := api.ShiftPath(rest)
	switch action {
	case "/":
		switch r.Method {
		case http.MethodGet:
			h.get(w, id)
		case http.MethodDelete:
			h.delete(w, r, id)
		default:
			api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
		}
	case "/confirm":
		h.requirePost(w, r, func() { h.confirm(w, r, id) })
	case "/snooze":
		h.requirePost(w, r, func() { h.snooze(w, r, id) })
	default:
		api.WriteError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

func (h *Handler) requirePost(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		api.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not supported")
		return
	}
	fn()
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var (
		rows []*types.Reminder
		err  error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		rows, err = h.coord.reminders.ListByState(types.ReminderState(state))
	} else {
		rows, err = h.coord.reminders.List()
	}
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"reminders": rows})
}

// create adds an ad-hoc one-shot reminder. Ad-hoc reminders carry no
// medication and never enter the adherence log.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Title == "" {
		api.WriteError(w, http.StatusBadRequest, "bad_request", "title is required")
		return
	}
	fireAt := req.ReminderTime
	if fireAt.IsZero() {
		fireAt = req.FireAt
	}
	if fireAt.IsZero() {
		api.WriteError(w, http.StatusBadRequest, "bad_request", "reminder_time is required")
		return
	}

	reminder := &types.Reminder{
		Title:       req.Title,
		Description: req.Description,
		FireAt:      fireAt.UTC(),
		GraceWindow: h.coord.cfg.GraceWindowMinutes,
	}
	if req.Recurring {
		local := fireAt.In(h.coord.location())
		reminder.Spec = types.FiringSpec{
			Hour:       local.Hour(),
			Minute:     local.Minute(),
			Recurrence: types.RecurrenceDaily,
			Timezone:   h.coord.cfg.Timezone,
		}
	}
	if err := h.coord.reminders.Create(reminder); err != nil {
		api.Error(w, err)
		return
	}
	if h.coord.wake != nil {
		h.coord.wake()
	}
	api.WriteJSON(w, http.StatusCreated, reminder)
}

func (h *Handler) get(w http.ResponseWriter, id string) {
	reminder, err := h.coord.reminders.Get(id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, reminder)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.coord.DeleteReminder(r.Context(), id); err != nil {
		api.Error(w, err)
		return
	}
	api.WriteJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, id string) {
	reminder, err := h.coord.Confirm(r.Context(), id)
	if err != nil {
		h.transitionError(w, err, id)
		return
	}
	api.WriteJSON(w, http.StatusOK, reminder)
}

func (h *Handler) snooze(w http.ResponseWriter, r *http.Request, id string) {
	var req snoozeRequest
	if r.ContentLength > 0 {
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	reminder, err := h.coord.Snooze(r.Context(), id, req.Minutes)
	if err != nil {
		h.transitionError(w, err, id)
		return
	}
	api.WriteJSON(w, http.StatusOK, reminder)
}

// transitionError enriches refused transitions with the reminder's
// current state so clients can render what actually happened.
func (h *Handler) transitionError(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrConflict) {
		state := ""
		if current, getErr := h.coord.reminders.Get(id); getErr == nil {
			state = string(current.State)
		}
		code := "conflict"
		if errors.Is(err, storage.ErrInvalidTransition) {
			code = "invalid_transition"
		}
		api.WriteStateError(w, http.StatusConflict, code, err.Error(), state)
		return
	}
	api.Error(w, err)
}
