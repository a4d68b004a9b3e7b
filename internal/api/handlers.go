// Package api exposes HTTP handlers for the attendance service.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"example.com/attendance/internal/auth"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/persistence"
	"example.com/attendance/internal/report"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/attendance/today", h.today)
	mux.HandleFunc("/v1/attendance/history", h.history)
	mux.HandleFunc("/v1/attendance/history/export", h.exportHistory)
	mux.HandleFunc("/v1/attendance/days/", h.dayByDate)
	mux.HandleFunc("/v1/attendance/clock-in", h.clockIn)
	mux.HandleFunc("/v1/attendance/away", h.away)
	mux.HandleFunc("/v1/attendance/resume", h.resume)
	mux.HandleFunc("/v1/attendance/clock-out", h.clockOut)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) clockIn(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodPost, auth.ScopeAttendanceWrite)
	if !ok {
		return
	}

	snap, err := h.service.Start(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Message: "Clocked in successfully", Attendance: snap})
}

func (h *Handler) away(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodPost, auth.ScopeAttendanceWrite)
	if !ok {
		return
	}

	snap, err := h.service.Pause(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Message: "Timer paused, enjoy your break", Attendance: snap})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodPost, auth.ScopeAttendanceWrite)
	if !ok {
		return
	}

	snap, err := h.service.Resume(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Message: "Welcome back, timer resumed", Attendance: snap})
}

func (h *Handler) clockOut(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodPost, auth.ScopeAttendanceWrite)
	if !ok {
		return
	}

	// A missing body is an empty report; the engine decides which rule it breaks.
	var req ClockOutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	snap, err := h.service.Finish(r.Context(), claims.Subject, req.DailyReport)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Message: "Clocked out, great work", Attendance: snap})
}

func (h *Handler) today(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodGet, auth.ScopeAttendanceRead)
	if !ok {
		return
	}

	snap, err := h.service.Today(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) dayByDate(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodGet, auth.ScopeAttendanceRead)
	if !ok {
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/v1/attendance/days/")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing date")
		return
	}
	date, err := persistence.ParseDateKey(raw, h.service.Calendar().Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "date must be YYYY-MM-DD")
		return
	}

	snap, err := h.service.Day(r.Context(), claims.Subject, date)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodGet, auth.ScopeAttendanceRead)
	if !ok {
		return
	}

	month, year := h.period(r)
	history, err := h.service.History(r.Context(), claims.Subject, month, year)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) exportHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, http.MethodGet, auth.ScopeAttendanceRead)
	if !ok {
		return
	}

	month, year := h.period(r)
	history, err := h.service.History(r.Context(), claims.Subject, month, year)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteHistoryWorkbook(&buf, history, h.service.Calendar().Location()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.FileName(claims.Subject, year, month)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// authorize checks method, bearer claims and scope. The write scope implies read.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, method, scope string) (*auth.Claims, bool) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return nil, false
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.Allows(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

// period reads month and year, falling back to the current ones when a value
// is missing or not a number. Out-of-range numbers are left for the engine to reject.
func (h *Handler) period(r *http.Request) (int, int) {
	now := h.service.Now().In(h.service.Calendar().Location())
	month, year := int(now.Month()), now.Year()

	if parsed, err := strconv.Atoi(r.URL.Query().Get("month")); err == nil {
		month = parsed
	}
	if parsed, err := strconv.Atoi(r.URL.Query().Get("year")); err == nil {
		year = parsed
	}
	return month, year
}

// ClockOutRequest is the payload for POST /v1/attendance/clock-out.
type ClockOutRequest struct {
	DailyReport string `json:"daily_report"`
}

// TransitionResponse wraps the snapshot returned by a clock action.
type TransitionResponse struct {
	Message    string          `json:"message"`
	Attendance domain.Snapshot `json:"attendance"`
}

// writeServiceError maps engine errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrGuardViolation):
		writeError(w, http.StatusConflict, "guard_violation", err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
