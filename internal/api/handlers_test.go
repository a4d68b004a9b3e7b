package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"example.com/attendance/internal/auth"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/persistence/memory"
	"example.com/attendance/internal/report"
)

type testEnv struct {
	mux   *http.ServeMux
	store *memory.Store
	now   *time.Time
}

func newTestEnv(t *testing.T, start time.Time) *testEnv {
	t.Helper()
	env := &testEnv{mux: http.NewServeMux(), store: memory.NewStore(), now: &start}
	service := domain.NewService(env.store,
		domain.WithClock(domain.ClockFunc(func() time.Time { return *env.now })),
		domain.WithLogger(log.New(io.Discard, "", 0)),
	)
	NewHandler(service).RegisterRoutes(env.mux)
	return env
}

func (e *testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if scopes != nil {
		set := make(map[string]struct{}, len(scopes))
		for _, s := range scopes {
			set[s] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{
			Subject:   "emp-1",
			Scopes:    set,
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func decodeTransition(t *testing.T, rr *httptest.ResponseRecorder) TransitionResponse {
	t.Helper()
	var resp TransitionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestClockLifecycle(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))

	rr := env.do(t, http.MethodPost, "/v1/attendance/clock-in", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, domain.StatusClockedIn, decodeTransition(t, rr).Attendance.Status)

	env.advance(30 * time.Second)
	rr = env.do(t, http.MethodPost, "/v1/attendance/away", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	paused := decodeTransition(t, rr).Attendance
	require.Equal(t, domain.StatusAway, paused.Status)
	require.NotNil(t, paused.OnBreakSince)

	env.advance(5 * time.Minute)
	rr = env.do(t, http.MethodPost, "/v1/attendance/resume", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	env.advance(5 * time.Minute)
	rr = env.do(t, http.MethodPost, "/v1/attendance/clock-out", strings.NewReader(`{"daily_report":"did X"}`), auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	done := decodeTransition(t, rr)
	require.Equal(t, "Clocked out, great work", done.Message)
	require.Equal(t, domain.StatusClockedOut, done.Attendance.Status)
	require.Equal(t, int64(330), done.Attendance.ActiveSeconds)
	require.Equal(t, int64(300), done.Attendance.TotalBreakSeconds)
	require.Equal(t, "did X", done.Attendance.DailyReport)

	rr = env.do(t, http.MethodGet, "/v1/attendance/today", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusOK, rr.Code)
	var today domain.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &today))
	require.Equal(t, domain.StatusClockedOut, today.Status)
	require.Equal(t, 1, today.BreaksCount)
}

func TestGuardAndValidationErrors(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))

	rr := env.do(t, http.MethodPost, "/v1/attendance/clock-out", strings.NewReader(`{"daily_report":"x"}`), auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "guard_violation", decodeError(t, rr)["type"])

	rr = env.do(t, http.MethodPost, "/v1/attendance/resume", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, decodeError(t, rr)["detail"], "not on a break")

	rr = env.do(t, http.MethodPost, "/v1/attendance/clock-in", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodPost, "/v1/attendance/clock-in", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, decodeError(t, rr)["detail"], "already clocked in")

	rr = env.do(t, http.MethodPost, "/v1/attendance/clock-out", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decodeError(t, rr)["type"])

	rr = env.do(t, http.MethodPost, "/v1/attendance/clock-out", strings.NewReader(`{"daily_report":`), auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_request", decodeError(t, rr)["type"])
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))

	rr := env.do(t, http.MethodPost, "/v1/attendance/clock-in", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/attendance/clock-in", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/attendance/clock-in", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/attendance/today", nil, auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusOK, rr.Code, "write scope implies read")

	rr = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestTodayWithoutRecord(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))

	rr := env.do(t, http.MethodGet, "/v1/attendance/today", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Equal(t, domain.StatusAbsent, snap.Status)
	require.Zero(t, snap.ActiveSeconds)
	require.Nil(t, snap.ClockIn)
}

func TestHistoryPeriodHandling(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, time.March, 20, 9, 0, 0, 0, time.UTC))
	in := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)
	out := in.Add(time.Hour)
	env.store.Put(domain.Record{ID: "a", UserID: "emp-1", Date: time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC), Status: domain.StatusClockedOut, ClockIn: &in, ClockOut: &out, ActiveSeconds: 3600})
	env.store.Put(domain.Record{ID: "b", UserID: "emp-1", Date: time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC), Status: domain.StatusAbsent})

	rr := env.do(t, http.MethodGet, "/v1/attendance/history?month=abc", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var history domain.History
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Equal(t, 3, history.Month)
	require.Equal(t, 2026, history.Year)
	require.Equal(t, 1, history.DaysPresent)
	require.InDelta(t, 1.0, history.TotalWorkingHours, 0.0001)
	require.Len(t, history.Records, 2)

	rr = env.do(t, http.MethodGet, "/v1/attendance/history?month=2&year=2026", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Empty(t, history.Records)
	require.Zero(t, history.DaysPresent)

	rr = env.do(t, http.MethodGet, "/v1/attendance/history?month=13", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decodeError(t, rr)["type"])
}

func TestDayByDate(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, time.March, 20, 9, 0, 0, 0, time.UTC))
	env.store.Put(domain.Record{ID: "a", UserID: "emp-1", Date: time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC), Status: domain.StatusClockedOut, ActiveSeconds: 90, DailyReport: "notes"})

	rr := env.do(t, http.MethodGet, "/v1/attendance/days/2026-03-03", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Equal(t, "notes", snap.DailyReport)
	require.Equal(t, int64(90), snap.ActiveSeconds)

	rr = env.do(t, http.MethodGet, "/v1/attendance/days/2026-03-04", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "not_found", decodeError(t, rr)["type"])

	rr = env.do(t, http.MethodGet, "/v1/attendance/days/03-04-2026", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExportHistory(t *testing.T) {
	env := newTestEnv(t, time.Date(2026, time.March, 20, 9, 0, 0, 0, time.UTC))
	env.store.Put(domain.Record{ID: "a", UserID: "emp-1", Date: time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC), Status: domain.StatusClockedOut, ActiveSeconds: 3600, DailyReport: "report"})

	rr := env.do(t, http.MethodGet, "/v1/attendance/history/export?month=3&year=2026", nil, auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, report.ContentType, rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Header().Get("Content-Disposition"), "attendance-emp-1-2026-03.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(report.SheetName(2026, 3))
	require.NoError(t, err)
	require.Equal(t, "2026-03-03", rows[1][0])
}

func TestStoreFailureIsServerError(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(domain.NewService(failingStore{}, domain.WithLogger(log.New(io.Discard, "", 0)))).RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/attendance/today", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{
		Subject: "emp-1",
		Scopes:  map[string]struct{}{auth.ScopeAttendanceRead: {}},
	}))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "server_error", decodeError(t, rr)["type"])
}

var errStoreDown = errors.New("store unavailable")

type failingStore struct{}

func (failingStore) FindActive(context.Context, string) (*domain.Record, error) {
	return nil, errStoreDown
}

func (failingStore) FindByDate(context.Context, string, time.Time) (*domain.Record, error) {
	return nil, errStoreDown
}

func (failingStore) Create(context.Context, domain.Record, domain.Transition) error {
	return errStoreDown
}

func (failingStore) Update(context.Context, domain.Record, domain.Status, domain.Transition) error {
	return errStoreDown
}

func (failingStore) ListRange(context.Context, string, time.Time, time.Time) ([]domain.Record, error) {
	return nil, errStoreDown
}
