package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/2beens/pushtrack/internal/auth"
	"github.com/2beens/pushtrack/internal/challenge"

	"github.com/go-redis/redismock/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

type testRepo struct {
	challenges map[string]*challenge.Challenge
	logs       map[string][]challenge.DailyLog

	legacyMetricsDropped []string
}

func newTestRepo() *testRepo {
	return &testRepo{
		challenges: make(map[string]*challenge.Challenge),
		logs:       make(map[string][]challenge.DailyLog),
	}
}

func (r *testRepo) List(_ context.Context) ([]*challenge.Challenge, error) {
	challenges := make([]*challenge.Challenge, 0, len(r.challenges))
	for _, c := range r.challenges {
		challenges = append(challenges, c)
	}
	return challenges, nil
}

func (r *testRepo) Get(_ context.Context, id string) (*challenge.Challenge, error) {
	c, ok := r.challenges[id]
	if !ok {
		return nil, challenge.ErrChallengeNotFound
	}
	return c, nil
}

func (r *testRepo) Update(_ context.Context, c *challenge.Challenge) error {
	r.challenges[c.ID] = c
	return nil
}

func (r *testRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.challenges[id]; !ok {
		return challenge.ErrChallengeNotFound
	}
	delete(r.challenges, id)
	delete(r.logs, id)
	return nil
}

func (r *testRepo) Logs(_ context.Context, c *challenge.Challenge) ([]challenge.DailyLog, error) {
	return r.logs[c.ID], nil
}

func (r *testRepo) DeleteLog(
	_ context.Context,
	c *challenge.Challenge,
	date, activity string,
) error {
	for i, l := range r.logs[c.ID] {
		if l.Date == date && l.Activity == activity {
			r.logs[c.ID] = append(r.logs[c.ID][:i], r.logs[c.ID][i+1:]...)
			return nil
		}
	}
	return challenge.ErrLogNotFound
}

func (r *testRepo) DropLegacyMetrics(_ context.Context, id string) error {
	r.legacyMetricsDropped = append(r.legacyMetricsDropped, id)
	return nil
}

var (
	testUsername = "testadmin"
	testPassword = "testpass"
	// bcrypt hash of "testpass"
	testPasswordHash = "$2a$14$6Gmhg85si2etd3K9oB8nYu1cxfbrdmhkg6wI6OXsa88IF4L2r/L9i"
)

func adminTestChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		ID:         "ch-adm-1",
		Duration:   30,
		StartDate:  "2025-10-10",
		Status:     challenge.StatusActive,
		CreatedAt:  1760000000000,
		Activities: []string{"Push-ups"},
		Units:      map[string]challenge.ActivityUnit{"Push-ups": challenge.UnitReps},
	}
}

func fixedNow(dateTime string) func() time.Time {
	now, err := time.Parse("2006-01-02 15:04", dateTime)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return now }
}

func newTestHandler(t *testing.T) (*Handler, *testRepo, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	t.Cleanup(func() { _ = db.Close() })

	authService := auth.NewService(&auth.Admin{
		Username:     testUsername,
		PasswordHash: testPasswordHash,
	}, time.Hour, db)

	repo := newTestRepo()
	handler := NewHandler(
		repo,
		challenge.NewCalculatorWithNow(fixedNow("2025-10-15 10:00")),
		authService,
	)
	return handler, repo, mock
}

func TestHandler_Login(t *testing.T) {
	handler, _, mock := newTestHandler(t)

	testToken := "test_token"
	handler.authService.RandStringFunc = func(s int) (string, error) {
		return testToken, nil
	}
	mock.Regexp().ExpectSet("pushtrack-admin-session||"+testToken, `^\d+$`, 0).SetVal("1")
	mock.ExpectSAdd("pushtrack-admin-sessions", testToken).SetVal(1)

	body := fmt.Sprintf(`{"username": %q, "password": %q}`, testUsername, testPassword)
	req := httptest.NewRequest("POST", "/a/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.handleLogin(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), testToken)
}

func TestHandler_Login_WrongCredentials(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	body := fmt.Sprintf(`{"username": %q, "password": "wrong"}`, testUsername)
	req := httptest.NewRequest("POST", "/a/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.handleLogin(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	var errResp challenge.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errResp))
	assert.Equal(t, challenge.CodeUnauthorized, errResp.Code)
}

func TestHandler_Logout(t *testing.T) {
	handler, _, mock := newTestHandler(t)

	testToken := "test_token"
	sessionKey := "pushtrack-admin-session||" + testToken
	mock.ExpectGet(sessionKey).SetVal("1760000000")
	mock.ExpectSet(sessionKey, 0, 0).SetVal("0")
	mock.ExpectSRem("pushtrack-admin-sessions", testToken).SetVal(1)

	req := httptest.NewRequest("GET", "/a/logout", nil)
	req.Header.Set("X-PUSHTRACK-TOKEN", testToken)
	rr := httptest.NewRecorder()

	handler.handleLogout(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "logged-out")
}

func TestHandler_Logout_NoToken(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rr := httptest.NewRecorder()
	handler.handleLogout(rr, httptest.NewRequest("GET", "/a/logout", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandler_List(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c
	repo.logs[c.ID] = []challenge.DailyLog{
		{Date: "2025-10-10", Activity: "Push-ups", Reps: 20},
		{Date: "2025-10-11", Activity: "Push-ups", Reps: 25},
	}

	rr := httptest.NewRecorder()
	handler.handleList(rr, httptest.NewRequest("GET", "/admin/challenges", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp ListChallengesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "ch-adm-1", resp.Challenges[0].ID)
	assert.Equal(t, 2, resp.Challenges[0].LogsCount)
}

func TestHandler_Get(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c
	repo.logs[c.ID] = []challenge.DailyLog{
		{Date: "2025-10-14", Activity: "Push-ups", Reps: 20},
	}

	req := httptest.NewRequest("GET", "/admin/challenge/ch-adm-1", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleGet(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp ChallengeDetailsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ch-adm-1", resp.Challenge.ID)
	require.NotNil(t, resp.Metrics)
	assert.Equal(t, 20, resp.Metrics.TotalReps)
}

func TestHandler_Get_NotFound(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest("GET", "/admin/challenge/nope", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "nope"})
	rr := httptest.NewRecorder()

	handler.handleGet(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_Update(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c

	body := `{"duration": 60, "email": "new@example.org"}`
	req := httptest.NewRequest("PUT", "/admin/challenge/ch-adm-1", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleUpdate(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	updated := repo.challenges["ch-adm-1"]
	assert.Equal(t, 60, updated.Duration)
	assert.Equal(t, "new@example.org", updated.Email)
	// untouched fields stay
	assert.Equal(t, "2025-10-10", updated.StartDate)
}

func TestHandler_Update_ActivityRenameDropsStaleUnits(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c

	body := `{"activities": ["Squats"], "activityUnits": {"Squats": "reps"}}`
	req := httptest.NewRequest("PUT", "/admin/challenge/ch-adm-1", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleUpdate(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	updated := repo.challenges["ch-adm-1"]
	assert.Equal(t, []string{"Squats"}, updated.Activities)
	// the old activity's unit key does not linger in the hash
	assert.NotContains(t, updated.Units, "Push-ups")
	assert.Equal(t, challenge.UnitReps, updated.Units["Squats"])
}

func TestHandler_Update_ActivitiesOnlyPrunesUnits(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c

	// no activityUnits in the request, the stale key still goes away
	body := `{"activities": ["Squats"]}`
	req := httptest.NewRequest("PUT", "/admin/challenge/ch-adm-1", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleUpdate(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	updated := repo.challenges["ch-adm-1"]
	assert.NotContains(t, updated.Units, "Push-ups")
	// missing unit falls back to reps on read
	assert.Equal(t, challenge.UnitReps, updated.UnitFor("Squats"))
}

func TestHandler_Update_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "bad duration", body: `{"duration": 9000}`},
		{name: "bad start date", body: `{"startDate": "2025-02-30"}`},
		{name: "bad status", body: `{"status": "paused"}`},
		{name: "bad email", body: `{"email": "nope"}`},
		{name: "duplicate activities", body: `{"activities": ["A", "a"]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler, repo, _ := newTestHandler(t)
			c := adminTestChallenge()
			repo.challenges[c.ID] = c

			req := httptest.NewRequest("PUT", "/admin/challenge/ch-adm-1", bytes.NewBufferString(tc.body))
			req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
			rr := httptest.NewRecorder()

			handler.handleUpdate(rr, req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestHandler_Delete(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c

	req := httptest.NewRequest("DELETE", "/admin/challenge/ch-adm-1", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleDelete(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, repo.challenges)
}

func TestHandler_DeleteLog(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c
	repo.logs[c.ID] = []challenge.DailyLog{
		{Date: "2025-10-14", Activity: "Push-ups", Reps: 20},
	}

	req := httptest.NewRequest(
		"DELETE",
		"/admin/challenge/ch-adm-1/log?date=2025-10-14&activity=Push-ups",
		nil,
	)
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleDeleteLog(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, repo.logs["ch-adm-1"])
}

func TestHandler_DeleteLog_NotFound(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c

	req := httptest.NewRequest(
		"DELETE",
		"/admin/challenge/ch-adm-1/log?date=2025-10-14&activity=Push-ups",
		nil,
	)
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleDeleteLog(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_Recalculate(t *testing.T) {
	handler, repo, _ := newTestHandler(t)
	c := adminTestChallenge()
	repo.challenges[c.ID] = c
	repo.logs[c.ID] = []challenge.DailyLog{
		{Date: "2025-10-14", Activity: "Push-ups", Reps: 20},
		{Date: "2025-10-15", Activity: "Push-ups", Reps: 30},
	}

	req := httptest.NewRequest("POST", "/admin/challenge/ch-adm-1/recalculate", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "ch-adm-1"})
	rr := httptest.NewRecorder()

	handler.handleRecalculate(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"ch-adm-1"}, repo.legacyMetricsDropped)

	var m challenge.Metrics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	assert.Equal(t, 50, m.TotalReps)
	assert.Equal(t, 2, m.Streak)
}
