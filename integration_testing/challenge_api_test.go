//go:build integration_test

package integration_testing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2beens/pushtrack/internal/admin"
	"github.com/2beens/pushtrack/internal/challenge"
	"github.com/2beens/pushtrack/pkg"

	"github.com/stretchr/testify/require"
)

func (s *IntegrationTestSuite) doRequest(
	ctx context.Context,
	method, path, body, token string,
) (int, []byte) {
	t := s.T()
	t.Helper()

	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, serverEndpoint+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "test")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-PUSHTRACK-TOKEN", token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, respBody
}

func (s *IntegrationTestSuite) createChallenge(ctx context.Context, duration int) *challenge.Challenge {
	t := s.T()
	t.Helper()

	statusCode, body := s.doRequest(ctx, "POST", "/api/challenge", fmt.Sprintf(`{
		"duration": %d,
		"activities": ["Push-ups", "Running"],
		"activityUnits": {"Running": "km"},
		"timezone": "Europe/Berlin"
	}`, duration), "")
	require.Equal(t, http.StatusCreated, statusCode, string(body))

	var created challenge.Challenge
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)
	return &created
}

func (s *IntegrationTestSuite) TestChallengeLifecycle() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	created := s.createChallenge(ctx, 30)
	require.Equal(t, challenge.StatusActive, created.Status)
	require.Equal(t, pkg.Today(), created.StartDate)
	require.Equal(t, challenge.UnitReps, created.Units["Push-ups"])
	require.Equal(t, challenge.UnitKm, created.Units["Running"])

	// log two activities for today
	statusCode, body := s.doRequest(ctx, "POST", "/api/challenge/"+created.ID+"/log", `{
		"entries": [
			{"activity": "Push-ups", "reps": 42},
			{"activity": "Running", "reps": 5}
		]
	}`, "")
	require.Equal(t, http.StatusOK, statusCode, string(body))

	var logResp challenge.LogResponse
	require.NoError(t, json.Unmarshal(body, &logResp))
	require.False(t, logResp.ChallengeCompleted)
	require.Equal(t, 47, logResp.Metrics.TotalReps)
	require.Equal(t, 1, logResp.Metrics.Streak)
	require.Equal(t, 1, logResp.Metrics.DaysLogged)

	// a repeated log for the same day conflicts
	statusCode, body = s.doRequest(ctx, "POST", "/api/challenge/"+created.ID+"/log", `{
		"entries": [{"activity": "Push-ups", "reps": 10}]
	}`, "")
	require.Equal(t, http.StatusConflict, statusCode)
	var errResp challenge.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "ALREADY_LOGGED_TODAY", errResp.Code)

	// edit mode overwrites instead
	statusCode, body = s.doRequest(ctx, "POST", "/api/challenge/"+created.ID+"/log", `{
		"entries": [{"activity": "Push-ups", "reps": 50}],
		"editMode": true
	}`, "")
	require.Equal(t, http.StatusOK, statusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &logResp))
	require.Equal(t, 55, logResp.Metrics.TotalReps)

	// fetch the whole thing
	statusCode, body = s.doRequest(ctx, "GET", "/api/challenge/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, statusCode)
	var getResp challenge.GetChallengeResponse
	require.NoError(t, json.Unmarshal(body, &getResp))
	require.Equal(t, created.ID, getResp.Challenge.ID)
	require.Len(t, getResp.Logs, 2)
	require.True(t, getResp.LoggedToday["Push-ups"])
	require.True(t, getResp.AllLoggedToday)

	// logs endpoint returns the same entries, ascending
	statusCode, body = s.doRequest(ctx, "GET", "/api/challenge/"+created.ID+"/log", "", "")
	require.Equal(t, http.StatusOK, statusCode)
	var allLogs []challenge.DailyLog
	require.NoError(t, json.Unmarshal(body, &allLogs))
	require.Len(t, allLogs, 2)

	// single activity metrics, derived from that activity's entries only
	statusCode, body = s.doRequest(ctx, "GET", "/api/challenge/"+created.ID+"/metrics/Running", "", "")
	require.Equal(t, http.StatusOK, statusCode, string(body))
	var activityMetrics challenge.ActivityMetrics
	require.NoError(t, json.Unmarshal(body, &activityMetrics))
	require.Equal(t, "Running", activityMetrics.Activity)
	require.Equal(t, 5, activityMetrics.TotalReps)
	require.Equal(t, 1, activityMetrics.DaysLogged)
	require.Equal(t, 1, activityMetrics.Streak)

	// abandon deletes everything
	statusCode, _ = s.doRequest(ctx, "DELETE", "/api/challenge/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, statusCode)

	statusCode, body = s.doRequest(ctx, "GET", "/api/challenge/"+created.ID, "", "")
	require.Equal(t, http.StatusNotFound, statusCode)
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "NO_ACTIVE_CHALLENGE", errResp.Code)
}

func (s *IntegrationTestSuite) TestChallengeCompletion() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// duration 1: logging today reaches the final day immediately
	created := s.createChallenge(ctx, 1)

	statusCode, body := s.doRequest(ctx, "POST", "/api/challenge/"+created.ID+"/log", `{
		"entries": [{"activity": "Push-ups", "reps": 100}]
	}`, "")
	require.Equal(t, http.StatusOK, statusCode, string(body))

	var logResp challenge.LogResponse
	require.NoError(t, json.Unmarshal(body, &logResp))
	require.True(t, logResp.ChallengeCompleted)

	// further logs are rejected
	statusCode, body = s.doRequest(ctx, "POST", "/api/challenge/"+created.ID+"/log", `{
		"entries": [{"activity": "Running", "reps": 5}]
	}`, "")
	require.Equal(t, http.StatusForbidden, statusCode)
	var errResp challenge.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "CHALLENGE_COMPLETED", errResp.Code)

	statusCode, _ = s.doRequest(ctx, "DELETE", "/api/challenge/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, statusCode)
}

func (s *IntegrationTestSuite) TestSendLink() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	created := s.createChallenge(ctx, 30)
	defer s.doRequest(ctx, "DELETE", "/api/challenge/"+created.ID, "", "")

	statusCode, body := s.doRequest(ctx, "POST", "/api/send-link", fmt.Sprintf(
		`{"email": "runner@example.org", "challengeId": %q}`, created.ID,
	), "")
	require.Equal(t, http.StatusOK, statusCode, string(body))
	require.Contains(t, string(body), `"sent":true`)
}

func (s *IntegrationTestSuite) adminLogin(ctx context.Context) string {
	t := s.T()
	t.Helper()

	statusCode, body := s.doRequest(ctx, "POST", "/a/login", fmt.Sprintf(
		`{"username": %q, "password": %q}`, testUsername, testPassword,
	), "")
	require.Equal(t, http.StatusOK, statusCode, string(body))

	var loginResp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &loginResp))
	require.NotEmpty(t, loginResp.Token)
	return loginResp.Token
}

func (s *IntegrationTestSuite) TestAdminFlow() {
	t := s.T()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	created := s.createChallenge(ctx, 30)
	defer s.doRequest(ctx, "DELETE", "/api/challenge/"+created.ID, "", "")

	statusCode, body := s.doRequest(ctx, "POST", "/api/challenge/"+created.ID+"/log", `{
		"entries": [{"activity": "Push-ups", "reps": 33}]
	}`, "")
	require.Equal(t, http.StatusOK, statusCode, string(body))

	// admin endpoints are gated
	statusCode, _ = s.doRequest(ctx, "GET", "/admin/challenges", "", "")
	require.Equal(t, http.StatusUnauthorized, statusCode)

	token := s.adminLogin(ctx)

	statusCode, body = s.doRequest(ctx, "GET", "/admin/challenges", "", token)
	require.Equal(t, http.StatusOK, statusCode, string(body))
	var listResp admin.ListChallengesResponse
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.GreaterOrEqual(t, listResp.Total, 1)

	statusCode, body = s.doRequest(ctx, "GET", "/admin/challenge/"+created.ID, "", token)
	require.Equal(t, http.StatusOK, statusCode)
	var details admin.ChallengeDetailsResponse
	require.NoError(t, json.Unmarshal(body, &details))
	require.Equal(t, created.ID, details.Challenge.ID)
	require.Len(t, details.Logs, 1)
	require.Equal(t, 33, details.Metrics.TotalReps)

	// fix a wrong entry
	statusCode, _ = s.doRequest(ctx, "DELETE",
		"/admin/challenge/"+created.ID+"/log?date="+pkg.Today()+"&activity=Push-ups",
		"", token)
	require.Equal(t, http.StatusOK, statusCode)

	statusCode, body = s.doRequest(ctx, "POST",
		"/admin/challenge/"+created.ID+"/recalculate", "", token)
	require.Equal(t, http.StatusOK, statusCode)
	var m challenge.Metrics
	require.NoError(t, json.Unmarshal(body, &m))
	require.Equal(t, 0, m.TotalReps)

	// update the challenge
	statusCode, body = s.doRequest(ctx, "PUT", "/admin/challenge/"+created.ID,
		`{"duration": 60}`, token)
	require.Equal(t, http.StatusOK, statusCode, string(body))
	var updated challenge.Challenge
	require.NoError(t, json.Unmarshal(body, &updated))
	require.Equal(t, 60, updated.Duration)

	// logout invalidates the token
	statusCode, _ = s.doRequest(ctx, "GET", "/a/logout", "", token)
	require.Equal(t, http.StatusOK, statusCode)
	statusCode, _ = s.doRequest(ctx, "GET", "/admin/challenges", "", token)
	require.Equal(t, http.StatusUnauthorized, statusCode)
}
