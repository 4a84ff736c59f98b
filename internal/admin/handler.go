package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2beens/pushtrack/internal/auth"
	"github.com/2beens/pushtrack/internal/challenge"
	"github.com/2beens/pushtrack/internal/middleware"
	"github.com/2beens/pushtrack/internal/telemetry/metrics"
	"github.com/2beens/pushtrack/internal/telemetry/tracing"
	"github.com/2beens/pushtrack/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type repo interface {
	List(ctx context.Context) ([]*challenge.Challenge, error)
	Get(ctx context.Context, id string) (*challenge.Challenge, error)
	Update(ctx context.Context, c *challenge.Challenge) error
	Delete(ctx context.Context, id string) error
	Logs(ctx context.Context, c *challenge.Challenge) ([]challenge.DailyLog, error)
	DeleteLog(ctx context.Context, c *challenge.Challenge, date, activity string) error
	DropLegacyMetrics(ctx context.Context, id string) error
}

// Handler serves the admin surface: challenge inspection and repair
// operations behind the session token auth.
type Handler struct {
	repo        repo
	calc        *challenge.Calculator
	authService *auth.Service
}

func NewHandler(
	repo repo,
	calc *challenge.Calculator,
	authService *auth.Service,
) *Handler {
	return &Handler{
		repo:        repo,
		calc:        calc,
		authService: authService,
	}
}

func (handler *Handler) SetupRoutes(
	mainRouter *mux.Router,
	rateLimiter middleware.RequestRateLimiter,
	loginRateLimitAllowedPerMin int,
	metricsManager *metrics.Manager,
) {
	loginSubrouter := mainRouter.PathPrefix("/a").Subrouter()
	loginSubrouter.
		HandleFunc("/login", handler.handleLogin).
		Methods("POST", "OPTIONS").Name("login")
	loginSubrouter.
		HandleFunc("/logout", handler.handleLogout).
		Methods("GET", "OPTIONS").Name("logout")

	// rate limit the /login and /logout endpoints to prevent abuse
	loginSubrouter.Use(middleware.RateLimit(
		rateLimiter, "login", loginRateLimitAllowedPerMin, metricsManager,
	))

	// the /admin subrouter is gated by the auth middleware (set up on
	// the main router)
	adminSubrouter := mainRouter.PathPrefix("/admin").Subrouter()
	adminSubrouter.
		HandleFunc("/challenges", handler.handleList).
		Methods("GET", "OPTIONS").Name("admin-challenges")
	adminSubrouter.
		HandleFunc("/challenge/{id}", handler.handleGet).
		Methods("GET", "OPTIONS").Name("admin-challenge")
	adminSubrouter.
		HandleFunc("/challenge/{id}", handler.handleUpdate).
		Methods("PUT", "OPTIONS").Name("admin-challenge-update")
	adminSubrouter.
		HandleFunc("/challenge/{id}", handler.handleDelete).
		Methods("DELETE").Name("admin-challenge-delete")
	adminSubrouter.
		HandleFunc("/challenge/{id}/log", handler.handleDeleteLog).
		Methods("DELETE").Name("admin-challenge-delete-log")
	adminSubrouter.
		HandleFunc("/challenge/{id}/recalculate", handler.handleRecalculate).
		Methods("POST", "OPTIONS").Name("admin-challenge-recalculate")
}

func (handler *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.login")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	var credentials auth.Credentials
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
			log.Errorf("login, unmarshal json params: %s", err)
			challenge.WriteError(w, challenge.CodeInvalidInput, "login failed", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("login failed, parse form error: %s", err)
			challenge.WriteError(w, challenge.CodeInternalError, "parse form error", http.StatusInternalServerError)
			return
		}
		credentials = auth.Credentials{
			Username: r.Form.Get("username"),
			Password: r.Form.Get("password"),
		}
	}

	if credentials.Username == "" || credentials.Password == "" {
		challenge.WriteError(w, challenge.CodeInvalidInput, "credentials empty", http.StatusBadRequest)
		return
	}

	token, err := handler.authService.Login(r.Context(), credentials, time.Now())
	switch {
	case errors.Is(err, auth.ErrWrongUsername), errors.Is(err, auth.ErrWrongPassword):
		log.Tracef("failed login attempt for user: %s", credentials.Username)
		challenge.WriteError(w, challenge.CodeUnauthorized, "wrong credentials", http.StatusUnauthorized)
		return
	case err != nil:
		log.Errorf("login failed, generate token error: %s", err)
		challenge.WriteError(w, challenge.CodeInternalError, "login failed", http.StatusInternalServerError)
		return
	}

	log.Trace("new admin login success")
	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"token": "%s"}`, token))
}

func (handler *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.logout")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "GET, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	authToken := r.Header.Get("X-PUSHTRACK-TOKEN")
	if authToken == "" {
		challenge.WriteError(w, challenge.CodeUnauthorized, "no can do", http.StatusUnauthorized)
		return
	}

	loggedOut, err := handler.authService.Logout(r.Context(), authToken)
	if err != nil {
		log.Tracef("[failed logout] => %s: %s", r.URL.Path, err)
		challenge.WriteError(w, challenge.CodeUnauthorized, "no can do", http.StatusUnauthorized)
		return
	}
	if !loggedOut {
		challenge.WriteError(w, challenge.CodeUnauthorized, "no can do", http.StatusUnauthorized)
		return
	}

	log.Printf("admin logout for [%s] success", authToken)
	pkg.WriteTextResponseOK(w, "logged-out")
}

type ChallengeOverview struct {
	*challenge.Challenge
	LogsCount int `json:"logsCount"`
}

type ListChallengesResponse struct {
	Challenges []ChallengeOverview `json:"challenges"`
	Total      int                 `json:"total"`
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.listChallenges")
	defer span.End()

	challenges, err := handler.repo.List(ctx)
	if err != nil {
		log.Errorf("admin list challenges: %s", err)
		challenge.WriteError(w, challenge.CodeInternalError, "list challenges failed", http.StatusInternalServerError)
		return
	}

	overviews := make([]ChallengeOverview, 0, len(challenges))
	for _, c := range challenges {
		logs, err := handler.repo.Logs(ctx, c)
		if err != nil {
			log.Errorf("admin list challenges, get logs for %s: %s", c.ID, err)
		}
		overviews = append(overviews, ChallengeOverview{
			Challenge: c,
			LogsCount: len(logs),
		})
	}

	resp, err := json.Marshal(ListChallengesResponse{
		Challenges: overviews,
		Total:      len(overviews),
	})
	if err != nil {
		log.Errorf("admin list challenges, marshal: %s", err)
		challenge.WriteError(w, challenge.CodeInternalError, "list challenges failed", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

type ChallengeDetailsResponse struct {
	Challenge *challenge.Challenge `json:"challenge"`
	Logs      []challenge.DailyLog `json:"logs"`
	Metrics   *challenge.Metrics   `json:"metrics"`
}

func (handler *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.getChallenge")
	defer span.End()

	c, ok := handler.getChallenge(ctx, w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	logs, err := handler.repo.Logs(ctx, c)
	if err != nil {
		log.Errorf("admin get challenge %s, logs: %s", c.ID, err)
		challenge.WriteError(w, challenge.CodeInternalError, "get challenge failed", http.StatusInternalServerError)
		return
	}

	resp, err := json.Marshal(ChallengeDetailsResponse{
		Challenge: c,
		Logs:      logs,
		Metrics:   handler.calc.Calculate(c, logs),
	})
	if err != nil {
		log.Errorf("admin get challenge %s, marshal: %s", c.ID, err)
		challenge.WriteError(w, challenge.CodeInternalError, "get challenge failed", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

type UpdateChallengeRequest struct {
	Duration   *int                              `json:"duration,omitempty"`
	StartDate  *string                           `json:"startDate,omitempty"`
	Status     *challenge.Status                 `json:"status,omitempty"`
	Email      *string                           `json:"email,omitempty"`
	Timezone   *string                           `json:"timezone,omitempty"`
	Activities []string                          `json:"activities,omitempty"`
	Units      map[string]challenge.ActivityUnit `json:"activityUnits,omitempty"`
}

func (handler *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.updateChallenge")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "PUT, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	c, ok := handler.getChallenge(ctx, w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	var req UpdateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("admin update challenge, unmarshal json params: %s", err)
		challenge.WriteError(w, challenge.CodeInvalidInput, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Duration != nil {
		if err := challenge.ValidateDuration(*req.Duration); err != nil {
			challenge.WriteError(w, challenge.CodeInvalidInput, err.Error(), http.StatusBadRequest)
			return
		}
		c.Duration = *req.Duration
	}
	if req.StartDate != nil {
		if err := challenge.ValidateDate(*req.StartDate); err != nil {
			challenge.WriteError(w, challenge.CodeInvalidInput, err.Error(), http.StatusBadRequest)
			return
		}
		c.StartDate = *req.StartDate
	}
	if req.Status != nil {
		switch *req.Status {
		case challenge.StatusActive, challenge.StatusCompleted, challenge.StatusAbandoned:
			c.Status = *req.Status
		default:
			challenge.WriteError(w, challenge.CodeInvalidInput, "invalid status", http.StatusBadRequest)
			return
		}
	}
	if req.Email != nil {
		if err := challenge.ValidateEmail(*req.Email); err != nil {
			challenge.WriteError(w, challenge.CodeInvalidInput, err.Error(), http.StatusBadRequest)
			return
		}
		c.Email = *req.Email
	}
	if req.Timezone != nil {
		c.Timezone = *req.Timezone
	}
	if req.Activities != nil {
		if err := challenge.ValidateActivities(req.Activities); err != nil {
			challenge.WriteError(w, challenge.CodeInvalidInput, err.Error(), http.StatusBadRequest)
			return
		}
		c.Activities = req.Activities
		// drop units keyed by activity names that are gone now
		for name := range c.Units {
			if !c.HasActivity(name) {
				delete(c.Units, name)
			}
		}
	}
	if req.Units != nil {
		if err := challenge.ValidateUnits(c.Activities, req.Units); err != nil {
			challenge.WriteError(w, challenge.CodeInvalidInput, err.Error(), http.StatusBadRequest)
			return
		}
		c.Units = req.Units
	}

	if err := handler.repo.Update(ctx, c); err != nil {
		log.Errorf("admin update challenge %s: %s", c.ID, err)
		challenge.WriteError(w, challenge.CodeInternalError, "update challenge failed", http.StatusInternalServerError)
		return
	}

	resp, err := json.Marshal(c)
	if err != nil {
		log.Errorf("admin update challenge %s, marshal: %s", c.ID, err)
		challenge.WriteError(w, challenge.CodeInternalError, "update challenge failed", http.StatusInternalServerError)
		return
	}

	log.Debugf("admin: challenge %s updated", c.ID)
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

func (handler *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.deleteChallenge")
	defer span.End()

	id := mux.Vars(r)["id"]
	if err := handler.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, challenge.ErrChallengeNotFound) {
			challenge.WriteError(w, challenge.CodeNoActiveChallenge, "challenge not found", http.StatusNotFound)
			return
		}
		log.Errorf("admin delete challenge %s: %s", id, err)
		challenge.WriteError(w, challenge.CodeInternalError, "delete challenge failed", http.StatusInternalServerError)
		return
	}

	log.Debugf("admin: challenge %s deleted", id)
	pkg.WriteJSONResponseOK(w, `{"deleted":true}`)
}

func (handler *Handler) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.deleteLog")
	defer span.End()

	date := r.URL.Query().Get("date")
	activity := r.URL.Query().Get("activity")
	if err := challenge.ValidateDate(date); err != nil {
		challenge.WriteError(w, challenge.CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}
	if activity == "" {
		challenge.WriteError(w, challenge.CodeInvalidInput, "activity empty", http.StatusBadRequest)
		return
	}

	c, ok := handler.getChallenge(ctx, w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	if err := handler.repo.DeleteLog(ctx, c, date, activity); err != nil {
		if errors.Is(err, challenge.ErrLogNotFound) {
			challenge.WriteError(w, challenge.CodeInvalidInput, "log entry not found", http.StatusNotFound)
			return
		}
		log.Errorf("admin delete log %s [%s %s]: %s", c.ID, date, activity, err)
		challenge.WriteError(w, challenge.CodeInternalError, "delete log failed", http.StatusInternalServerError)
		return
	}

	log.Debugf("admin: challenge %s, log [%s %s] deleted", c.ID, date, activity)
	pkg.WriteJSONResponseOK(w, `{"deleted":true}`)
}

// handleRecalculate drops the legacy stored metrics of a challenge and
// returns freshly derived values.
func (handler *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "adminHandler.recalculate")
	defer span.End()

	c, ok := handler.getChallenge(ctx, w, mux.Vars(r)["id"])
	if !ok {
		return
	}

	if err := handler.repo.DropLegacyMetrics(ctx, c.ID); err != nil {
		log.Errorf("admin recalculate %s, drop legacy metrics: %s", c.ID, err)
		challenge.WriteError(w, challenge.CodeInternalError, "recalculate failed", http.StatusInternalServerError)
		return
	}

	logs, err := handler.repo.Logs(ctx, c)
	if err != nil {
		log.Errorf("admin recalculate %s, logs: %s", c.ID, err)
		challenge.WriteError(w, challenge.CodeInternalError, "recalculate failed", http.StatusInternalServerError)
		return
	}

	resp, err := json.Marshal(handler.calc.Calculate(c, logs))
	if err != nil {
		log.Errorf("admin recalculate %s, marshal: %s", c.ID, err)
		challenge.WriteError(w, challenge.CodeInternalError, "recalculate failed", http.StatusInternalServerError)
		return
	}

	log.Debugf("admin: challenge %s metrics recalculated", c.ID)
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

func (handler *Handler) getChallenge(
	ctx context.Context,
	w http.ResponseWriter,
	id string,
) (*challenge.Challenge, bool) {
	c, err := handler.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, challenge.ErrChallengeNotFound) {
			challenge.WriteError(w, challenge.CodeNoActiveChallenge, "challenge not found", http.StatusNotFound)
			return nil, false
		}
		log.Errorf("admin get challenge %s: %s", id, err)
		challenge.WriteError(w, challenge.CodeInternalError, "get challenge failed", http.StatusInternalServerError)
		return nil, false
	}
	return c, true
}
