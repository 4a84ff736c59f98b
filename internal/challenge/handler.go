package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2beens/pushtrack/internal/telemetry/metrics"
	"github.com/2beens/pushtrack/internal/telemetry/tracing"
	"github.com/2beens/pushtrack/pkg"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// machine-readable error codes the frontend switches on
const (
	CodeAlreadyLogged      = "ALREADY_LOGGED_TODAY"
	CodeNoActiveChallenge  = "NO_ACTIVE_CHALLENGE"
	CodeChallengeCompleted = "CHALLENGE_COMPLETED"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternalError      = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError sends the JSON error envelope used across the whole API.
func WriteError(w http.ResponseWriter, code, message string, statusCode int) {
	resp, err := json.Marshal(ErrorResponse{Error: message, Code: code})
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, resp, statusCode)
}

type repo interface {
	Add(ctx context.Context, c *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	Delete(ctx context.Context, id string) error
	AddLog(ctx context.Context, c *Challenge, entry DailyLog, editMode bool) error
	Logs(ctx context.Context, c *Challenge) ([]DailyLog, error)
	LogForDate(ctx context.Context, c *Challenge, date, activity string) (*DailyLog, error)
	MetricsForActivity(ctx context.Context, c *Challenge, activity string) (ActivityMetrics, error)
	HasLoggedAll(ctx context.Context, c *Challenge, date string) (bool, error)
	Complete(ctx context.Context, c *Challenge, completedAt time.Time) error
	CachedMetrics(id string) ([]byte, bool)
	SetCachedMetrics(id string, payload []byte)
}

type notifier interface {
	ChallengeCreated(ctx context.Context, c *Challenge)
	ChallengeLink(ctx context.Context, email string, c *Challenge)
}

type Handler struct {
	repo     repo
	calc     *Calculator
	notifier notifier
	metrics  *metrics.Manager

	// injectable for tests
	NewIDFunc func() string
	NowFunc   func() time.Time
}

func NewHandler(
	repo repo,
	calc *Calculator,
	notifier notifier,
	metrics *metrics.Manager,
) *Handler {
	return &Handler{
		repo:      repo,
		calc:      calc,
		notifier:  notifier,
		metrics:   metrics,
		NewIDFunc: uuid.NewString,
		NowFunc:   time.Now,
	}
}

type CreateChallengeRequest struct {
	Duration   int                     `json:"duration"`
	StartDate  string                  `json:"startDate,omitempty"`
	Activities []string                `json:"activities"`
	Units      map[string]ActivityUnit `json:"activityUnits,omitempty"`
	Email      string                  `json:"email,omitempty"`
	Timezone   string                  `json:"timezone,omitempty"`
}

func (handler *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.challenge.create")
	defer span.End()

	var req CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("create challenge, unmarshal json params: %s", err)
		WriteError(w, CodeInvalidInput, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := ValidateDuration(req.Duration); err != nil {
		WriteError(w, CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateActivities(req.Activities); err != nil {
		WriteError(w, CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateUnits(req.Activities, req.Units); err != nil {
		WriteError(w, CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateEmail(req.Email); err != nil {
		WriteError(w, CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}

	now := handler.NowFunc()
	startDate := req.StartDate
	if startDate == "" {
		startDate = pkg.FormatDate(now)
	} else if err := ValidateDate(startDate); err != nil {
		WriteError(w, CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}

	units := req.Units
	if units == nil {
		units = make(map[string]ActivityUnit, len(req.Activities))
	}
	for _, a := range req.Activities {
		if _, ok := units[a]; !ok {
			units[a] = UnitReps
		}
	}

	c := &Challenge{
		ID:         handler.NewIDFunc(),
		Duration:   req.Duration,
		StartDate:  startDate,
		Status:     StatusActive,
		CreatedAt:  now.UnixMilli(),
		Timezone:   req.Timezone,
		Email:      req.Email,
		Activities: req.Activities,
		Units:      units,
	}

	if err := handler.repo.Add(ctx, c); err != nil {
		log.Errorf("failed to create challenge: %s", err)
		WriteError(w, CodeInternalError, "failed to create challenge", http.StatusInternalServerError)
		return
	}

	handler.metrics.CounterChallengesCreated.Inc()
	if c.Email != "" {
		handler.notifier.ChallengeCreated(ctx, c)
	}

	challengeJson, err := json.Marshal(c)
	if err != nil {
		log.Errorf("failed to marshal created challenge: %s", err)
		WriteError(w, CodeInternalError, "failed to create challenge", http.StatusInternalServerError)
		return
	}

	log.Debugf("new challenge created: %s [%d days, %d activities]", c.ID, c.Duration, len(c.Activities))
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, challengeJson, http.StatusCreated)
}

type GetChallengeResponse struct {
	Challenge *Challenge `json:"challenge"`
	Logs      []DailyLog `json:"logs"`
	Metrics   *Metrics   `json:"metrics"`

	// per-activity flags and yesterday's values, for log form pre-fill
	LoggedToday    map[string]bool `json:"loggedToday"`
	AllLoggedToday bool            `json:"allLoggedToday"`
	YesterdayReps  map[string]int  `json:"yesterdayReps,omitempty"`
}

func (handler *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.challenge.get")
	defer span.End()

	id := mux.Vars(r)["id"]
	c, err := handler.repo.Get(ctx, id)
	if err != nil {
		handler.writeRepoError(w, "get challenge", err)
		return
	}

	logs, err := handler.repo.Logs(ctx, c)
	if err != nil {
		log.Errorf("failed to get logs for challenge %s: %s", id, err)
		WriteError(w, CodeInternalError, "failed to get challenge", http.StatusInternalServerError)
		return
	}

	if _, err := handler.checkAndUpdateCompletion(ctx, c); err != nil {
		// completion bookkeeping must not fail the read
		log.Errorf("check completion for challenge %s: %s", id, err)
	}

	m := handler.challengeMetrics(c, logs)

	today := pkg.FormatDate(handler.NowFunc())
	loggedToday := make(map[string]bool, len(c.Activities))
	yesterdayReps := make(map[string]int)
	yesterday, err := pkg.PrevDay(today)
	if err != nil {
		log.Errorf("get challenge %s, prev day of %s: %s", id, today, err)
	}
	for _, activity := range c.Activities {
		l, err := handler.repo.LogForDate(ctx, c, today, activity)
		if err != nil {
			log.Errorf("get challenge %s, today log for %s: %s", id, activity, err)
			continue
		}
		loggedToday[activity] = l != nil
		if yesterday == "" {
			continue
		}
		if yl, err := handler.repo.LogForDate(ctx, c, yesterday, activity); err != nil {
			log.Errorf("get challenge %s, yesterday log for %s: %s", id, activity, err)
		} else if yl != nil {
			yesterdayReps[activity] = yl.Reps
		}
	}
	allLogged, err := handler.repo.HasLoggedAll(ctx, c, today)
	if err != nil {
		log.Errorf("get challenge %s, all logged check: %s", id, err)
	}

	resp, err := json.Marshal(GetChallengeResponse{
		Challenge:      c,
		Logs:           logs,
		Metrics:        m,
		LoggedToday:    loggedToday,
		AllLoggedToday: allLogged,
		YesterdayReps:  yesterdayReps,
	})
	if err != nil {
		log.Errorf("failed to marshal challenge %s: %s", id, err)
		WriteError(w, CodeInternalError, "failed to get challenge", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, resp, http.StatusOK)
}

// HandleGetLogs returns all log entries in chronological order.
func (handler *Handler) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.challenge.getLogs")
	defer span.End()

	id := mux.Vars(r)["id"]
	c, err := handler.repo.Get(ctx, id)
	if err != nil {
		handler.writeRepoError(w, "get logs", err)
		return
	}

	logs, err := handler.repo.Logs(ctx, c)
	if err != nil {
		log.Errorf("failed to get logs for challenge %s: %s", id, err)
		WriteError(w, CodeInternalError, "failed to get logs", http.StatusInternalServerError)
		return
	}

	resp, err := json.Marshal(logs)
	if err != nil {
		log.Errorf("failed to marshal logs for %s: %s", id, err)
		WriteError(w, CodeInternalError, "failed to get logs", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, resp, http.StatusOK)
}

// HandleGetActivityMetrics returns one activity's derived metrics.
func (handler *Handler) HandleGetActivityMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.challenge.activityMetrics")
	defer span.End()

	vars := mux.Vars(r)
	id := vars["id"]
	activity := vars["activity"]

	c, err := handler.repo.Get(ctx, id)
	if err != nil {
		handler.writeRepoError(w, "get activity metrics", err)
		return
	}
	if !c.HasActivity(activity) {
		WriteError(w, CodeInvalidInput, "unknown activity "+activity, http.StatusBadRequest)
		return
	}

	m, err := handler.repo.MetricsForActivity(ctx, c, activity)
	if err != nil {
		log.Errorf("failed to get metrics for %s activity %s: %s", id, activity, err)
		WriteError(w, CodeInternalError, "failed to get activity metrics", http.StatusInternalServerError)
		return
	}

	resp, err := json.Marshal(m)
	if err != nil {
		log.Errorf("failed to marshal activity metrics for %s: %s", id, err)
		WriteError(w, CodeInternalError, "failed to get activity metrics", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, resp, http.StatusOK)
}

type LogEntryRequest struct {
	Activity string `json:"activity"`
	Reps     int    `json:"reps"`
}

type LogRequest struct {
	Entries  []LogEntryRequest `json:"entries"`
	Date     string            `json:"date,omitempty"` // defaults to today
	EditMode bool              `json:"editMode,omitempty"`
	Timezone string            `json:"timezone,omitempty"`
}

type LogResponse struct {
	Metrics            *Metrics `json:"metrics"`
	ChallengeCompleted bool     `json:"challengeCompleted"`
}

func (handler *Handler) HandleLog(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.challenge.log")
	defer span.End()

	id := mux.Vars(r)["id"]
	c, err := handler.repo.Get(ctx, id)
	if err != nil {
		handler.writeRepoError(w, "log activity", err)
		return
	}

	var req LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("log activity, unmarshal json params: %s", err)
		WriteError(w, CodeInvalidInput, "invalid request body", http.StatusBadRequest)
		return
	}

	now := handler.NowFunc()
	date := req.Date
	if date == "" {
		date = pkg.FormatDate(now)
	} else if err := ValidateDate(date); err != nil {
		WriteError(w, CodeInvalidInput, err.Error(), http.StatusBadRequest)
		return
	}

	if len(req.Entries) == 0 {
		WriteError(w, CodeInvalidInput, "no log entries given", http.StatusBadRequest)
		return
	}
	for _, entry := range req.Entries {
		if !c.HasActivity(entry.Activity) {
			WriteError(w, CodeInvalidInput, "unknown activity "+entry.Activity, http.StatusBadRequest)
			return
		}
		if err := ValidateReps(entry.Reps); err != nil {
			WriteError(w, CodeInvalidInput, err.Error(), http.StatusBadRequest)
			return
		}
	}

	for _, entry := range req.Entries {
		err := handler.repo.AddLog(ctx, c, DailyLog{
			Date:      date,
			Activity:  entry.Activity,
			Reps:      entry.Reps,
			Timestamp: now.UnixMilli(),
			Timezone:  req.Timezone,
		}, req.EditMode)
		switch {
		case errors.Is(err, ErrAlreadyLogged):
			WriteError(w, CodeAlreadyLogged, "already logged "+entry.Activity+" for "+date, http.StatusConflict)
			return
		case errors.Is(err, ErrChallengeCompleted):
			WriteError(w, CodeChallengeCompleted, "challenge is completed", http.StatusForbidden)
			return
		case err != nil:
			log.Errorf("failed to log %s for challenge %s: %s", entry.Activity, id, err)
			WriteError(w, CodeInternalError, "failed to log activity", http.StatusInternalServerError)
			return
		}
		handler.metrics.CounterLogEntries.Inc()
	}

	completed, err := handler.checkAndUpdateCompletion(ctx, c)
	if err != nil {
		log.Errorf("check completion for challenge %s: %s", id, err)
	}

	logs, err := handler.repo.Logs(ctx, c)
	if err != nil {
		log.Errorf("failed to get logs for challenge %s: %s", id, err)
		WriteError(w, CodeInternalError, "failed to log activity", http.StatusInternalServerError)
		return
	}

	resp, err := json.Marshal(LogResponse{
		Metrics:            handler.challengeMetrics(c, logs),
		ChallengeCompleted: completed,
	})
	if err != nil {
		log.Errorf("failed to marshal log response for %s: %s", id, err)
		WriteError(w, CodeInternalError, "failed to log activity", http.StatusInternalServerError)
		return
	}

	log.Debugf("challenge %s: %d entries logged for %s", id, len(req.Entries), date)
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, resp, http.StatusOK)
}

// HandleAbandon deletes the challenge and all its records. Terminal and
// irreversible, the frontend confirms with the user first.
func (handler *Handler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.challenge.abandon")
	defer span.End()

	id := mux.Vars(r)["id"]
	if err := handler.repo.Delete(ctx, id); err != nil {
		handler.writeRepoError(w, "abandon challenge", err)
		return
	}

	handler.metrics.CounterChallengesAbandoned.Inc()
	log.Debugf("challenge %s abandoned and deleted", id)
	pkg.WriteJSONResponseOK(w, `{"deleted":true}`)
}

type SendLinkRequest struct {
	Email       string `json:"email"`
	ChallengeID string `json:"challengeId"`
}

// HandleSendLink emails the challenge link to the given address. The send
// itself is best-effort, the response only confirms the request was
// accepted, so the endpoint cannot be used to probe which emails exist.
func (handler *Handler) HandleSendLink(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "handler.challenge.sendLink")
	defer span.End()

	var req SendLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Tracef("send link, unmarshal json params: %s", err)
		WriteError(w, CodeInvalidInput, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || ValidateEmail(req.Email) != nil {
		WriteError(w, CodeInvalidInput, "invalid email address", http.StatusBadRequest)
		return
	}
	if req.ChallengeID == "" {
		WriteError(w, CodeInvalidInput, "challenge id empty", http.StatusBadRequest)
		return
	}

	c, err := handler.repo.Get(ctx, req.ChallengeID)
	if err != nil {
		handler.writeRepoError(w, "send link", err)
		return
	}

	handler.notifier.ChallengeLink(ctx, req.Email, c)
	pkg.WriteJSONResponseOK(w, `{"sent":true}`)
}

// checkAndUpdateCompletion flips an active challenge to completed once
// its final day is reached. Reports whether the transition happened now.
func (handler *Handler) checkAndUpdateCompletion(ctx context.Context, c *Challenge) (bool, error) {
	if c.Status != StatusActive {
		return false, nil
	}
	if handler.calc.CurrentDay(c) < c.Duration {
		return false, nil
	}
	if err := handler.repo.Complete(ctx, c, handler.NowFunc()); err != nil {
		return false, err
	}
	handler.metrics.CounterChallengesCompleted.Inc()
	return true, nil
}

// cachedMetricsPayload wraps cached metrics with the local date they were
// computed on, so a payload from before midnight is never served after
// the day flips.
type cachedMetricsPayload struct {
	Date    string   `json:"date"`
	Metrics *Metrics `json:"metrics"`
}

// challengeMetrics returns derived metrics, served from the short-lived
// cache when fresh ones were computed moments ago on the same local day.
func (handler *Handler) challengeMetrics(c *Challenge, logs []DailyLog) *Metrics {
	today := pkg.FormatDate(handler.NowFunc())
	if payload, ok := handler.repo.CachedMetrics(c.ID); ok {
		var cached cachedMetricsPayload
		if err := json.Unmarshal(payload, &cached); err == nil &&
			cached.Date == today && cached.Metrics != nil {
			return cached.Metrics
		}
	}

	m := handler.calc.Calculate(c, logs)
	if payload, err := json.Marshal(cachedMetricsPayload{Date: today, Metrics: m}); err == nil {
		handler.repo.SetCachedMetrics(c.ID, payload)
	}
	return m
}

func (handler *Handler) writeRepoError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		WriteError(w, CodeNoActiveChallenge, "challenge not found", http.StatusNotFound)
	default:
		log.Errorf("%s: %s", op, err)
		WriteError(w, CodeInternalError, "internal server error", http.StatusInternalServerError)
	}
}
