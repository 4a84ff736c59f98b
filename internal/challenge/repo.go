package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2beens/pushtrack/internal/telemetry/tracing"

	"github.com/coocood/freecache"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

var (
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeCompleted = errors.New("challenge already completed")
	ErrAlreadyLogged      = errors.New("activity already logged for this date")
	ErrLogNotFound        = errors.New("log entry not found")
)

const (
	challengeKeyPrefix = "challenge:"

	// derived metrics are cached only to spare repeated log scans,
	// the store copy is never authoritative
	metricsCacheTTLSeconds = 60
	metricsCacheSize       = 512 * 1024
)

func challengeKey(id string) string { return challengeKeyPrefix + id }
func logsKey(id string) string      { return challengeKey(id) + ":logs" }

// legacyMetricsKey is the hash old clients persisted metrics to. It is
// never written anymore, only deleted on cleanup paths.
func legacyMetricsKey(id string) string { return challengeKey(id) + ":metrics" }

type Repo struct {
	rdb          *redis.Client
	calc         *Calculator
	metricsCache *freecache.Cache
}

func NewRepo(rdb *redis.Client) *Repo {
	return NewRepoWithCalculator(rdb, NewCalculator())
}

func NewRepoWithCalculator(rdb *redis.Client, calc *Calculator) *Repo {
	return &Repo{
		rdb:          rdb,
		calc:         calc,
		metricsCache: freecache.NewCache(metricsCacheSize),
	}
}

func (r *Repo) Add(ctx context.Context, c *Challenge) error {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.add")
	defer span.End()

	fields, err := challengeToHash(c)
	if err != nil {
		return err
	}
	// stable field order keeps the write deterministic
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	args := make([]interface{}, 0, len(fields)*2)
	for _, name := range names {
		args = append(args, name, fields[name])
	}

	if err := r.rdb.HSet(ctx, challengeKey(c.ID), args...).Err(); err != nil {
		return fmt.Errorf("set challenge fields: %w", err)
	}
	if err := r.rdb.Expire(ctx, challengeKey(c.ID), c.TTL()).Err(); err != nil {
		return fmt.Errorf("set challenge ttl: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Challenge, error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.get")
	defer span.End()

	data, err := r.rdb.HGetAll(ctx, challengeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get challenge fields: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrChallengeNotFound
	}

	c, err := challengeFromHash(data)
	if err != nil {
		return nil, err
	}

	if c.migrate() {
		// persist the upgraded shape so the next read skips this
		if err := r.Add(ctx, c); err != nil {
			log.Errorf("persist migrated challenge %s: %s", c.ID, err)
		}
	}

	return c, nil
}

// Update rewrites all challenge fields. The hash is deleted first so
// fields removed by the update (e.g. a cleared email) do not linger.
func (r *Repo) Update(ctx context.Context, c *Challenge) error {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.update")
	defer span.End()

	if err := r.rdb.Del(ctx, challengeKey(c.ID)).Err(); err != nil {
		return fmt.Errorf("clear challenge fields: %w", err)
	}
	if err := r.Add(ctx, c); err != nil {
		return err
	}

	r.invalidateMetrics(c.ID)
	return r.refreshTTL(ctx, c)
}

// Delete removes the challenge and every record tied to it, including
// any legacy metrics hash left behind by old clients.
func (r *Repo) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.delete")
	defer span.End()

	removed, err := r.rdb.Del(ctx,
		challengeKey(id),
		logsKey(id),
		legacyMetricsKey(id),
	).Result()
	if err != nil {
		return fmt.Errorf("delete challenge records: %w", err)
	}
	if removed == 0 {
		return ErrChallengeNotFound
	}

	r.invalidateMetrics(id)
	return nil
}

// AddLog appends a daily log entry. Each (date, activity) pair can be
// logged once; a repeat returns ErrAlreadyLogged unless editMode is set,
// in which case the existing entry is replaced. A completed challenge
// rejects further entries.
func (r *Repo) AddLog(ctx context.Context, c *Challenge, entry DailyLog, editMode bool) error {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.addLog")
	defer span.End()

	if c.Status == StatusCompleted {
		return ErrChallengeCompleted
	}

	// store the challenge's spelling, whatever casing the caller sent,
	// so one (date, activity) pair can never fork into two entries
	if canonical, ok := c.CanonicalActivity(entry.Activity); ok {
		entry.Activity = canonical
	}

	existing, err := r.logsForDate(ctx, c, entry.Date)
	if err != nil {
		return err
	}
	for _, l := range existing {
		if !strings.EqualFold(l.Activity, entry.Activity) {
			continue
		}
		if !editMode {
			return ErrAlreadyLogged
		}
		if err := r.DeleteLog(ctx, c, entry.Date, entry.Activity); err != nil && !errors.Is(err, ErrLogNotFound) {
			return err
		}
		break
	}

	score, err := dateScore(entry.Date)
	if err != nil {
		return err
	}
	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	if err := r.rdb.ZAdd(ctx, logsKey(c.ID), &redis.Z{
		Score:  score,
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("add log entry: %w", err)
	}

	r.invalidateMetrics(c.ID)
	return r.refreshTTL(ctx, c)
}

// Logs returns all log entries in chronological order, with legacy
// entries upgraded in place.
func (r *Repo) Logs(ctx context.Context, c *Challenge) ([]DailyLog, error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.logs")
	defer span.End()

	members, err := r.rdb.ZRange(ctx, logsKey(c.ID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get log entries: %w", err)
	}
	return r.decodeLogs(c, members)
}

// LogsForActivity returns a single activity's entries in chronological
// order.
func (r *Repo) LogsForActivity(ctx context.Context, c *Challenge, activity string) ([]DailyLog, error) {
	logs, err := r.Logs(ctx, c)
	if err != nil {
		return nil, err
	}
	filtered := make([]DailyLog, 0, len(logs))
	for _, l := range logs {
		if strings.EqualFold(l.Activity, activity) {
			filtered = append(filtered, l)
		}
	}
	return filtered, nil
}

// MetricsForActivity derives one activity's metrics from its entries.
// The activity is not checked against the challenge's activity list.
func (r *Repo) MetricsForActivity(ctx context.Context, c *Challenge, activity string) (ActivityMetrics, error) {
	logs, err := r.Logs(ctx, c)
	if err != nil {
		return ActivityMetrics{}, err
	}
	return r.calc.CalculateForActivity(c, logs, activity), nil
}

// AllActivityMetrics derives metrics for every activity of the challenge.
func (r *Repo) AllActivityMetrics(ctx context.Context, c *Challenge) (map[string]ActivityMetrics, error) {
	logs, err := r.Logs(ctx, c)
	if err != nil {
		return nil, err
	}
	return r.calc.Calculate(c, logs).PerActivity, nil
}

// HasLogged reports whether the activity has an entry for the date.
func (r *Repo) HasLogged(ctx context.Context, c *Challenge, date, activity string) (bool, error) {
	l, err := r.LogForDate(ctx, c, date, activity)
	if err != nil {
		return false, err
	}
	return l != nil, nil
}

// HasLoggedAll reports whether every activity of the challenge has an
// entry for the date.
func (r *Repo) HasLoggedAll(ctx context.Context, c *Challenge, date string) (bool, error) {
	logs, err := r.logsForDate(ctx, c, date)
	if err != nil {
		return false, err
	}
	logged := make(map[string]bool, len(logs))
	for _, l := range logs {
		logged[strings.ToLower(l.Activity)] = true
	}
	for _, a := range c.Activities {
		if !logged[strings.ToLower(a)] {
			return false, nil
		}
	}
	return true, nil
}

// LogForDate returns the activity's entry for exactly that date, or nil.
// Only the date's bucket is scanned, so an older entry can never leak
// through to value pre-fills.
func (r *Repo) LogForDate(ctx context.Context, c *Challenge, date, activity string) (*DailyLog, error) {
	logs, err := r.logsForDate(ctx, c, date)
	if err != nil {
		return nil, err
	}
	for i := range logs {
		if strings.EqualFold(logs[i].Activity, activity) {
			return &logs[i], nil
		}
	}
	return nil, nil
}

// DeleteLog removes the entry for a (date, activity) pair. Since sorted
// set members are full JSON payloads, the match is found by scanning the
// date bucket.
func (r *Repo) DeleteLog(ctx context.Context, c *Challenge, date, activity string) error {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.deleteLog")
	defer span.End()

	score, err := dateScore(date)
	if err != nil {
		return err
	}
	scoreStr := strconv.FormatInt(int64(score), 10)
	members, err := r.rdb.ZRangeByScore(ctx, logsKey(c.ID), &redis.ZRangeBy{
		Min: scoreStr,
		Max: scoreStr,
	}).Result()
	if err != nil {
		return fmt.Errorf("get log entries for %s: %w", date, err)
	}

	for _, member := range members {
		var l DailyLog
		if err := json.Unmarshal([]byte(member), &l); err != nil {
			log.Errorf("delete log, skipping unreadable entry in %s: %s", logsKey(c.ID), err)
			continue
		}
		l.migrate(c.Activities[0])
		if !strings.EqualFold(l.Activity, activity) {
			continue
		}
		if err := r.rdb.ZRem(ctx, logsKey(c.ID), member).Err(); err != nil {
			return fmt.Errorf("remove log entry: %w", err)
		}
		r.invalidateMetrics(c.ID)
		return nil
	}

	return ErrLogNotFound
}

// Complete marks the challenge completed. Idempotent.
func (r *Repo) Complete(ctx context.Context, c *Challenge, completedAt time.Time) error {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.complete")
	defer span.End()

	if c.Status == StatusCompleted {
		return nil
	}
	c.Status = StatusCompleted
	c.CompletedAt = completedAt.UnixMilli()
	if err := r.rdb.HSet(ctx, challengeKey(c.ID),
		"status", string(StatusCompleted),
		"completedAt", strconv.FormatInt(c.CompletedAt, 10),
	).Err(); err != nil {
		return fmt.Errorf("mark challenge completed: %w", err)
	}

	r.invalidateMetrics(c.ID)
	return nil
}

// List scans for all challenge hashes. Admin surface only, the public
// API always addresses a challenge by id.
func (r *Repo) List(ctx context.Context) ([]*Challenge, error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.list")
	defer span.End()

	var challenges []*Challenge
	var cursor uint64
	for {
		keys, nextCursor, err := r.rdb.Scan(ctx, cursor, challengeKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan challenge keys: %w", err)
		}
		for _, key := range keys {
			id := key[len(challengeKeyPrefix):]
			// skip :logs / :metrics keys picked up by the pattern
			if strings.Contains(id, ":") {
				continue
			}
			c, err := r.Get(ctx, id)
			if err != nil {
				log.Errorf("list challenges, skipping %s: %s", key, err)
				continue
			}
			challenges = append(challenges, c)
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return challenges, nil
}

// DropLegacyMetrics removes the stored metrics hash old clients wrote,
// forcing all readers onto freshly derived values.
func (r *Repo) DropLegacyMetrics(ctx context.Context, id string) error {
	ctx, span := tracing.GlobalTracer.Start(ctx, "challengeRepo.dropLegacyMetrics")
	defer span.End()

	if err := r.rdb.Del(ctx, legacyMetricsKey(id)).Err(); err != nil {
		return fmt.Errorf("delete legacy metrics: %w", err)
	}
	r.invalidateMetrics(id)
	return nil
}

// CachedMetrics returns the short-lived cached metrics payload, if any.
func (r *Repo) CachedMetrics(id string) ([]byte, bool) {
	payload, err := r.metricsCache.Get([]byte(id))
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (r *Repo) SetCachedMetrics(id string, payload []byte) {
	if err := r.metricsCache.Set([]byte(id), payload, metricsCacheTTLSeconds); err != nil {
		log.Tracef("set metrics cache for %s: %s", id, err)
	}
}

func (r *Repo) invalidateMetrics(id string) {
	r.metricsCache.Del([]byte(id))
}

// refreshTTL re-arms the expiry of all challenge records so an active
// challenge never expires under its user.
func (r *Repo) refreshTTL(ctx context.Context, c *Challenge) error {
	ttl := c.TTL()
	if err := r.rdb.Expire(ctx, challengeKey(c.ID), ttl).Err(); err != nil {
		return fmt.Errorf("refresh challenge ttl: %w", err)
	}
	// the logs key may not exist yet, EXPIRE on a missing key is a no-op
	if err := r.rdb.Expire(ctx, logsKey(c.ID), ttl).Err(); err != nil {
		return fmt.Errorf("refresh logs ttl: %w", err)
	}
	return nil
}

func (r *Repo) logsForDate(ctx context.Context, c *Challenge, date string) ([]DailyLog, error) {
	score, err := dateScore(date)
	if err != nil {
		return nil, err
	}
	scoreStr := strconv.FormatInt(int64(score), 10)
	members, err := r.rdb.ZRangeByScore(ctx, logsKey(c.ID), &redis.ZRangeBy{
		Min: scoreStr,
		Max: scoreStr,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("get log entries for %s: %w", date, err)
	}
	return r.decodeLogs(c, members)
}

func (r *Repo) decodeLogs(c *Challenge, members []string) ([]DailyLog, error) {
	logs := make([]DailyLog, 0, len(members))
	for _, member := range members {
		var l DailyLog
		if err := json.Unmarshal([]byte(member), &l); err != nil {
			log.Errorf("skipping unreadable log entry in %s: %s", logsKey(c.ID), err)
			continue
		}
		l.migrate(c.Activities[0])
		logs = append(logs, l)
	}
	return logs, nil
}
