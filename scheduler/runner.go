package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/obslog"
	"github.com/obscore/obscore/statemanager"
)

// triggerStore is the subset of *Store the Runner drives. Pulling it
// out as an interface lets tests exercise the handler/retry logic
// against an in-memory fake instead of a live Postgres instance.
type triggerStore interface {
	Pull(ctx context.Context, concurrency int, nowMicros, alertTimeoutMicros, reportTimeoutMicros int64) ([]*meta.Trigger, error)
	UpdateTrigger(ctx context.Context, t *meta.Trigger, clone bool) error
	WatchTimeout(ctx context.Context, nowMicros int64) (int64, error)
	CleanComplete(ctx context.Context, maxRetries int) (int64, error)
}

// Runner pulls due triggers from a Store and dispatches them to the
// module-appropriate handler: a ticker drives the pull, each pulled
// trigger runs in its own goroutine under the Runner's context (no
// per-trigger deadline is applied here; a row whose end_time passes is
// reclaimed by the WatchTimeout reaper), and a failure
// falls back to the store's generic retry bookkeeping rather than
// crashing the loop.
type Runner struct {
	store       triggerStore
	log         *logrus.Entry
	ops         *statemanager.Manager
	evaluator   AlertEvaluator
	notifier    Notifier
	reports     ReportSender
	pipeline    StreamPipeline

	pullInterval   time.Duration
	concurrency    int
	alertTimeout   time.Duration
	reportTimeout  time.Duration
	maxRetries     int
	reapInterval   time.Duration
	cleanInterval  time.Duration
}

// Config configures a Runner's polling cadence and retry policy.
type Config struct {
	PullInterval  time.Duration
	Concurrency   int
	AlertTimeout  time.Duration
	ReportTimeout time.Duration
	MaxRetries    int
	ReapInterval  time.Duration
	CleanInterval time.Duration
}

// NewRunner wires a Store against the handlers for each trigger
// module. Any of evaluator/notifier/reports/pipeline may be nil if
// the caller never pushes that module's triggers.
func NewRunner(store *Store, logger *logrus.Logger, ops *statemanager.Manager, cfg Config, evaluator AlertEvaluator, notifier Notifier, reports ReportSender, pipeline StreamPipeline) *Runner {
	return newRunner(store, logger, ops, cfg, evaluator, notifier, reports, pipeline)
}

func newRunner(store triggerStore, logger *logrus.Logger, ops *statemanager.Manager, cfg Config, evaluator AlertEvaluator, notifier Notifier, reports ReportSender, pipeline StreamPipeline) *Runner {
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = 10 * time.Minute
	}
	return &Runner{
		store:         store,
		log:           obslog.For(logger, "scheduler"),
		ops:           ops,
		evaluator:     evaluator,
		notifier:      notifier,
		reports:       reports,
		pipeline:      pipeline,
		pullInterval:  cfg.PullInterval,
		concurrency:   cfg.Concurrency,
		alertTimeout:  cfg.AlertTimeout,
		reportTimeout: cfg.ReportTimeout,
		maxRetries:    cfg.MaxRetries,
		reapInterval:  cfg.ReapInterval,
		cleanInterval: cfg.CleanInterval,
	}
}

// Run drives the pull loop plus the reaper and cleanup loops until ctx
// is cancelled.
func (r *Runner) Run(ctx context.Context) {
	go r.watchTimeoutLoop(ctx)
	go r.cleanCompleteLoop(ctx)
	r.pullLoop(ctx)
}

func (r *Runner) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pullOnce(ctx)
		}
	}
}

func (r *Runner) pullOnce(ctx context.Context) {
	now := time.Now().UnixMicro()
	triggers, err := r.store.Pull(ctx, r.concurrency, now, r.alertTimeout.Microseconds(), r.reportTimeout.Microseconds())
	if err != nil {
		r.log.WithError(err).Warn("pull failed")
		return
	}
	for _, t := range triggers {
		go r.process(ctx, t)
	}
}

func (r *Runner) watchTimeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.WatchTimeout(ctx, time.Now().UnixMicro())
			if err != nil {
				r.log.WithError(err).Warn("watch_timeout failed")
			} else if n > 0 {
				r.log.WithField("reclaimed", n).Info("reaped timed-out triggers")
			}
		}
	}
}

func (r *Runner) cleanCompleteLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.CleanComplete(ctx, r.maxRetries)
			if err != nil {
				r.log.WithError(err).Warn("clean_complete failed")
			} else if n > 0 {
				r.log.WithField("deleted", n).Info("cleaned completed triggers")
			}
		}
	}
}

// process dispatches t to its module handler and emits one TriggerData
// usage record per handled trigger, repurposing statemanager.Manager's
// start/complete bookkeeping from CLI-operation tracking to scheduler
// job tracking.
func (r *Runner) process(ctx context.Context, t *meta.Trigger) {
	opID := fmt.Sprintf("%s/%s/%s", t.Org, t.Module, t.ModuleKey)
	if r.ops != nil {
		r.ops.StartTriggerOperation(opID, string(t.Module), statemanager.TriggerData{
			Org:       t.Org,
			Module:    string(t.Module),
			ModuleKey: t.ModuleKey,
			Retries:   t.Retries,
		})
	}

	var err error
	switch t.Module {
	case meta.ModuleAlert:
		err = r.handleAlert(ctx, t)
	case meta.ModuleReport:
		err = r.handleReport(ctx, t)
	case meta.ModuleDerivedStream:
		err = r.handleDerivedStream(ctx, t)
	default:
		err = fmt.Errorf("scheduler: unknown module %q", t.Module)
	}

	if r.ops != nil {
		r.ops.CompleteOperation(opID, err)
	}
	if err != nil {
		r.log.WithError(err).WithField("trigger", opID).Warn("handler failed")
	}
}

// retryOrAdvance applies the generic give-up policy: increment
// retries and keep Waiting at its current next_run_at until
// max_retries is reached, at which point fall through to nextRunAt
// and reset retries. handlerErr is not recorded here: callers that
// keep a last error write it into t.Data before calling.
func (r *Runner) retryOrAdvance(ctx context.Context, t *meta.Trigger, handlerErr error, nextRunAt int64) error {
	if t.Retries+1 < r.maxRetries {
		t.Retries++
		t.Status = meta.TriggerWaiting
		// Same cycle, just counting the retry: leave start_time/end_time
		// as this attempt's Processing window instead of cloning fresh ones.
		return r.store.UpdateTrigger(ctx, t, false)
	}
	t.Retries = 0
	t.Status = meta.TriggerWaiting
	t.NextRunAt = nextRunAt
	// Giving up and moving to the next cycle: clone fresh start/end.
	return r.store.UpdateTrigger(ctx, t, true)
}

func cronNext(expr, tz string, from time.Time) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}
	return schedule.Next(from.In(loc)), nil
}

const weekMicros = int64(7 * 24 * time.Hour / time.Microsecond)

// handleAlert implements the Alert dispatch rule: disabled alerts
// defer a week; otherwise evaluate, compute the next run, and notify
// on a match. A notifier failure short of max_retries keeps the row
// Waiting at its current next_run_at instead of advancing it.
func (r *Runner) handleAlert(ctx context.Context, t *meta.Trigger) error {
	data, err := decodeAlertData(t.Data)
	if err != nil {
		return err
	}

	now := time.Now().UnixMicro()
	if !data.Enabled {
		t.Status = meta.TriggerWaiting
		t.NextRunAt = now + weekMicros
		return r.store.UpdateTrigger(ctx, t, true)
	}

	fired, matched, evalEnd, err := r.evaluator.Evaluate(ctx, t.ModuleKey, t.StartTime, now)
	if err != nil {
		data.LastError = err.Error()
		t.Data = data.encode()
		return r.retryOrAdvance(ctx, t, err, now+data.FrequencySecs*int64(time.Second/time.Microsecond))
	}

	next, err := r.nextAlertRun(data, evalEnd, fired)
	if err != nil {
		return err
	}

	if !fired {
		t.Status = meta.TriggerWaiting
		t.NextRunAt = next
		t.Data = data.encode()
		return r.store.UpdateTrigger(ctx, t, true)
	}

	outcome, notifyErr := r.notifier.Notify(ctx, t.ModuleKey, matched)
	switch outcome {
	case NotifyFull:
		data.LastError = ""
		t.IsSilenced = true
		t.Status = meta.TriggerWaiting
		t.NextRunAt = next
		t.Data = data.encode()
		return r.store.UpdateTrigger(ctx, t, true)
	case NotifyPartial:
		if notifyErr != nil {
			data.LastError = notifyErr.Error()
		}
		t.IsSilenced = true
		t.Status = meta.TriggerWaiting
		t.NextRunAt = next
		t.Data = data.encode()
		return r.store.UpdateTrigger(ctx, t, true)
	default:
		if notifyErr != nil {
			data.LastError = notifyErr.Error()
		}
		t.Data = data.encode()
		return r.retryOrAdvance(ctx, t, notifyErr, next)
	}
}

func (r *Runner) nextAlertRun(data AlertData, fireTime int64, fired bool) (int64, error) {
	if fired {
		return fireTime + data.SilenceMinutes*int64(time.Minute/time.Microsecond), nil
	}
	if data.FrequencyType == "cron" {
		next, err := cronNext(data.CronExpr, data.Timezone, time.UnixMicro(fireTime))
		if err != nil {
			return 0, err
		}
		return next.UnixMicro(), nil
	}
	return fireTime + data.FrequencySecs*int64(time.Second/time.Microsecond), nil
}

// handleReport implements the Report dispatch rule: sends via the
// injected ReportSender, then computes the next run from frequency;
// Once disables the report and leaves a one-week no-op guard so a
// stray re-push doesn't immediately re-fire it.
func (r *Runner) handleReport(ctx context.Context, t *meta.Trigger) error {
	data, err := decodeReportData(t.Data)
	if err != nil {
		return err
	}
	now := time.Now().UnixMicro()
	if !data.Enabled {
		t.Status = meta.TriggerWaiting
		t.NextRunAt = now + weekMicros
		return r.store.UpdateTrigger(ctx, t, true)
	}

	sendErr := r.reports.Send(ctx, t.ModuleKey)
	if sendErr != nil {
		return r.retryOrAdvance(ctx, t, sendErr, now+weekMicros)
	}

	if data.Frequency == ReportOnce {
		data.Enabled = false
		t.Data = data.encode()
		t.Status = meta.TriggerWaiting
		t.NextRunAt = now + weekMicros
		return r.store.UpdateTrigger(ctx, t, true)
	}

	next, err := r.nextReportRun(data, now)
	if err != nil {
		return err
	}
	t.Status = meta.TriggerWaiting
	t.NextRunAt = next
	t.Data = data.encode()
	return r.store.UpdateTrigger(ctx, t, true)
}

func (r *Runner) nextReportRun(data ReportData, from int64) (int64, error) {
	if data.Frequency == ReportCron {
		next, err := cronNext(data.CronExpr, data.Timezone, time.UnixMicro(from))
		if err != nil {
			return 0, err
		}
		return next.UnixMicro(), nil
	}
	unit := data.Interval
	if unit <= 0 {
		unit = 1
	}
	switch data.Frequency {
	case ReportHours:
		return from + unit*int64(time.Hour/time.Microsecond), nil
	case ReportDays:
		return from + unit*int64(24*time.Hour/time.Microsecond), nil
	case ReportWeeks:
		return from + unit*weekMicros, nil
	case ReportMonths:
		return from + unit*30*int64(24*time.Hour/time.Microsecond), nil
	default:
		return from + weekMicros, nil
	}
}

// handleDerivedStream implements the DerivedStream dispatch rule:
// resume from the stored cursor's period_end_time+1, or end-period on
// a first run, and advance the cursor unconditionally on success (the
// rollback-on-partial-failure question is left open, see DESIGN.md).
func (r *Runner) handleDerivedStream(ctx context.Context, t *meta.Trigger) error {
	data, err := decodeDerivedStreamData(t.Data)
	if err != nil {
		return err
	}
	now := time.Now().UnixMicro()

	var start int64
	if data.PeriodEndTime > 0 {
		start = data.PeriodEndTime + 1
	} else {
		start = now - data.PeriodSeconds*int64(time.Second/time.Microsecond)
	}

	if runErr := r.pipeline.Run(ctx, t.ModuleKey, start, now); runErr != nil {
		return r.retryOrAdvance(ctx, t, runErr, now+data.PeriodSeconds*int64(time.Second/time.Microsecond))
	}

	data.PeriodEndTime = now
	t.Data = data.encode()
	t.Status = meta.TriggerWaiting
	t.NextRunAt = now + data.PeriodSeconds*int64(time.Second/time.Microsecond)
	t.Retries = 0
	return r.store.UpdateTrigger(ctx, t, true)
}
