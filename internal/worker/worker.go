// Package worker contains the background session reaper. It runs outside
// HTTP request handling and abandons test sessions whose students went
// quiet, so their ability estimates stop waiting on an answer that will
// never arrive.
package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"icfesprep/internal/config"
	"icfesprep/internal/observability"
	"icfesprep/internal/services"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// maxBatchesPerRun bounds how many full batches a single run drains
	maxBatchesPerRun = 50
	maxActivityLogs  = 200
)

// Status represents the current state of the reaper
type Status struct {
	IsRunning       bool      `json:"is_running"`
	IsPaused        bool      `json:"is_paused"`
	CurrentActivity string    `json:"current_activity,omitempty"`
	LastRunStart    time.Time `json:"last_run_start"`
	LastRunFinish   time.Time `json:"last_run_finish"`
	LastRunError    string    `json:"last_run_error,omitempty"`
	NextRun         time.Time `json:"next_run"`
	TotalReaped     int       `json:"total_reaped"`
	TotalRuns       int       `json:"total_runs"`
}

// RunRecord tracks individual reaper runs
type RunRecord struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"` // Success, Failure
	Reaped    int           `json:"reaped"`
	Details   string        `json:"details"`
}

// ActivityLog represents a single activity log entry
type ActivityLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // INFO, WARN, ERROR
	Message   string    `json:"message"`
}

// Config holds reaper-specific configuration
type Config struct {
	Interval          time.Duration
	InactivityTimeout time.Duration
	BatchSize         int
	MaxHistory        int
	StartPaused       bool
}

// ConfigFromApp derives the reaper settings from the application config, applying defaults
func ConfigFromApp(cfg *config.Config) Config {
	c := Config{
		Interval:          cfg.Session.ReaperInterval,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		BatchSize:         cfg.Session.ReaperBatchSize,
		MaxHistory:        cfg.Server.MaxHistory,
		StartPaused:       getEnvBool("REAPER_START_PAUSED", false),
	}
	if c.Interval <= 0 {
		c.Interval = config.DefaultReaperInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = config.DefaultSessionInactivityTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = config.DefaultReaperBatchSize
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = config.DefaultMaxHistory
	}
	return c
}

// SessionReaper abandons active sessions idle for longer than the inactivity timeout
type SessionReaper struct {
	sessionService services.AdaptiveSessionServiceInterface
	instance       string
	cfg            Config
	logger         *observability.Logger

	mu            sync.RWMutex
	status        Status
	history       []RunRecord
	activityLogs  []ActivityLog
	manualTrigger chan struct{}
	done          chan struct{}
	cancel        context.CancelFunc

	// runMu keeps a manual RunOnce from overlapping a scheduled run
	runMu sync.Mutex

	// Time function for testing - defaults to time.Now
	timeNow func() time.Time
}

// NewSessionReaper creates a new SessionReaper instance
func NewSessionReaper(sessionService services.AdaptiveSessionServiceInterface, instance string, cfg Config, logger *observability.Logger) *SessionReaper {
	if sessionService == nil {
		panic("NewSessionReaper: session service is nil")
	}
	if instance == "" {
		instance = "default"
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = config.DefaultMaxHistory
	}
	return &SessionReaper{
		sessionService: sessionService,
		instance:       instance,
		cfg:            cfg,
		logger:         logger.With(map[string]interface{}{"instance": instance}),
		status:         Status{CurrentActivity: "Initialized", IsPaused: cfg.StartPaused},
		history:        make([]RunRecord, 0, cfg.MaxHistory),
		activityLogs:   make([]ActivityLog, 0, maxActivityLogs),
		manualTrigger:  make(chan struct{}, 1),
		done:           make(chan struct{}),
		timeNow:        time.Now,
	}
}

// getEnvBool is a helper function to get boolean environment variables
func getEnvBool(key string, defaultValue bool) bool {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}

// Start runs the reaper loop until ctx is cancelled or Shutdown is called
func (r *SessionReaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.status.IsRunning = true
	r.status.NextRun = r.timeNow().Add(r.cfg.Interval)
	paused := r.status.IsPaused
	r.mu.Unlock()
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "Session reaper started", map[string]interface{}{
		"interval":           r.cfg.Interval.String(),
		"inactivity_timeout": r.cfg.InactivityTimeout.String(),
		"batch_size":         r.cfg.BatchSize,
		"paused":             paused,
	})
	r.logActivity("INFO", fmt.Sprintf("Reaper %s started", r.instance))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(context.Background(), "Session reaper shutting down")
			r.logActivity("INFO", fmt.Sprintf("Reaper %s shutting down", r.instance))
			r.mu.Lock()
			r.status.IsRunning = false
			r.mu.Unlock()
			return

		case <-ticker.C:
			r.run(ctx, false)

		case <-r.manualTrigger:
			r.logActivity("INFO", fmt.Sprintf("Reaper %s triggered manually", r.instance))
			r.run(ctx, true)
		}
	}
}

// run executes a single reaper cycle. Manual runs ignore the pause flag.
func (r *SessionReaper) run(ctx context.Context, manual bool) {
	r.mu.Lock()
	r.status.NextRun = r.timeNow().Add(r.cfg.Interval)
	paused := r.status.IsPaused
	r.mu.Unlock()

	if paused && !manual {
		r.updateActivity("Paused")
		return
	}
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error(ctx, "Session reaper run failed", err)
	}
}

// RunOnce abandons every session idle past the inactivity timeout, draining
// up to maxBatchesPerRun full batches, and records the run in history.
func (r *SessionReaper) RunOnce(ctx context.Context) (reaped int, err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "reap_sessions",
		attribute.String("worker.instance", r.instance),
		observability.AttributeLimit(r.cfg.BatchSize),
	)
	defer observability.FinishSpan(span, &err)

	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := r.timeNow()
	r.mu.Lock()
	r.status.LastRunStart = start
	r.status.CurrentActivity = "Reaping inactive sessions"
	r.mu.Unlock()

	cutoff := start.Add(-r.cfg.InactivityTimeout)
	batches := 0
	for batches < maxBatchesPerRun {
		n, batchErr := r.sessionService.AbandonStaleSessions(ctx, cutoff, r.cfg.BatchSize)
		reaped += n
		batches++
		if batchErr != nil {
			err = batchErr
			break
		}
		if n < r.cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}
	span.SetAttributes(
		attribute.Int("reaper.reaped", reaped),
		attribute.Int("reaper.batches", batches),
	)

	details := fmt.Sprintf("abandoned %d inactive sessions idle since %s", reaped, cutoff.Format(time.RFC3339))
	if reaped == 0 && err == nil {
		details = config.NoActionPrefix + " no inactive sessions"
	}
	r.recordRun(start, reaped, details, err)

	if reaped > 0 {
		r.logger.Info(ctx, "Abandoned inactive sessions", map[string]interface{}{
			"reaped":  reaped,
			"batches": batches,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
		r.logActivity("INFO", details)
	}
	if err != nil {
		r.logActivity("ERROR", "Run failed: "+err.Error())
	}
	return reaped, err
}

// recordRun updates status and appends to the bounded run history
func (r *SessionReaper) recordRun(start time.Time, reaped int, details string, err error) {
	finish := r.timeNow()
	record := RunRecord{
		StartTime: start,
		EndTime:   finish,
		Duration:  finish.Sub(start),
		Status:    "Success",
		Reaped:    reaped,
		Details:   details,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.LastRunFinish = finish
	r.status.TotalReaped += reaped
	r.status.TotalRuns++
	r.status.CurrentActivity = "Idle"
	if err != nil {
		record.Status = "Failure"
		r.status.LastRunError = err.Error()
	} else {
		r.status.LastRunError = ""
	}
	r.history = append(r.history, record)
	if len(r.history) > r.cfg.MaxHistory {
		r.history = r.history[len(r.history)-r.cfg.MaxHistory:]
	}
}

// GetStatus returns the current reaper status
func (r *SessionReaper) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// GetHistory returns the reaper's run history
func (r *SessionReaper) GetHistory() []RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := make([]RunRecord, len(r.history))
	copy(history, r.history)
	return history
}

// GetActivityLogs returns recent activity logs
func (r *SessionReaper) GetActivityLogs() []ActivityLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logs := make([]ActivityLog, len(r.activityLogs))
	copy(logs, r.activityLogs)
	return logs
}

// GetInstance returns the reaper instance name
func (r *SessionReaper) GetInstance() string {
	return r.instance
}

// TriggerManualRun asks the loop for an immediate run; it reports false when one is already pending
func (r *SessionReaper) TriggerManualRun() bool {
	select {
	case r.manualTrigger <- struct{}{}:
		r.logger.Info(context.Background(), "Manual trigger sent to reaper")
		return true
	default:
		r.logger.Info(context.Background(), "Manual trigger already pending for reaper")
		return false
	}
}

// Pause stops scheduled runs; manual triggers still run
func (r *SessionReaper) Pause(ctx context.Context) {
	r.mu.Lock()
	r.status.IsPaused = true
	r.mu.Unlock()
	r.logger.Info(ctx, "Reaper paused")
	r.logActivity("INFO", fmt.Sprintf("Reaper %s paused", r.instance))
}

// Resume re-enables scheduled runs
func (r *SessionReaper) Resume(ctx context.Context) {
	r.mu.Lock()
	r.status.IsPaused = false
	r.mu.Unlock()
	r.logger.Info(ctx, "Reaper resumed")
	r.logActivity("INFO", fmt.Sprintf("Reaper %s resumed", r.instance))
}

// Shutdown stops the loop and waits for the current run to finish or ctx to expire
func (r *SessionReaper) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-r.done:
		r.logger.Info(ctx, "Reaper shutdown completed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SessionReaper) updateActivity(activity string) {
	r.mu.Lock()
	r.status.CurrentActivity = activity
	r.mu.Unlock()
}

// logActivity appends to the activity ring, dropping the oldest entry when full
func (r *SessionReaper) logActivity(level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activityLogs) >= maxActivityLogs {
		r.activityLogs = r.activityLogs[1:]
	}
	r.activityLogs = append(r.activityLogs, ActivityLog{
		Timestamp: r.timeNow(),
		Level:     level,
		Message:   message,
	})
}
