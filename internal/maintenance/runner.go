// Package maintenance runs the daily batch of engine housekeeping tasks.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Trigger sources recorded with each run.
const (
	TriggerHTTP = "http"
	TriggerCron = "cron"
	TriggerCLI  = "cli"
)

const defaultLockTTL = 30 * time.Minute

// Counts is what a task reports about the items it touched.
type Counts struct {
	Processed int
	Failed    int
}

// Task is one named step of a run.
type Task struct {
	Name string
	Run  func(ctx context.Context) (Counts, error)
}

// TaskReport is the outcome of one task.
type TaskReport struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Summary is the persisted and returned report of a run.
type Summary struct {
	Success    bool         `json:"success"`
	RunID      string       `json:"run_id"`
	Trigger    string       `json:"trigger"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Tasks      []TaskReport `json:"tasks"`
}

// Runner executes tasks in order. A failing or panicking task is recorded and
// the remaining tasks still run.
type Runner struct {
	tx      *store.Transactor
	clock   clock.Clock
	tasks   []Task
	locker  Locker
	lockTTL time.Duration
	mu      sync.Mutex
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLocker adds a cross-process lock.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(r *Runner) {
		r.locker = l
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

// NewRunner constructs a Runner over the ordered tasks.
func NewRunner(tx *store.Transactor, clk clock.Clock, tasks []Task, opts ...Option) *Runner {
	if clk == nil {
		clk = clock.Real{}
	}
	r := &Runner{tx: tx, clock: clk, tasks: tasks, lockTTL: defaultLockTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every task once. Overlapping runs are rejected with a
// ConflictState error.
func (r *Runner) Run(ctx context.Context, trigger string) (Summary, error) {
	if !r.mu.TryLock() {
		return Summary{}, apperr.Conflict("maintenance run already in progress")
	}
	defer r.mu.Unlock()

	if r.locker != nil {
		release, ok, errLock := r.locker.Acquire(ctx, r.lockTTL)
		switch {
		case errLock != nil:
			log.WithError(errLock).Warn("maintenance: distributed lock unavailable, continuing with local lock")
		case !ok:
			return Summary{}, apperr.Conflict("maintenance run already in progress")
		default:
			defer release()
		}
	}

	summary := Summary{
		Success:   true,
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: r.clock.Now().UTC(),
		Tasks:     make([]TaskReport, 0, len(r.tasks)),
	}
	logger := log.WithFields(log.Fields{"run_id": summary.RunID, "trigger": trigger})
	logger.Info("maintenance: run started")

	for _, task := range r.tasks {
		report := r.runTask(ctx, task)
		summary.Tasks = append(summary.Tasks, report)
		if !report.Success {
			summary.Success = false
		}
		entry := logger.WithFields(log.Fields{
			"task":        report.Name,
			"processed":   report.Processed,
			"failed":      report.Failed,
			"duration_ms": report.DurationMS,
		})
		if report.Success {
			entry.Info("maintenance: task finished")
		} else {
			entry.WithField("error", report.Error).Error("maintenance: task failed")
		}
	}
	summary.FinishedAt = r.clock.Now().UTC()

	if errSave := r.save(ctx, summary); errSave != nil {
		logger.WithError(errSave).Error("maintenance: persist summary failed")
	}
	logger.WithField("success", summary.Success).Info("maintenance: run finished")
	return summary, nil
}

func (r *Runner) runTask(ctx context.Context, task Task) (report TaskReport) {
	report.Name = task.Name
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithField("task", task.Name).Errorf("maintenance: task panicked: %v\n%s", recovered, debug.Stack())
			report.Success = false
			report.Error = fmt.Sprintf("panic: %v", recovered)
		}
		report.DurationMS = time.Since(started).Milliseconds()
	}()
	if errCtx := ctx.Err(); errCtx != nil {
		report.Error = errCtx.Error()
		return report
	}
	counts, errRun := task.Run(ctx)
	report.Processed = counts.Processed
	report.Failed = counts.Failed
	if errRun != nil {
		report.Error = errRun.Error()
		return report
	}
	report.Success = true
	return report
}

func (r *Runner) save(ctx context.Context, summary Summary) error {
	if r.tx == nil {
		return nil
	}
	raw, errMarshal := json.Marshal(summary)
	if errMarshal != nil {
		return fmt.Errorf("maintenance: marshal summary: %w", errMarshal)
	}
	row := models.MaintenanceRun{
		RunID:      summary.RunID,
		Trigger:    summary.Trigger,
		Success:    summary.Success,
		Summary:    datatypes.JSON(raw),
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
	}
	// The run's own context may already be cancelled; the record still lands.
	return store.Classify(r.tx.DB(context.WithoutCancel(ctx)).Create(&row).Error, "maintenance run")
}

// Recent returns the latest persisted runs, newest first.
func (r *Runner) Recent(ctx context.Context, limit int) ([]models.MaintenanceRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.MaintenanceRun
	if errFind := r.tx.DB(ctx).Order("started_at DESC, id DESC").Limit(limit).Find(&out).Error; errFind != nil {
		return nil, store.Classify(errFind, "maintenance run")
	}
	return out, nil
}
