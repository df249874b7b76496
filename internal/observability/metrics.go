package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/platform/envutil"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

// Metrics covers the reliability core: run outcomes, lock contention,
// dedup hits, checkpoint conflicts and the recovery sweep. All methods are
// nil-receiver safe so call sites never guard on METRICS_ENABLED.
type Metrics struct {
	runsStarted   *CounterVec
	runsCompleted *CounterVec
	runsFailed    *CounterVec
	runsCancelled *CounterVec
	runDuration   *HistogramVec
	stepDuration  *HistogramVec

	lockContention *Counter
	lockLost       *Counter

	idempotencyDuplicate *CounterVec
	idempotencyReclaimed *Counter
	idempotencyCleaned   *Counter

	checkpointConflicts *Counter
	checkpointTruncated *Counter

	orphansRequeued  *Counter
	orphansExhausted *Counter

	deadLetters *Counter
	runDepth    *GaugeVec
	pgStats     *GaugeVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			runsStarted:   NewCounterVec("tm_runs_started_total", "Runs moved to running by run type.", []string{"run_type"}),
			runsCompleted: NewCounterVec("tm_runs_completed_total", "Runs completed by run type.", []string{"run_type"}),
			runsFailed:    NewCounterVec("tm_runs_failed_total", "Runs failed by run type and reason.", []string{"run_type", "reason"}),
			runsCancelled: NewCounterVec("tm_runs_cancelled_total", "Runs cancelled by run type.", []string{"run_type"}),
			runDuration: NewHistogramVec(
				"tm_run_duration_seconds",
				"End-to-end run duration in seconds by run type and status.",
				[]string{"run_type", "status"},
				[]float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
			),
			stepDuration: NewHistogramVec(
				"tm_run_step_duration_seconds",
				"Single step duration in seconds by run type and status.",
				[]string{"run_type", "status"},
				[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			),
			lockContention:       NewCounter("tm_lock_contention_total", "Acquire attempts rejected by a live foreign lock."),
			lockLost:             NewCounter("tm_lock_ownership_lost_total", "Executions aborted after losing lock ownership."),
			idempotencyDuplicate: NewCounterVec("tm_idempotency_duplicate_total", "Duplicate deliveries by existing record status.", []string{"status"}),
			idempotencyReclaimed: NewCounter("tm_idempotency_stale_reclaimed_total", "Abandoned pending idempotency records re-armed."),
			idempotencyCleaned:   NewCounter("tm_idempotency_cleaned_total", "Expired idempotency records deleted by cleanup."),
			checkpointConflicts:  NewCounter("tm_checkpoint_version_conflict_total", "Checkpoint saves rejected by version mismatch."),
			checkpointTruncated:  NewCounter("tm_checkpoint_truncated_total", "Checkpoint artifacts stored truncated."),
			orphansRequeued:      NewCounter("tm_orphans_requeued_total", "Orphaned runs returned to pending by the recovery sweep."),
			orphansExhausted:     NewCounter("tm_orphans_exhausted_total", "Orphaned runs failed after exceeding the recovery budget."),
			deadLetters:          NewCounter("tm_dead_letters_total", "Messages parked on the dead-letter stream."),
			runDepth:             NewGaugeVec("tm_run_depth", "Run count by status.", []string{"status"}),
			pgStats:              NewGaugeVec("tm_postgres_stats", "Postgres connection pool stats.", []string{"metric"}),
		}
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.runsStarted, m.runsCompleted, m.runsFailed, m.runsCancelled,
		m.runDuration, m.stepDuration,
		m.lockContention, m.lockLost,
		m.idempotencyDuplicate, m.idempotencyReclaimed, m.idempotencyCleaned,
		m.checkpointConflicts, m.checkpointTruncated,
		m.orphansRequeued, m.orphansExhausted,
		m.deadLetters, m.runDepth, m.pgStats,
	}
	for _, wr := range writers {
		if err := wr.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncRunStarted(runType string) {
	if m == nil {
		return
	}
	m.runsStarted.Inc(orUnknown(runType))
}

func (m *Metrics) ObserveRunFinished(runType, status, failReason string, dur time.Duration) {
	if m == nil {
		return
	}
	runType = orUnknown(runType)
	switch status {
	case domain.RunStatusCompleted:
		m.runsCompleted.Inc(runType)
	case domain.RunStatusFailed:
		m.runsFailed.Inc(runType, orUnknown(failReason))
	case domain.RunStatusCancelled:
		m.runsCancelled.Inc(runType)
	}
	if dur > 0 {
		m.runDuration.Observe(dur.Seconds(), runType, status)
	}
}

func (m *Metrics) ObserveStep(runType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if dur < 0 {
		dur = 0
	}
	m.stepDuration.Observe(dur.Seconds(), orUnknown(runType), orUnknown(status))
}

func (m *Metrics) IncLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *Metrics) IncLockOwnershipLost() {
	if m == nil {
		return
	}
	m.lockLost.Inc()
}

func (m *Metrics) IncIdempotencyDuplicate(status string) {
	if m == nil {
		return
	}
	m.idempotencyDuplicate.Inc(orUnknown(status))
}

func (m *Metrics) IncIdempotencyReclaimed() {
	if m == nil {
		return
	}
	m.idempotencyReclaimed.Inc()
}

func (m *Metrics) AddIdempotencyCleaned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.idempotencyCleaned.Add(float64(n))
}

func (m *Metrics) IncCheckpointConflict() {
	if m == nil {
		return
	}
	m.checkpointConflicts.Inc()
}

func (m *Metrics) IncCheckpointTruncated() {
	if m == nil {
		return
	}
	m.checkpointTruncated.Inc()
}

func (m *Metrics) IncOrphanRequeued() {
	if m == nil {
		return
	}
	m.orphansRequeued.Inc()
}

func (m *Metrics) IncOrphanExhausted() {
	if m == nil {
		return
	}
	m.orphansExhausted.Inc()
}

func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func scrapeInterval() time.Duration {
	return envutil.Duration("METRICS_SCRAPE_INTERVAL", 10*time.Second)
}

// StartRunDepthCollector samples run counts by status so dashboards can see
// backlog and stuck-running drift without querying the API.
func (m *Metrics) StartRunDepthCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []string{
		domain.RunStatusPending, domain.RunStatusRunning,
		domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.runDepth.Set(0, s)
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&domain.Run{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: run depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					m.runDepth.Set(float64(row.Count), orUnknown(strings.TrimSpace(row.Status)))
				}
			}
		}
	}()
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
			}
		}
	}()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
