package services

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"englishkorat_scheduler/config"
	"englishkorat_scheduler/models"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const (
	overallStatusOK       = "ok"
	overallStatusDegraded = "degraded"
	overallStatusCritical = "critical"

	dependencyStatusUp       = "up"
	dependencyStatusDown     = "down"
	dependencyStatusDisabled = "disabled"

	defaultServiceName = "English Korat Scheduler"
	defaultVersion     = "1.0.0"
	defaultTimeout     = 1500 * time.Millisecond
)

// HealthService aggregates health information for the /health endpoint.
type HealthService struct {
	db          *gorm.DB
	redis       *redis.Client
	cfg         *config.Config
	serviceName string
	version     string
	startTime   time.Time
	timeout     time.Duration
}

type HealthReport struct {
	Status        string             `json:"status"`
	Service       string             `json:"service"`
	Version       string             `json:"version"`
	Environment   string             `json:"environment"`
	Time          time.Time          `json:"time"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	UptimeHuman   string             `json:"uptime_human"`
	Dependencies  []DependencyStatus `json:"dependencies"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	Scheduling    SchedulingStatus   `json:"scheduling"`
}

type DependencyStatus struct {
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	LatencyMs int64                  `json:"latency_ms"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type RuntimeMetrics struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	GoVersion      string `json:"go_version"`
}

// SchedulingStatus exposes the scheduler settings and the latest bulk run.
type SchedulingStatus struct {
	Timezone       string                `json:"timezone"`
	Workers        int                   `json:"reschedule_workers"`
	Cron           string                `json:"reschedule_cron"`
	ArchiveReports bool                  `json:"archive_reports"`
	SkipMigrate    bool                  `json:"skip_migrate"`
	LockMode       string                `json:"lock_mode"`
	LastRun        *models.RescheduleRun `json:"last_run,omitempty"`
}

func NewHealthService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, version string) *HealthService {
	if strings.TrimSpace(version) == "" {
		version = defaultVersion
	}
	return &HealthService{
		db:          db,
		redis:       redisClient,
		cfg:         cfg,
		serviceName: defaultServiceName,
		version:     version,
		startTime:   time.Now(),
		timeout:     defaultTimeout,
	}
}

// SetStartTime overrides the start time used for uptime calculations.
func (s *HealthService) SetStartTime(t time.Time) {
	if !t.IsZero() {
		s.startTime = t
	}
}

func (s *HealthService) GetHealthReport(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report := HealthReport{
		Status:      overallStatusOK,
		Service:     s.serviceName,
		Version:     s.version,
		Environment: s.environment(),
		Time:        time.Now().UTC(),
	}

	uptime := time.Since(s.startTime)
	if uptime < 0 {
		uptime = 0
	}
	report.UptimeSeconds = uptime.Seconds()
	report.UptimeHuman = humanizeDuration(uptime)

	dbDep, dbStatus := s.checkDatabase(ctx)
	redisDep, redisStatus := s.checkRedis(ctx)
	report.Dependencies = []DependencyStatus{dbDep, redisDep}
	report.Status = combineStatus(combineStatus(report.Status, dbStatus), redisStatus)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.Runtime = RuntimeMetrics{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		SysBytes:       mem.Sys,
		GoVersion:      runtime.Version(),
	}

	report.Scheduling = s.schedulingStatus(ctx, dbStatus == overallStatusOK)
	return report
}

// HTTPStatusForOverall maps a health status to an HTTP status code.
func (s *HealthService) HTTPStatusForOverall(status string) int {
	if status == overallStatusCritical {
		return 503
	}
	return 200
}

func (s *HealthService) checkDatabase(ctx context.Context) (DependencyStatus, string) {
	dep := DependencyStatus{Name: "mysql"}
	if s.db == nil {
		dep.Status = dependencyStatusDown
		dep.Error = "database connection not initialised"
		return dep, overallStatusCritical
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		dep.Status = dependencyStatusDown
		dep.Error = fmt.Sprintf("sql DB handle error: %v", err)
		return dep, overallStatusCritical
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	dep.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		dep.Status = dependencyStatusDown
		dep.Error = err.Error()
		return dep, overallStatusCritical
	}

	dep.Status = dependencyStatusUp
	stats := sqlDB.Stats()
	dep.Details = map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"max_open_connections": stats.MaxOpenConnections,
	}
	return dep, overallStatusOK
}

// Redis only backs the booking locks, which fall back to in-process locking, so it
// never makes the service critical.
func (s *HealthService) checkRedis(ctx context.Context) (DependencyStatus, string) {
	dep := DependencyStatus{Name: "redis"}
	if s.redis == nil {
		dep.Status = dependencyStatusDisabled
		dep.Details = map[string]interface{}{"lock_mode": "local"}
		return dep, overallStatusOK
	}

	start := time.Now()
	err := s.redis.Ping(ctx).Err()
	dep.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		dep.Status = dependencyStatusDown
		dep.Error = err.Error()
		return dep, overallStatusDegraded
	}
	dep.Status = dependencyStatusUp
	dep.Details = map[string]interface{}{
		"address":   s.redis.Options().Addr,
		"lock_mode": "redis",
	}
	return dep, overallStatusOK
}

func (s *HealthService) schedulingStatus(ctx context.Context, dbUp bool) SchedulingStatus {
	status := SchedulingStatus{LockMode: "local"}
	if s.redis != nil {
		status.LockMode = "redis"
	}
	if s.cfg != nil {
		status.Timezone = s.cfg.Location().String()
		status.Workers = s.cfg.RescheduleWorkers
		status.Cron = s.cfg.RescheduleCron
		status.ArchiveReports = s.cfg.ArchiveReports
		status.SkipMigrate = s.cfg.SkipMigrate
	}
	if !dbUp {
		return status
	}

	var runs []models.RescheduleRun
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(1).Find(&runs).Error; err == nil && len(runs) > 0 {
		status.LastRun = &runs[0]
	}
	return status
}

func (s *HealthService) environment() string {
	if s.cfg == nil || strings.TrimSpace(s.cfg.AppEnv) == "" {
		return "unknown"
	}
	return s.cfg.AppEnv
}

func combineStatus(current, candidate string) string {
	order := map[string]int{
		overallStatusOK:       0,
		overallStatusDegraded: 1,
		overallStatusCritical: 2,
	}
	if _, ok := order[current]; !ok {
		current = overallStatusOK
	}
	if v, ok := order[candidate]; ok && v > order[current] {
		return candidate
	}
	return current
}

func humanizeDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d %= 24 * time.Hour
	hours := d / time.Hour
	d %= time.Hour
	minutes := d / time.Minute
	seconds := (d % time.Minute) / time.Second

	parts := []string{}
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}
