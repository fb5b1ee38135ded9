package metrics

import (
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names recorded by the services.
const (
	OpPushIntake    = "push_intake"
	OpDetect        = "detect"
	OpRefresh       = "refresh"
	OpWatchRegister = "watch_register"
	OpNotify        = "notify"
)

// Registry owns the latency trackers and counters of one process. It is
// injected into the components that record into it.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	counters map[string]*atomic.Int64
	window   int
	db       *sql.DB
	started  time.Time
}

func NewRegistry(windowSize int) *Registry {
	return &Registry{
		trackers: make(map[string]*LatencyTracker),
		counters: make(map[string]*atomic.Int64),
		window:   windowSize,
		started:  time.Now(),
	}
}

// WatchDB adds connection pool statistics to snapshots.
func (r *Registry) WatchDB(db *sql.DB) {
	r.mu.Lock()
	r.db = db
	r.mu.Unlock()
}

// Observe records the latency of op.
func (r *Registry) Observe(op string, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.RLock()
	tracker, ok := r.trackers[op]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[op]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[op] = tracker
		}
		r.mu.Unlock()
	}
	tracker.Record(d)
}

// Since is Observe(op, time.Since(start)), handy with defer.
func (r *Registry) Since(op string, start time.Time) {
	r.Observe(op, time.Since(start))
}

// Inc increments a named counter.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

func (r *Registry) Add(name string, delta int64) {
	if r == nil {
		return
	}
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[name]; !ok {
			c = new(atomic.Int64)
			r.counters[name] = c
		}
		r.mu.Unlock()
	}
	c.Add(delta)
}

// Counter returns the current value of name.
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Latency returns stats for op.
func (r *Registry) Latency(op string) LatencyStats {
	r.mu.RLock()
	tracker, ok := r.trackers[op]
	r.mu.RUnlock()
	if !ok {
		return LatencyStats{}
	}
	return tracker.Stats()
}

// Snapshot renders everything as a JSON-friendly map.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	ops := make([]string, 0, len(r.trackers))
	for op := range r.trackers {
		ops = append(ops, op)
	}
	counters := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		counters[name] = c.Load()
	}
	db := r.db
	r.mu.RUnlock()

	sort.Strings(ops)
	latency := make(map[string]any, len(ops))
	for _, op := range ops {
		latency[op] = r.Latency(op).ToMap()
	}

	out := map[string]any{
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
		"latency":        latency,
		"counters":       counters,
	}
	if db != nil {
		stats := GetDBPoolStats(db)
		out["db_pool"] = stats.ToMap()
		out["db_health"] = AssessDBPoolHealth(stats)
	}
	return out
}

// DBPoolStats holds database connection pool statistics.
type DBPoolStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
	WaitCount          int64
	WaitDuration       time.Duration
}

func (s DBPoolStats) ToMap() map[string]any {
	return map[string]any{
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"max_open_connections": s.MaxOpenConnections,
		"wait_count":           s.WaitCount,
		"wait_duration_ms":     s.WaitDuration.Milliseconds(),
	}
}

func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}
	stats := db.Stats()
	return DBPoolStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}
}

// PoolHealthStatus indicates the health of a connection pool.
type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// AssessDBPoolHealth evaluates the health of a database pool.
func AssessDBPoolHealth(stats DBPoolStats) PoolHealthStatus {
	if stats.MaxOpenConnections == 0 {
		return PoolHealthy
	}

	utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections)
	switch {
	case utilization >= 0.95:
		return PoolUnhealthy
	case utilization >= 0.80:
		return PoolDegraded
	case stats.WaitCount > 0 && stats.WaitDuration > 5*time.Second:
		return PoolDegraded
	}
	return PoolHealthy
}
