package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-groupnorm/internal/cpu"
	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
	"github.com/23skdu/longbow-groupnorm/internal/logger"
)

const (
	maxHistory = 1000
	maxAlerts  = 100

	// SlowInvocation is the latency above which a warning alert is raised.
	SlowInvocation = time.Second
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Kernel      KernelInfo      `json:"kernel"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion      string `json:"go_version"`
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	NumCPU         int    `json:"num_cpu"`
	MemoryUsedMB   int    `json:"memory_used_mb"`
	TensorMemoryKB int64  `json:"tensor_memory_kb"`
}

type KernelInfo struct {
	Op      string  `json:"op"`
	Epsilon float32 `json:"epsilon"`
	Workers int     `json:"workers"`
}

type PerformanceInfo struct {
	Invocations    int       `json:"invocations"`
	Errors         int       `json:"errors"`
	ErrorRate      float64   `json:"error_rate"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	LastInvocation time.Time `json:"last_invocation"`
	LastError      string    `json:"last_error,omitempty"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"` // info, warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type invocation struct {
	duration time.Duration
	failed   bool
}

// HealthMonitor tracks kernel invocations and serves health and metrics.
type HealthMonitor struct {
	startTime time.Time
	version   string
	kernel    KernelInfo

	mu          sync.RWMutex
	server      *http.Server
	alerts      []Alert
	history     []invocation
	invocations int
	errors      int
	last        time.Time
	lastErr     string
}

func NewHealthMonitor(version string, kernel KernelInfo) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		version:   version,
		kernel:    kernel,
	}
}

// Handler serves /health, /healthz, /status and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr and blocks until Shutdown.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Shutdown(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ObserveInvocation records one kernel run. Caller errors (shape mismatch)
// count against the error rate but do not raise alerts.
func (hm *HealthMonitor) ObserveInvocation(op string, d time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.invocations++
	hm.last = time.Now()
	hm.history = append(hm.history, invocation{duration: d, failed: err != nil})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}

	if err != nil {
		hm.errors++
		hm.lastErr = err.Error()
		if !errors.Is(err, groupnorm.ErrShapeMismatch) {
			hm.addAlertLocked("error", op, fmt.Sprintf("invocation failed: %v", err))
		}
	}
	if d > SlowInvocation {
		hm.addAlertLocked("warning", op, fmt.Sprintf("slow invocation: %.2f ms", float64(d.Nanoseconds())/1e6))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

// Status is healthy unless an unresolved error (degraded) or critical
// alert is present.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Kernel:      hm.kernel,
		Performance: hm.performanceLocked(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		TensorMemoryKB: cpu.AllocatedBytes() / 1024,
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	info := PerformanceInfo{
		Invocations:    hm.invocations,
		Errors:         hm.errors,
		LastInvocation: hm.last,
		LastError:      hm.lastErr,
	}
	if len(hm.history) == 0 {
		return info
	}

	latencies := make([]float64, len(hm.history))
	failed := 0
	for i, inv := range hm.history {
		latencies[i] = float64(inv.duration.Nanoseconds()) / 1e6
		if inv.failed {
			failed++
		}
	}
	sort.Float64s(latencies)

	info.AvgLatencyMs = stat.Mean(latencies, nil)
	info.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	info.ErrorRate = float64(failed) / float64(len(hm.history))
	return info
}
