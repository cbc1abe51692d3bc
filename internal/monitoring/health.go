package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/model"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelStatus     `json:"model"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// ModelStatus describes the loaded model, if any.
type ModelStatus struct {
	Loaded        bool   `json:"loaded"`
	Dir           string `json:"dir,omitempty"`
	Mode          string `json:"mode,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	StateLength   int    `json:"state_length,omitempty"`
	VocabSize     int    `json:"vocab_size,omitempty"`
}

type PerformanceInfo struct {
	Generations     int       `json:"generations"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastGeneration  time.Time `json:"last_generation"`
}

// Alert represents a recorded problem
type Alert struct {
	Level     string    `json:"level"`     // warning, error, critical
	Component string    `json:"component"` // engine, pipeline, performance
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

const (
	maxHistory = 1000
	maxAlerts  = 100
)

// HealthMonitor serves /health, /status and /metrics for one process.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	alerts    []Alert
	history   []PerfPoint
	model     ModelStatus
	last      time.Time
	stopped   bool
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until Stop is called. It returns nil after a clean Stop,
// including a Stop that came first.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	if hm.stopped {
		hm.mu.Unlock()
		return nil
	}
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health monitor: %w", err)
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// SetModel records the loaded model.
func (hm *HealthMonitor) SetModel(dir string, mode model.ExecutionMode, p model.ShapeProfile) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.model = ModelStatus{
		Loaded:        true,
		Dir:           dir,
		Mode:          mode.String(),
		BatchSize:     p.BatchSize,
		ContextLength: p.ContextLength,
		StateLength:   p.StateLength,
		VocabSize:     p.VocabSize,
	}
}

// RecordGeneration adds one generation call to the history. A failed call
// raises an engine alert.
func (hm *HealthMonitor) RecordGeneration(tokens int, d time.Duration, err error) {
	hm.mu.Lock()
	now := time.Now()
	hm.last = now
	hm.history = append(hm.history, PerfPoint{Timestamp: now, Tokens: tokens, Duration: d, Failed: err != nil})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert("error", "engine", err.Error())
		return
	}
	if tokens > 0 && d > 0 {
		if tps := float64(tokens) / d.Seconds(); tps < 1.0 {
			hm.AddAlert("warning", "performance", fmt.Sprintf("low throughput: %.2f tokens/sec", tps))
		}
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Timestamp: time.Now()})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hm.mu.RLock()
		alerts := slices.Clone(hm.alerts)
		hm.mu.RUnlock()
		writeJSON(w, http.StatusOK, alerts)
	case http.MethodDelete:
		hm.mu.Lock()
		hm.alerts = hm.alerts[:0]
		hm.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Status computes the current health. Any critical alert makes the process
// critical; an error alert degrades it.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Model:       hm.model,
		Performance: hm.performance(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{Generations: len(hm.history), LastGeneration: hm.last}
	if len(hm.history) == 0 {
		return info
	}

	var tokens, failed int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.history))
	for _, p := range hm.history {
		tokens += p.Tokens
		total += p.Duration
		if p.Failed {
			failed++
		}
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)
	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.history))
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}
