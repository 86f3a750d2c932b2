package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/dstrelkov/vidveil/internal/store"
)

// SystemHandler serves the service info, health, and stats endpoints.
type SystemHandler struct {
	store          *store.Store
	version        string
	startTime      time.Time
	workers        int
	maxUploadBytes int64
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(st *store.Store, version string, workers int, maxUploadBytes int64) *SystemHandler {
	return &SystemHandler{
		store:          st,
		version:        version,
		startTime:      time.Now(),
		workers:        workers,
		maxUploadBytes: maxUploadBytes,
	}
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getServiceInfo",
		Method:      "GET",
		Path:        "/",
		Summary:     "Service info",
		Description: "Returns service identity, endpoint map, and queue stats",
		Tags:        []string{"System"},
	}, h.GetInfo)

	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns liveness plus queue depth",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      "GET",
		Path:        "/stats",
		Summary:     "Queue and system statistics",
		Description: "Returns queue counters, service limits, and system metrics",
		Tags:        []string{"System"},
	}, h.GetStats)
}

// InfoInput is the input for the service info endpoint.
type InfoInput struct{}

// InfoOutput is the output for the service info endpoint.
type InfoOutput struct {
	Body InfoResponse
}

// InfoResponse describes the service and its endpoints.
type InfoResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
	Queue     store.Stats       `json:"queue"`
}

// GetInfo returns service identity and queue stats.
func (h *SystemHandler) GetInfo(ctx context.Context, input *InfoInput) (*InfoOutput, error) {
	return &InfoOutput{
		Body: InfoResponse{
			Service: "vidveil",
			Version: h.version,
			Endpoints: map[string]string{
				"upload":         "POST /upload",
				"strip_metadata": "POST /strip-metadata",
				"compress_video": "POST /compress-video",
				"task":           "GET /task/{id}",
				"tasks":          "GET /tasks",
				"download":       "GET /download/{id}",
				"cancel":         "POST /cancel/{id}",
				"cleanup":        "POST /cleanup",
				"health":         "GET /health",
				"stats":          "GET /stats",
			},
			Queue: h.store.Stats(),
		},
	}, nil
}

// HealthInput is the input for the health endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status     string `json:"status"`
	QueueSize  int    `json:"queue_size"`
	Processing int    `json:"processing"`
}

// GetHealth returns liveness plus queue depth.
func (h *SystemHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	stats := h.store.Stats()
	return &HealthOutput{
		Body: HealthResponse{
			Status:     "healthy",
			QueueSize:  stats.Pending,
			Processing: stats.Processing,
		},
	}, nil
}

// StatsInput is the input for the stats endpoint.
type StatsInput struct{}

// StatsOutput is the output for the stats endpoint.
type StatsOutput struct {
	Body StatsResponse
}

// StatsResponse carries queue counters, service limits, and system metrics.
type StatsResponse struct {
	Queue         store.Stats `json:"queue"`
	Limits        Limits      `json:"limits"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	System        SystemInfo  `json:"system"`
}

// Limits describes the service's admission limits.
type Limits struct {
	MaxConcurrentTasks int   `json:"max_concurrent_tasks"`
	MaxUploadBytes     int64 `json:"max_upload_bytes"`
}

// SystemInfo carries host-level metrics.
type SystemInfo struct {
	CPUCores        int     `json:"cpu_cores"`
	Load1Min        float64 `json:"load_1min"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`
	MemoryTotalMB   float64 `json:"memory_total_mb"`
	ProcessMemoryMB float64 `json:"process_memory_mb"`
}

// GetStats returns queue counters, limits, and system metrics.
func (h *SystemHandler) GetStats(ctx context.Context, input *StatsInput) (*StatsOutput, error) {
	return &StatsOutput{
		Body: StatsResponse{
			Queue: h.store.Stats(),
			Limits: Limits{
				MaxConcurrentTasks: h.workers,
				MaxUploadBytes:     h.maxUploadBytes,
			},
			UptimeSeconds: time.Since(h.startTime).Seconds(),
			System:        h.systemInfo(),
		},
	}, nil
}

// systemInfo collects host metrics; failures degrade to zero values.
func (h *SystemHandler) systemInfo() SystemInfo {
	info := SystemInfo{CPUCores: runtime.NumCPU()}

	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
	}
	if vmStat, err := mem.VirtualMemory(); err == nil && vmStat != nil {
		info.MemoryUsedMB = float64(vmStat.Used) / 1024 / 1024
		info.MemoryTotalMB = float64(vmStat.Total) / 1024 / 1024
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			info.ProcessMemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}
	return info
}
