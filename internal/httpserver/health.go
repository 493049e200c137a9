package httpserver

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/dbvideostriketeam/wubloader/internal/database"
)

// HealthHandler serves the component health endpoint.
type HealthHandler struct {
	component string
	version   string
	startTime time.Time
	db        *database.DB
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(component, version string) *HealthHandler {
	return &HealthHandler{
		component: component,
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB adds a database liveness check.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status     string  `json:"status" example:"ok"`
	Component  string  `json:"component" example:"restreamer"`
	Version    string  `json:"version" example:"1.0.0"`
	UptimeSecs float64 `json:"uptime_seconds"`
	Goroutines int     `json:"goroutines"`

	MemoryUsedPercent float64 `json:"memory_used_percent"`
	Load1             float64 `json:"load_1"`

	Database string `json:"database,omitempty" example:"ok"`
}

// HealthOutput wraps the body for huma.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/healthz",
		Summary:     "Health check",
		Description: "Returns component liveness plus coarse system metrics.",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the component.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	resp := HealthResponse{
		Status:     "ok",
		Component:  h.component,
		Version:    h.version,
		UptimeSecs: time.Since(h.startTime).Seconds(),
		Goroutines: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsedPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load1 = avg.Load1
	}

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.db.Ping(pingCtx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
		} else {
			resp.Database = "ok"
		}
	}

	return &HealthOutput{Body: resp}, nil
}
