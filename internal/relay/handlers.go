package relay

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/robolink/robolink/internal/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status          string      `json:"status"`
	Version         string      `json:"version"`
	Uptime          string      `json:"uptime"`
	Connections     int         `json:"connections"`
	IdleConnections int         `json:"idleConnections"`
	Memory          MemoryStats `json:"memory"`
	GoVersion       string      `json:"goVersion"`
	Arch            string      `json:"arch"`
	OS              string      `json:"os"`
}

// MemoryStats is a subset of runtime.MemStats.
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numGC"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(c echo.Context) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatusResponse{
		Status:          "running",
		Version:         version.Version,
		Uptime:          s.Uptime().Round(time.Second).String(),
		Connections:     s.hub.Size(),
		IdleConnections: s.countIdleConnections(c.Request().Context()),
		Memory: MemoryStats{
			Alloc:      memStats.Alloc,
			TotalAlloc: memStats.TotalAlloc,
			Sys:        memStats.Sys,
			NumGC:      memStats.NumGC,
		},
		GoVersion: runtime.Version(),
		Arch:      runtime.GOARCH,
		OS:        runtime.GOOS,
	}

	return c.JSON(http.StatusOK, resp)
}

// countIdleConnections counts registry entries idle past the staleness
// threshold, capped at a few pages so the status endpoint stays cheap.
func (s *Server) countIdleConnections(ctx context.Context) int {
	const pageSize = 100
	const maxPages = 10

	cutoff := time.Now().UTC().Add(-s.cfg.Liveness.Staleness)
	count := 0
	cursor := ""
	for page := 0; page < maxPages; page++ {
		conns, next, err := s.store.ListStaleConnections(ctx, cutoff, cursor, pageSize)
		if err != nil {
			s.logger.Debug().Err(err).Msg("idle connection count failed")
			return count
		}
		count += len(conns)
		if next == "" {
			break
		}
		cursor = next
	}
	return count
}

// handleJobRun handles POST /api/jobs/:name/run. A failed run still
// reports the partial summary accumulated before the failure.
func (s *Server) handleJobRun(c echo.Context) error {
	name := c.Param("name")
	fn, ok := s.jobs[name]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	summary, err := fn(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error":   err.Error(),
			"summary": summary,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":      true,
		"summary": summary,
	})
}
