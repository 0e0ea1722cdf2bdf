// Package statusserver exposes a small read-only HTTP surface for inspecting
// a running sampler: loop state, host self-stats, and the latest sample.
package statusserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/internal/sampler"
	"github.com/perflab/devicepulse/pkg/observer"
)

// StatusProvider reports the sampler loop snapshot.
type StatusProvider interface {
	Status() sampler.Status
}

// Handler serves the status endpoints. The latest sample arrives through
// SampleObserver, so the handler never reaches into the loop's internals.
type Handler struct {
	provider StatusProvider

	mu     sync.RWMutex
	latest domain.MetricSample
	has    bool
}

// NewHandler builds a handler over the given status provider.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// SampleObserver returns an observer that caches each published sample for
// the /metrics/latest endpoint.
func (h *Handler) SampleObserver() observer.Observer[domain.MetricSample] {
	return observer.ObserverFunc[domain.MetricSample](func(_ context.Context, s domain.MetricSample) error {
		h.mu.Lock()
		h.latest = s
		h.has = true
		h.mu.Unlock()
		return nil
	})
}

// Ping handles `GET /ping`.
func (h *Handler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

type hostStats struct {
	CPUPct     float64 `json:"cpuPct"`
	MemUsedPct float64 `json:"memUsedPct"`
	MemTotalMB float64 `json:"memTotalMB"`
}

type statusResponse struct {
	Sampler sampler.Status `json:"sampler"`
	Host    hostStats      `json:"host"`
}

// Status handles `GET /status` with the loop snapshot plus host self-stats.
// Host stats are best effort; a probe failure leaves them zeroed.
func (h *Handler) Status(c *gin.Context) {
	resp := statusResponse{Sampler: h.provider.Status()}

	if pcts, err := cpu.PercentWithContext(c.Request.Context(), 0, false); err == nil && len(pcts) > 0 {
		resp.Host.CPUPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		resp.Host.MemUsedPct = vm.UsedPercent
		resp.Host.MemTotalMB = float64(vm.Total) / 1024 / 1024
	}

	c.JSON(http.StatusOK, resp)
}

// LatestSample handles `GET /metrics/latest`, returning 204 until the first
// sample has been written.
func (h *Handler) LatestSample(c *gin.Context) {
	h.mu.RLock()
	s, ok := h.latest, h.has
	h.mu.RUnlock()

	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, s)
}
