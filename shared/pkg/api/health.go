package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health reports liveness, store reachability and a host snapshot
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: "healthy",
		Store:  "ok",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	}
	status := http.StatusOK
	if err := h.orch.HealthCheck(ctx); err != nil {
		h.logger.WithError(err).Warn("Store health check failed")
		resp.Status = "degraded"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.hostStats {
		resp.Host = hostSnapshot()
	}
	writeJSON(w, status, resp)
}

// hostSnapshot never blocks: cpu.Percent(0) reports usage since the previous call.
func hostSnapshot() *HostSnapshot {
	snap := &HostSnapshot{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsed = vm.Used
	}
	return snap
}
