package server

import (
	"net/http"
	"strconv"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/teranos/vetta/logger"
	"github.com/teranos/vetta/module"
	"github.com/teranos/vetta/stats"
	"github.com/teranos/vetta/version"
)

// maxTopTags caps the n parameter of /stats
const maxTopTags = 100

// HandleToken issues or returns the caller's API token as plain text
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	email := query.Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if s.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token issuance not configured")
		return
	}

	token, err := s.deps.Tokens.Issue(r.Context(), email, query.Has("renew"))
	if err != nil {
		writeWrappedError(w, logger.FromContext(r.Context(), s.logger), err, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeText(w, http.StatusOK, token)
}

// HandleStats serves the image count and the most frequent tags
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics not configured")
		return
	}

	n := stats.DefaultTopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(parsed, maxTopTags)
	}

	summary, err := s.deps.Stats.Summary(r.Context(), n)
	if err != nil {
		writeWrappedError(w, logger.FromContext(r.Context(), s.logger), err, "failed to read statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ModulesResponse lists the active module set
type ModulesResponse struct {
	Version uint64            `json:"version"`
	Modules []module.Metadata `json:"modules"`
}

// HandleModules describes the modules of the current snapshot
func (s *Server) HandleModules(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Registry.Snapshot()
	writeJSON(w, http.StatusOK, ModulesResponse{
		Version: snap.Version(),
		Modules: snap.Describe(),
	})
}

// MemoryStats is the host memory summary reported by /healthz
type MemoryStats struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status          string                         `json:"status"`
	Version         string                         `json:"version"`
	Commit          string                         `json:"commit"`
	RegistryVersion uint64                         `json:"registry_version"`
	Modules         map[string]module.HealthStatus `json:"modules"`
	Clients         int                            `json:"clients"`
	Memory          *MemoryStats                   `json:"memory,omitempty"`
}

// HandleHealth reports service and module health.
// Unhealthy modules degrade the status but never fail the request.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	modules := s.deps.Registry.Health(r.Context())

	status := "ok"
	for _, h := range modules {
		if !h.Healthy {
			status = "degraded"
			break
		}
	}

	resp := HealthResponse{
		Status:          status,
		Version:         versionInfo.Version,
		Commit:          versionInfo.Short(),
		RegistryVersion: s.deps.Registry.Snapshot().Version(),
		Modules:         modules,
		Clients:         s.hub.count(),
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.logger.Debugw("Failed to get memory stats", "error", err)
	} else {
		resp.Memory = &MemoryStats{
			Total:       vm.Total,
			Available:   vm.Available,
			UsedPercent: vm.UsedPercent,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
