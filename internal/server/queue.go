package server

import (
	"net/http"

	gateway "github.com/quietloop/llmgate/internal"
)

// queueStatusEntry mirrors one local backend's pool occupancy
// (spec.md §6).
type queueStatusEntry struct {
	Backend       string `json:"backend"`
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	MaxConcurrent int    `json:"max_concurrent"`
	QueueDepth    int    `json:"queue_depth"`
}

type queueStatusResponse struct {
	Backends []queueStatusEntry `json:"backends"`
}

// handleQueueStatus reports current pool occupancy for every registered
// local backend. Remote backends have no pool and are omitted.
func (s *server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	resp := queueStatusResponse{Backends: []queueStatusEntry{}}

	if s.deps.Registry == nil || s.deps.Pools == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	for _, a := range s.deps.Registry.ListAll() {
		if a.Kind() != gateway.KindLocal {
			continue
		}
		p := s.deps.Pools.Get(a.Name())
		if p == nil {
			continue
		}
		stats := p.StatsSnapshot()
		resp.Backends = append(resp.Backends, queueStatusEntry{
			Backend:       a.Name(),
			Active:        stats.Active,
			Queued:        stats.Queued,
			MaxConcurrent: stats.MaxConcurrent,
			QueueDepth:    stats.QueueDepth,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
