package server

import (
	"net/http"
	"time"
)

// handleListModels returns an OpenAI-compatible model list: one entry
// per configured backend (spec.md §6), regardless of live availability
// -- availability is a routing-time concern, not a listing concern.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Registry.ListAPI()

	now := time.Now().Unix()
	data := make([]modelEntry, len(names))
	for i, name := range names {
		data[i] = modelEntry{
			ID:      name,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
