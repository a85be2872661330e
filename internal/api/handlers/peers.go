// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dflexy/metarr/internal/domain"
	"github.com/dflexy/metarr/internal/tracker"
)

const maxPeerBatch = 100

type PeersHandler struct {
	resolver *tracker.PeerResolver
}

func NewPeersHandler(resolver *tracker.PeerResolver) *PeersHandler {
	return &PeersHandler{resolver: resolver}
}

func (h *PeersHandler) Routes(r chi.Router) {
	r.Post("/peers", h.ResolveBulk)
}

// PeersRequest maps info hashes to their candidate announce lists. An empty
// list means "use the dynamic tracker list".
type PeersRequest struct {
	Targets map[string][]string `json:"targets"`
}

type PeersResponse struct {
	Results map[string]domain.PeerCount `json:"results"`
}

func (h *PeersHandler) ResolveBulk(w http.ResponseWriter, r *http.Request) {
	var req PeersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Targets) == 0 {
		RespondError(w, http.StatusBadRequest, "targets must not be empty")
		return
	}
	if len(req.Targets) > maxPeerBatch {
		RespondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d hashes per batch", maxPeerBatch))
		return
	}

	results := h.resolver.ResolveBulk(r.Context(), req.Targets)
	RespondJSON(w, http.StatusOK, PeersResponse{Results: results})
}
