// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dflexy/metarr/internal/kv"
)

type HealthHandler struct {
	store kv.Store
}

// NewHealthHandler reports liveness plus shared-store reachability. store
// may be nil when the engine runs local-only.
func NewHealthHandler(store kv.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/healthz", h.Get)
}

func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	store := "disabled"
	if h.store != nil {
		store = "ok"
		if err := h.store.Ping(r.Context()); err != nil {
			store = "degraded"
		}
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"store":  store,
	})
}
