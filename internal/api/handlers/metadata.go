// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/dflexy/metarr/internal/domain"
	"github.com/dflexy/metarr/internal/metadata"
)

type MetadataHandler struct {
	resolver *metadata.Resolver
}

func NewMetadataHandler(resolver *metadata.Resolver) *MetadataHandler {
	return &MetadataHandler{resolver: resolver}
}

func (h *MetadataHandler) Routes(r chi.Router) {
	r.Get("/metadata/{infoHash}", h.Get)
}

// MetadataResponse is the wire form of resolved metadata.
type MetadataResponse struct {
	InfoHash     string `json:"info_hash"`
	Size         uint64 `json:"size"`
	SizeHuman    string `json:"size_human"`
	Name         string `json:"name,omitempty"`
	CreationDate int64  `json:"creation_date,omitempty"`
	IMDBID       string `json:"imdb,omitempty"`
}

func (h *MetadataHandler) Get(w http.ResponseWriter, r *http.Request) {
	infoHash := chi.URLParam(r, "infoHash")

	meta, err := h.resolver.Resolve(r.Context(), infoHash)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, MetadataResponse{
			InfoHash:     infoHash,
			Size:         meta.SizeBytes,
			SizeHuman:    humanize.Bytes(meta.SizeBytes),
			Name:         meta.Name,
			CreationDate: meta.CreationDate,
			IMDBID:       meta.IMDBID,
		})
	case errors.Is(err, domain.ErrInvalidInfoHash):
		RespondError(w, http.StatusBadRequest, "info hash must be 40 hex characters")
	case errors.Is(err, metadata.ErrResolving):
		RespondError(w, http.StatusAccepted, "resolution in progress, retry shortly")
	default:
		RespondError(w, http.StatusNotFound, "metadata unavailable")
	}
}
