package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"dbcopier/services/store"
)

func (a *API) handleCreateCopy(w http.ResponseWriter, r *http.Request) {
	var req CopyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	c, err := a.submitter.SubmitCopy(ctx, userFrom(r.Context()), req)
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			respondValidation(w, verrs)
			return
		}
		a.logger.Error().Err(err).Msg("submit copy")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"id": c.ID, "status": c.Status})
}

// loadOwnedCopy fetches the {id} copy and checks that the caller owns it.
// It writes the error response itself and reports false on failure.
func (a *API) loadOwnedCopy(w http.ResponseWriter, r *http.Request) (store.Copy, bool) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	c, err := a.store.GetCopy(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return store.Copy{}, false
	}
	if c.CreatedByUserID != userFrom(r.Context()) {
		respondError(w, http.StatusForbidden, errForbidden)
		return store.Copy{}, false
	}
	return c, true
}

func (a *API) handleGetCopy(w http.ResponseWriter, r *http.Request) {
	c, ok := a.loadOwnedCopy(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, viewCopy(c, a.now()))
}

func (a *API) handleListCopies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	page := pageFrom(r)
	copies, total, err := a.store.ListCopies(ctx, userFrom(r.Context()), page)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	now := a.now()
	data := make([]copyView, 0, len(copies))
	for _, c := range copies {
		data = append(data, viewCopy(c, now))
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": data, "meta": metaFor(page, total)})
}

func (a *API) handleCopyRows(w http.ResponseWriter, r *http.Request) {
	c, ok := a.loadOwnedCopy(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	rows, err := a.store.ListRows(ctx, c.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

	data := make([]rowView, 0, len(rows))
	for _, row := range rows {
		data = append(data, viewRow(row))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":                    data,
		"source_total_size_bytes": c.TotalSourceSize,
	})
}

func (a *API) handleCopySchema(w http.ResponseWriter, r *http.Request) {
	if a.schemas == nil {
		respondError(w, http.StatusNotFound, errors.New("schema archive is not configured"))
		return
	}
	c, ok := a.loadOwnedCopy(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.schemas.PresignGet(ctx, a.schemas.Key(c.ID), schemaURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": a.now().Add(schemaURLExpiry).Format(isoFormat),
	})
}
