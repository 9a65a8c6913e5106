package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.submitter.SubmitRun(ctx, userFrom(r.Context()), req)
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			respondValidation(w, verrs)
			return
		}
		a.logger.Error().Err(err).Msg("submit run")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"id": run.ID, "status": run.Status})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	userID := userFrom(r.Context())
	page := pageFrom(r)
	list, total, err := a.store.ListRuns(ctx, userID, page)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	now := a.now()
	data := make([]runView, 0, len(list))
	for _, run := range list {
		copies, err := a.store.ListRunCopies(ctx, run.ID, &userID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		view := viewRun(run, now)
		count := len(copies)
		view.CopiesCount = &count
		data = append(data, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": data, "meta": metaFor(page, total)})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	userID := userFrom(r.Context())
	run, err := a.store.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if run.CreatedByUserID != nil && *run.CreatedByUserID != userID {
		respondError(w, http.StatusForbidden, errForbidden)
		return
	}

	copies, err := a.store.ListRunCopies(ctx, run.ID, &userID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	now := a.now()
	views := make([]copyView, 0, len(copies))
	for _, c := range copies {
		views = append(views, viewCopy(c, now))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"run":    viewRun(run, now),
		"copies": views,
	})
}
