package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dbcopier/services/store"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"message": err.Error()})
}

func respondValidation(w http.ResponseWriter, errs ValidationErrors) {
	respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"message": errs.Error(),
		"errors":  errs,
	})
}

var (
	errForbidden       = errors.New("This action is unauthorized.")
	errNotFound        = errors.New("Not found.")
	errUnauthenticated = errors.New("Unauthenticated.")
)

// respondStoreError maps a store failure to 404 or 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, errNotFound)
		return
	}
	respondError(w, http.StatusInternalServerError, err)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// pageFrom reads ?page=, defaulting to the first page.
func pageFrom(r *http.Request) store.Page {
	n, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || n < 1 {
		n = 1
	}
	return store.Page{Number: n, PerPage: store.DefaultPerPage}
}

type pageMeta struct {
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	Total       int64 `json:"total"`
	LastPage    int64 `json:"last_page"`
}

func metaFor(page store.Page, total int64) pageMeta {
	last := (total + int64(page.PerPage) - 1) / int64(page.PerPage)
	if last < 1 {
		last = 1
	}
	return pageMeta{CurrentPage: page.Number, PerPage: page.PerPage, Total: total, LastPage: last}
}
