package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"dbcopier/services/store"
)

type userKey struct{}

// authenticate resolves the bearer API key to its owner and stores the user
// id on the request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, errUnauthenticated)
			return
		}

		ctx, cancel := withTimeout(r.Context())
		userID, err := a.keys.UserForAPIKey(ctx, token)
		cancel()
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusUnauthorized, errUnauthenticated)
			return
		case err != nil:
			a.logger.Error().Err(err).Msg("look up api key")
			respondError(w, http.StatusInternalServerError, errors.New("authentication unavailable"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func userFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey{}).(int64)
	return id
}

// rateKey limits per authenticated user, falling back to the client address.
func rateKey(r *http.Request) (string, error) {
	if id := userFrom(r.Context()); id != 0 {
		return "user:" + strconv.FormatInt(id, 10), nil
	}
	return "ip:" + r.RemoteAddr, nil
}
