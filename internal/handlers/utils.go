package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/trailtours/apiserver/types"
)

type contextKey string

const contextUserKey contextKey = "user"

type ErrorResponse struct {
	Error string `json:"error"`
}

// userFromContext returns the user resolved by RequireAuth.
func userFromContext(ctx context.Context) (types.User, error) {
	user, ok := ctx.Value(contextUserKey).(types.User)
	if !ok || user.ID == "" {
		return types.User{}, errors.New("no authenticated user in context")
	}
	return user, nil
}

func withUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, contextUserKey, user)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
