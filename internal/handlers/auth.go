package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/trailtours/apiserver/internal/auth"
	"github.com/trailtours/apiserver/internal/services"
	"github.com/trailtours/apiserver/types"
	"go.uber.org/zap"
)

// AuthHandler exposes the auth service over HTTP. It owns no logic
// beyond decoding requests and mapping error kinds to status codes.
type AuthHandler struct {
	authService *services.AuthService
	logger      *zap.Logger
}

func NewAuthHandler(authService *services.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, logger: logger}
}

// UserRouter registers the user-facing auth routes on the given router.
func UserRouter(r chi.Router, authService *services.AuthService, logger *zap.Logger) {
	handler := NewAuthHandler(authService, logger)

	r.Post("/signup", handler.Signup)
	r.Post("/login", handler.Login)
	r.Post("/forgot-password", handler.ForgotPassword)
	r.Patch("/reset-password/{token}", handler.ResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireAuth)
		r.Get("/me", handler.Me)
		r.Patch("/update-my-password", handler.UpdateMyPassword)
		r.Delete("/deactivate-me", handler.DeactivateMe)
		r.With(handler.RequireRoles(types.RoleAdmin)).Delete("/{id}", handler.DeactivateUser)
	})
}

// RequireAuth resolves the bearer token into a user once and stores the
// typed value in the request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authService.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// RequireRoles gates a route on the resolved user's role. Must run
// after RequireAuth.
func (h *AuthHandler) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := userFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if err := h.authService.Authorize(user, roles...); err != nil {
				h.writeServiceError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Signup creates a new account and returns a session token.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, token, err := h.authService.Signup(r.Context(), req.Name, req.Email, req.Password, req.PasswordConfirm)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AuthResponse{Token: token, User: user})
}

// Login verifies credentials and returns a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, token, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// ForgotPassword mails a one-time reset secret to the account's email.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.authService.ForgotPassword(r.Context(), req.Email); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "reset token sent to email"})
}

// ResetPassword redeems the mailed secret for a new password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	token, err := h.authService.ResetPassword(r.Context(), chi.URLParam(r, "token"), req.Password, req.PasswordConfirm)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Token: token})
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user.Sanitized())
}

// UpdateMyPassword rotates the authenticated user's password.
func (h *AuthHandler) UpdateMyPassword(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req PasswordUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	token, err := h.authService.ChangePassword(r.Context(), user, req.CurrentPassword, req.Password, req.PasswordConfirm)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Token: token})
}

// DeactivateMe soft-deletes the authenticated user's own account.
func (h *AuthHandler) DeactivateMe(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.authService.Deactivate(r.Context(), user); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateUser soft-deletes another account. Admin only.
func (h *AuthHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.authService.Deactivate(r.Context(), types.User{ID: id}); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SignupRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type PasswordUpdateRequest struct {
	CurrentPassword string `json:"current_password,omitempty"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type AuthResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// writeServiceError maps the service's error kinds to status codes.
// Anything unrecognized is a server fault and stays opaque to the caller.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation),
		errors.Is(err, auth.ErrResetTokenInvalid),
		errors.Is(err, auth.ErrPasswordUnchanged):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrStalePassword),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrDelivery):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
