package workspaceapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/studydeck/workspace/internal/app/identity"
	platformauth "github.com/studydeck/workspace/internal/platform/auth"
)

type Handler struct {
	Service       *Service
	Identity      *identity.Service
	AllowedOrigin string
}

func NewHandler(service *Service, identitySvc *identity.Service, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		Identity:      identitySvc,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/workspaces", h.handleCreateWorkspace)
		authR.Get("/api/v1/workspaces", h.handleListWorkspaces)
		authR.Delete("/api/v1/workspaces/{workspaceID}", h.handleDeleteWorkspace)
		authR.Post("/api/v1/workspaces/{workspaceID}/members", h.handleShareWorkspace)
		authR.Patch("/api/v1/workspaces/{workspaceID}/members/role", h.handleUpdateMemberRole)
		authR.Post("/api/v1/workspaces/{workspaceID}/events", h.handleAppendEvent)
		authR.Get("/api/v1/workspaces/{workspaceID}/state", h.handleGetState)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createWorkspaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type shareWorkspaceRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type stateResponse struct {
	State   any   `json:"state"`
	Version int64 `json:"version"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateWorkspace registers the workspace for the caller and seeds its
// event log with the creation event so replay never starts from a bare log.
func (h *Handler) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	ws, err := h.Identity.CreateWorkspace(r.Context(), claims.Subject, req.Name)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidWorkspaceName) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, err = h.Service.Accept(r.Context(), Actor{UserID: claims.Subject, Username: claims.Username}, ws.ID, MutationRequest{
		Action:      "create-workspace",
		Title:       &ws.Name,
		Description: &req.Description,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, ws)
}

func (h *Handler) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	list, err := h.Identity.ListWorkspaces(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	claims := claimsFromContext(r.Context())
	err := h.Identity.DeleteWorkspace(r.Context(), claims.Subject, workspaceID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidWorkspaceID):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrForbiddenWorkspace), errors.Is(err, identity.ErrForbiddenRole):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, identity.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "workspace not found")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleShareWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var req shareWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	err := h.Identity.ShareWorkspace(r.Context(), claims.Subject, workspaceID, req.Username, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidWorkspaceID), errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidRole):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrForbiddenWorkspace), errors.Is(err, identity.ErrForbiddenRole):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, identity.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var req shareWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	err := h.Identity.UpdateMemberRole(r.Context(), claims.Subject, workspaceID, req.Username, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidWorkspaceID), errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidRole):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrForbiddenWorkspace), errors.Is(err, identity.ErrForbiddenRole):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, identity.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "user not found")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	claims := claimsFromContext(r.Context())
	role, err := h.Identity.EnsureMemberRole(r.Context(), claims.Subject, workspaceID)
	if err != nil {
		h.writeMembershipError(w, err)
		return
	}
	if !identity.CanEdit(role) {
		h.writeError(w, http.StatusForbidden, "viewer role cannot append events")
		return
	}

	resp, err := h.Service.Accept(r.Context(), Actor{UserID: claims.Subject, Username: claims.Username}, workspaceID, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrWorkspaceRequired),
			errors.Is(err, ErrItemRequired),
			errors.Is(err, ErrItemsRequired),
			errors.Is(err, ErrItemIDRequired),
			errors.Is(err, ErrChangesRequired),
			errors.Is(err, ErrLayoutsRequired),
			errors.Is(err, ErrTitleRequired),
			errors.Is(err, ErrFolderRequired),
			errors.Is(err, ErrStateRequired),
			errors.Is(err, ErrUnsupportedAction):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrUnknownFolder), errors.Is(err, ErrItemNotFound):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	claims := claimsFromContext(r.Context())
	if _, err := h.Identity.EnsureMemberRole(r.Context(), claims.Subject, workspaceID); err != nil {
		h.writeMembershipError(w, err)
		return
	}

	state, version := h.Service.Loader.LoadWorkspaceState(r.Context(), workspaceID)
	h.writeJSON(w, http.StatusOK, stateResponse{State: state, Version: version})
}

func (h *Handler) writeMembershipError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidWorkspaceID):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrForbiddenWorkspace):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" {
		return "*"
	}
	if allowed == "*" {
		return allowed
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := r.Context()
		ctx = contextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
