package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/talosaether/gymops/access"
	"github.com/talosaether/gymops/rbac"
	"github.com/talosaether/gymops/users"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type meResponse struct {
	Profile         *users.Profile  `json:"profile"`
	Role            rbac.RoleID     `json:"role"`
	Permissions     map[string]bool `json:"permissions"`
	AssignableRoles []rbac.RoleID   `json:"assignable_roles"`
}

type roleView struct {
	ID          rbac.RoleID `json:"id"`
	DisplayName string      `json:"display_name"`
	Level       int         `json:"level"`
}

type roleSummary struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
}

type userPermissions struct {
	UserID      string          `json:"user_id"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions"`
}

type changeRoleRequest struct {
	Role    rbac.RoleID `json:"role"`
	Confirm bool        `json:"confirm"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.auth.Login(r.Context(), w, req.Email, req.Password)
	switch {
	case errors.Is(err, users.ErrNotFound), errors.Is(err, users.ErrWrongPassword):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		UserID:    session.UserID,
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), w, r); err != nil {
		s.logger.Error("logout failed", "error", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	snap := access.SnapshotFromContext(r.Context())
	if !snap.Authenticated() {
		access.Deny(w)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Profile:         snap.User(),
		Role:            snap.Role(),
		Permissions:     snap.Matrix().Map(),
		AssignableRoles: nonNil(snap.AssignableRoles()),
	})
}

func (s *Server) handleAssignableRoles(w http.ResponseWriter, r *http.Request) {
	snap := access.SnapshotFromContext(r.Context())
	out := []roleView{}
	for _, id := range snap.AssignableRoles() {
		role, err := rbac.LookupRole(id)
		if err != nil {
			continue
		}
		out = append(out, roleView{ID: role.ID, DisplayName: role.DisplayName, Level: role.Level})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMembers lists the profiles the caller may see: everyone with
// canViewAllMembers, otherwise only their own.
func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.users.List(r.Context())
	if err != nil {
		s.logger.Error("list profiles", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list members")
		return
	}
	snap := access.SnapshotFromContext(r.Context())
	writeJSON(w, http.StatusOK, nonNil(access.FilterByAccess(snap, profiles, access.ScopeAll)))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.users.List(r.Context())
	if err != nil {
		s.logger.Error("list profiles", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list users")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(profiles))
}

// handleRoles lists every role, highest first, with its permission ids.
func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	roles := s.perms.GetAllRoles()
	out := make([]roleSummary, 0, len(roles))
	for _, id := range roles {
		out = append(out, roleSummary{ID: id, Permissions: nonNil(s.perms.GetRolePermissions(id))})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUserPermissions shows another user's capabilities as their stored
// role grants them now, whether or not they are signed in.
func (s *Server) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	role, ok := s.perms.RoleOf(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "no role on record")
		return
	}
	writeJSON(w, http.StatusOK, userPermissions{
		UserID:      id,
		Role:        string(role),
		Permissions: s.perms.Matrix(string(role)),
	})
}

func (s *Server) handleUserCan(w http.ResponseWriter, r *http.Request) {
	capability := chi.URLParam(r, "capability")
	if _, ok := rbac.ParseCapability(capability); !ok {
		writeError(w, http.StatusBadRequest, "unknown capability")
		return
	}
	allowed := s.perms.Can(r.Context(), chi.URLParam(r, "id"), capability)
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap := access.SnapshotFromContext(r.Context())
	updated, err := s.access.Roles().Change(r.Context(), snap, chi.URLParam(r, "id"), req.Role, req.Confirm)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, updated)
	case errors.Is(err, access.ErrConfirmationRequired):
		writeError(w, http.StatusConflict, "confirmation required")
	case errors.Is(err, access.ErrNotAuthenticated), errors.Is(err, access.ErrForbidden):
		access.Deny(w)
	case errors.Is(err, users.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	default:
		s.logger.Error("role change failed", "error", err)
		writeError(w, http.StatusInternalServerError, "role change failed")
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
