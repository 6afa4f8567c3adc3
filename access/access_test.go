package access

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/gymops/rbac"
	"github.com/talosaether/gymops/users"
)

// stubProfiles is an in-memory RoleStore. A channel in gates holds
// GetProfile for that id until it is closed.
type stubProfiles struct {
	mu       sync.Mutex
	profiles map[string]users.Profile
	gates    map[string]chan struct{}
	entered  chan string
	fetchErr error
	setErr   error
	fetches  int
}

func newStubProfiles(profiles ...users.Profile) *stubProfiles {
	s := &stubProfiles{
		profiles: map[string]users.Profile{},
		gates:    map[string]chan struct{}{},
		entered:  make(chan string, 16),
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *stubProfiles) gate(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[id] = ch
	return ch
}

func (s *stubProfiles) GetProfile(ctx context.Context, id string) (*users.Profile, error) {
	s.mu.Lock()
	s.fetches++
	gate := s.gates[id]
	s.mu.Unlock()

	select {
	case s.entered <- id:
	default:
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	p, ok := s.profiles[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return &p, nil
}

func (s *stubProfiles) SetRole(ctx context.Context, id string, role rbac.RoleID) (*users.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return nil, s.setErr
	}
	p, ok := s.profiles[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	p.Role = role
	s.profiles[id] = p
	return &p, nil
}

func (s *stubProfiles) role(id string) rbac.RoleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[id].Role
}

func profile(id string, role rbac.RoleID) users.Profile {
	return users.Profile{ID: id, Email: id + "@example.com", Role: role}
}

func snapshotOf(id string, role rbac.RoleID) *Snapshot {
	p := profile(id, role)
	return ReadyFor(&p)
}

type payment struct {
	ID     string
	UserID string
}

func (p payment) OwnerID() string { return p.UserID }

func TestSnapshot_EmptyListsConvention(t *testing.T) {
	states := map[string]*Snapshot{
		"nil":           nil,
		"uninitialized": uninitialized(),
		"loading":       loading(1),
		"signed out":    signedOut(1),
		"admin":         snapshotOf("a", rbac.RoleAdmin),
		"member":        snapshotOf("m", rbac.RoleMember),
	}
	for name, s := range states {
		t.Run(name, func(t *testing.T) {
			assert.True(t, s.HasAllPermissions())
			assert.False(t, s.HasAnyPermission())
		})
	}
}

func TestSnapshot_UnauthenticatedDeniesEverything(t *testing.T) {
	items := []payment{{"p1", "u1"}, {"p2", "u2"}}
	for name, s := range map[string]*Snapshot{
		"nil":           nil,
		"uninitialized": uninitialized(),
		"loading":       loading(3),
		"signed out":    ReadyFor(nil),
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, s.Authenticated())
			for _, c := range rbac.Capabilities() {
				assert.False(t, s.HasPermission(c), c.Key())
			}
			assert.False(t, s.HasPermissionKey("canViewDashboard"))
			assert.False(t, s.HasAnyPermission(rbac.Capabilities()...))
			assert.False(t, s.HasAllPermissions(rbac.CanViewDashboard))
			for _, role := range rbac.Roles() {
				assert.False(t, s.IsRole(role))
			}
			assert.False(t, s.RequireRole(rbac.Roles()...))
			assert.False(t, s.HasRoleLevel(0))
			assert.False(t, s.HasRoleLevel(rbac.LevelMember))
			assert.Empty(t, FilterByAccess(s, items, ScopeAll))
			assert.Empty(t, FilterByAccess(s, items, ScopeOwn))
			assert.Nil(t, s.User())
			assert.Empty(t, s.UserID())
			assert.Empty(t, s.AssignableRoles())
		})
	}
}

func TestSnapshot_Queries(t *testing.T) {
	trainer := snapshotOf("t1", rbac.RoleTrainer)

	assert.True(t, trainer.Authenticated())
	assert.Equal(t, StateReady, trainer.State())
	assert.Equal(t, "t1", trainer.UserID())
	assert.Equal(t, rbac.RoleTrainer, trainer.Role())
	assert.Equal(t, rbac.MatrixFor(rbac.RoleTrainer), trainer.Matrix())

	assert.True(t, trainer.HasPermission(rbac.CanViewAllMembers))
	assert.False(t, trainer.HasPermission(rbac.CanManageUsers))
	assert.True(t, trainer.HasPermissionKey("canManageSchedule"))
	assert.False(t, trainer.HasPermissionKey("canFly"))
	assert.True(t, trainer.HasAnyPermission(rbac.CanManageUsers, rbac.CanViewReports))
	assert.False(t, trainer.HasAnyPermission(rbac.CanManageUsers, rbac.CanManageSystem))
	assert.True(t, trainer.HasAllPermissions(rbac.CanViewReports, rbac.CanSendMessages))
	assert.False(t, trainer.HasAllPermissions(rbac.CanViewReports, rbac.CanExportReports))

	assert.True(t, trainer.IsRole(rbac.RoleTrainer))
	assert.False(t, trainer.IsRole(rbac.RoleAdmin))
	assert.True(t, trainer.RequireRole(rbac.RoleAdmin, rbac.RoleTrainer))
	assert.False(t, trainer.RequireRole())
	assert.True(t, trainer.HasRoleLevel(rbac.LevelTrainer))
	assert.False(t, trainer.HasRoleLevel(rbac.LevelAdmin))
	assert.Equal(t, []rbac.RoleID{rbac.RoleMember}, trainer.AssignableRoles())
}

func TestSnapshot_UnknownRoleGrantsNothing(t *testing.T) {
	s := snapshotOf("x", "owner")

	assert.True(t, s.Authenticated())
	assert.Equal(t, rbac.RoleID("owner"), s.Role())
	assert.Equal(t, rbac.Matrix{}, s.Matrix())
	assert.False(t, s.IsRole("owner"))
	assert.False(t, s.HasRoleLevel(0))
	assert.Empty(t, s.AssignableRoles())
}

func TestFilterByAccess_MemberSeesOnlyOwn(t *testing.T) {
	all := []payment{{"p1", "m1"}, {"p2", "m2"}, {"p3", "m1"}, {"p4", "t1"}}
	member := snapshotOf("m1", rbac.RoleMember)

	want := []payment{{"p1", "m1"}, {"p3", "m1"}}
	assert.Equal(t, want, FilterByAccess(member, all, ScopeAll))
	assert.Equal(t, want, FilterByAccess(member, all, ScopeOwn))
}

func TestFilterByAccess_ViewAll(t *testing.T) {
	all := []payment{{"p1", "m1"}, {"p2", "m2"}, {"p3", "t1"}}
	trainer := snapshotOf("t1", rbac.RoleTrainer)

	assert.Equal(t, all, FilterByAccess(trainer, all, ScopeAll))
	assert.Equal(t, []payment{{"p3", "t1"}}, FilterByAccess(trainer, all, ScopeOwn))

	// Trainers may see every member but not every payment ledger entry.
	assert.Equal(t, []payment{{"p3", "t1"}}, FilterByCapability(trainer, all, rbac.CanManagePayments, ScopeAll))
	admin := snapshotOf("a1", rbac.RoleAdmin)
	assert.Equal(t, all, FilterByCapability(admin, all, rbac.CanManagePayments, ScopeAll))
}

func TestGuards(t *testing.T) {
	admin := snapshotOf("a", rbac.RoleAdmin)
	trainer := snapshotOf("t", rbac.RoleTrainer)
	member := snapshotOf("m", rbac.RoleMember)
	var nobody *Snapshot

	tests := []struct {
		name  string
		guard Guard
		allow []*Snapshot
		deny  []*Snapshot
	}{
		{"permission", Permission(rbac.CanViewAllMembers), []*Snapshot{admin, trainer}, []*Snapshot{member, nobody}},
		{"any", AnyPermission(rbac.CanBookClasses, rbac.CanManageUsers), []*Snapshot{admin, member}, []*Snapshot{trainer, nobody}},
		{"any of none", AnyPermission(), nil, []*Snapshot{admin, member, nobody}},
		{"all", AllPermissions(rbac.CanViewReports, rbac.CanExportReports), []*Snapshot{admin}, []*Snapshot{trainer, member, nobody}},
		{"all of none", AllPermissions(), []*Snapshot{admin, member}, []*Snapshot{nobody, ReadyFor(nil)}},
		{"roles", Roles(rbac.RoleAdmin, rbac.RoleTrainer), []*Snapshot{admin, trainer}, []*Snapshot{member, nobody}},
		{"min level", MinLevel(rbac.LevelTrainer), []*Snapshot{admin, trainer}, []*Snapshot{member, nobody}},
		{"nil guard", nil, nil, []*Snapshot{admin}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range tt.allow {
				assert.True(t, tt.guard.Allows(s), s.UserID())
				assert.Equal(t, "children", Render(tt.guard, s, "children", "fallback"))
			}
			for _, s := range tt.deny {
				assert.False(t, tt.guard.Allows(s), s.UserID())
				assert.Equal(t, "fallback", Render(tt.guard, s, "children", "fallback"))
			}
		})
	}
}

func TestGuard_Middleware(t *testing.T) {
	handler := Permission(rbac.CanManageUsers).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("users"))
	}))

	serve := func(s *Snapshot) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		if s != nil {
			req = req.WithContext(WithSnapshot(req.Context(), s))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(snapshotOf("a", rbac.RoleAdmin))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "users", rec.Body.String())

	for _, s := range []*Snapshot{snapshotOf("m", rbac.RoleMember), nil} {
		rec = serve(s)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "access denied\n", rec.Body.String())
	}
}

func TestGuard_MiddlewareWithFallback(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Roles(rbac.RoleAdmin).MiddlewareWithFallback(fallback)(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestSnapshotContextHelpers(t *testing.T) {
	assert.Nil(t, SnapshotFromContext(context.Background()))
	s := snapshotOf("a", rbac.RoleAdmin)
	assert.Same(t, s, SnapshotFromContext(WithSnapshot(context.Background(), s)))
}

func TestStubProfiles_NotFound(t *testing.T) {
	s := newStubProfiles()
	_, err := s.GetProfile(context.Background(), "ghost")
	require.True(t, errors.Is(err, users.ErrNotFound))
}
