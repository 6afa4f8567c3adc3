package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/gymops"
	"github.com/talosaether/gymops/access"
	"github.com/talosaether/gymops/auth"
	"github.com/talosaether/gymops/cache"
	"github.com/talosaether/gymops/console"
	"github.com/talosaether/gymops/events"
	"github.com/talosaether/gymops/permissions"
	"github.com/talosaether/gymops/rbac"
	"github.com/talosaether/gymops/users"
)

const password = "password123"

type stack struct {
	app    *gymops.App
	users  *users.Module
	auth   *auth.Module
	access *access.Module
	redis  *miniredis.Miniredis
	server *httptest.Server
}

// setupStack writes a config file the way an operator would and builds the
// whole console on it, with the profile cache in (mini)redis.
func setupStack(t *testing.T) *stack {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	config := fmt.Sprintf(`
gymops:
  env: test
  log_level: error
users:
  db_path: %s
auth:
  db_path: %s
  session_ttl: 1h
cache:
  provider: redis
  redis_addr: ${E2E_REDIS_ADDR}
  key_prefix: "e2e:"
access:
  profile_ttl: 5m
`, filepath.Join(dir, "users.db"), filepath.Join(dir, "sessions.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	t.Setenv("E2E_REDIS_ADDR", mr.Addr())

	registry := prometheus.NewRegistry()
	s := &stack{
		users:  users.New(),
		auth:   auth.New(),
		access: access.New(access.WithRegistry(registry)),
		redis:  mr,
	}
	s.app = gymops.New(gymops.WithConfigFile(path))
	for _, mod := range []gymops.Module{events.New(), s.users, cache.New(), s.auth, permissions.New(), s.access} {
		require.NoError(t, s.app.Register(context.Background(), mod))
	}

	srv, err := console.New(s.app, console.WithGatherer(registry))
	require.NoError(t, err)
	s.server = httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		s.server.Close()
		_ = s.app.Shutdown(context.Background())
	})
	return s
}

func (s *stack) create(t *testing.T, email string, role rbac.RoleID) *users.Profile {
	t.Helper()
	p, err := s.users.CreateProfile(context.Background(), users.CreateInput{Email: email, Password: password, Role: role})
	require.NoError(t, err)
	return p
}

// browser is a client that keeps the session cookie like a browser would.
type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func (s *stack) browser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, base: s.server.URL, client: &http.Client{Jar: jar}}
}

func (b *browser) do(method, path string, body any) (int, []byte) {
	b.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(b.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, b.base+path, &buf)
	require.NoError(b.t, err)
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(b.t, err)
	return resp.StatusCode, out.Bytes()
}

func (b *browser) login(email string) {
	b.t.Helper()
	status, body := b.do(http.MethodPost, "/login", map[string]string{"email": email, "password": password})
	require.Equal(b.t, http.StatusOK, status, string(body))
}

type me struct {
	Profile     users.Profile   `json:"profile"`
	Role        rbac.RoleID     `json:"role"`
	Permissions map[string]bool `json:"permissions"`
}

func (b *browser) me() (int, me) {
	b.t.Helper()
	status, body := b.do(http.MethodGet, "/me", nil)
	var out me
	if status == http.StatusOK {
		require.NoError(b.t, json.Unmarshal(body, &out))
	}
	return status, out
}

func TestAppLifecycle(t *testing.T) {
	s := setupStack(t)

	assert.Equal(t, "test", s.app.Config().Env)
	assert.NotNil(t, s.app.Users())
	assert.NotNil(t, s.app.Auth())
	assert.NotNil(t, s.app.Permissions())
	assert.NotNil(t, s.app.Cache())
	assert.NotNil(t, s.app.Events())
	_, ok := s.app.Module("access")
	assert.True(t, ok)
}

func TestConsoleFlow(t *testing.T) {
	s := setupStack(t)
	admin, err := console.SeedAdmin(context.Background(), s.users, "owner@example.com", password)
	require.NoError(t, err)
	member := s.create(t, "member@example.com", rbac.RoleMember)
	s.create(t, "other@example.com", rbac.RoleMember)

	ownerTab := s.browser(t)
	ownerTab.login("owner@example.com")
	memberTab := s.browser(t)
	memberTab.login("member@example.com")

	status, profile := memberTab.me()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, rbac.RoleMember, profile.Role)
	assert.False(t, profile.Permissions["canViewAllMembers"])

	status, body := memberTab.do(http.MethodGet, "/members", nil)
	require.Equal(t, http.StatusOK, status)
	var visible []users.Profile
	require.NoError(t, json.Unmarshal(body, &visible))
	require.Len(t, visible, 1)
	assert.Equal(t, member.ID, visible[0].ID)

	status, _ = memberTab.do(http.MethodGet, "/users", nil)
	assert.Equal(t, http.StatusForbidden, status)

	// The owner promotes the member; the member's open session sees it on
	// the next request without signing in again.
	status, body = ownerTab.do(http.MethodPut, "/users/"+member.ID+"/role", map[string]any{"role": "trainer"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, profile = memberTab.me()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, rbac.RoleTrainer, profile.Role)
	assert.True(t, profile.Permissions["canViewAllMembers"])

	status, body = memberTab.do(http.MethodGet, "/members", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &visible))
	assert.Len(t, visible, 3)

	// The new trainer still cannot touch the owner.
	status, _ = memberTab.do(http.MethodPut, "/users/"+admin.ID+"/role", map[string]any{"role": "member", "confirm": true})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = memberTab.do(http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = memberTab.me()
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPeerAdminIsOutOfReach(t *testing.T) {
	s := setupStack(t)
	s.create(t, "owner@example.com", rbac.RoleAdmin)
	peer := s.create(t, "peer@example.com", rbac.RoleAdmin)

	owner := s.browser(t)
	owner.login("owner@example.com")

	// Admins are peers, so no confirmation is asked for, with or without it.
	for _, body := range []map[string]any{
		{"role": "trainer"},
		{"role": "trainer", "confirm": true},
	} {
		status, _ := owner.do(http.MethodPut, "/users/"+peer.ID+"/role", body)
		assert.Equal(t, http.StatusForbidden, status)
	}

	stored, err := s.users.GetProfile(context.Background(), peer.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAdmin, stored.Role)
}

func TestMemberRoleChangeRevealsNothing(t *testing.T) {
	s := setupStack(t)
	admin := s.create(t, "owner@example.com", rbac.RoleAdmin)
	trainer := s.create(t, "coach@example.com", rbac.RoleTrainer)
	s.create(t, "member@example.com", rbac.RoleMember)

	memberTab := s.browser(t)
	memberTab.login("member@example.com")

	var bodies []string
	for _, id := range []string{admin.ID, trainer.ID, "no-such-user"} {
		status, body := memberTab.do(http.MethodPut, "/users/"+id+"/role", map[string]any{"role": "member"})
		assert.Equal(t, http.StatusForbidden, status, id)
		bodies = append(bodies, string(body))
	}
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[0], bodies[2])
}

func TestRoleChangeReflectedInRedis(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	s.create(t, "owner@example.com", rbac.RoleAdmin)
	member := s.create(t, "member@example.com", rbac.RoleMember)

	owner := s.browser(t)
	owner.login("owner@example.com")
	memberTab := s.browser(t)
	memberTab.login("member@example.com")

	key := "e2e:access:profile:" + member.ID
	require.True(t, s.redis.Exists(key))

	status, _ := owner.do(http.MethodPut, "/users/"+member.ID+"/role", map[string]any{"role": "trainer"})
	require.Equal(t, http.StatusOK, status)

	raw, err := s.redis.Get(key)
	require.NoError(t, err)
	var cached users.Profile
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, rbac.RoleTrainer, cached.Role)

	assert.True(t, s.access.SnapshotFor(ctx, member.ID).IsRole(rbac.RoleTrainer))
}

func TestChangeForDeletedUserLeavesCacheAlone(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	s.create(t, "owner@example.com", rbac.RoleAdmin)
	member := s.create(t, "member@example.com", rbac.RoleMember)

	owner := s.browser(t)
	owner.login("owner@example.com")
	memberTab := s.browser(t)
	memberTab.login("member@example.com")

	// The target is read from the store, not the cache, so a deleted user
	// is reported missing and the cached copy stays as it was.
	require.NoError(t, s.users.Delete(ctx, member.ID))

	status, _ := owner.do(http.MethodPut, "/users/"+member.ID+"/role", map[string]any{"role": "trainer"})
	assert.Equal(t, http.StatusNotFound, status)

	raw, err := s.redis.Get("e2e:access:profile:" + member.ID)
	require.NoError(t, err)
	var cached users.Profile
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, rbac.RoleMember, cached.Role)
}

func TestPermissionsModuleAgreesWithSnapshots(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	for _, role := range rbac.Roles() {
		p := s.create(t, string(role)+"@example.com", role)
		snap := s.access.SnapshotFor(ctx, p.ID)
		for _, c := range rbac.Capabilities() {
			assert.Equal(t, snap.HasPermission(c), s.app.Permissions().Can(ctx, p.ID, c.Key()),
				"%s %s", role, c.Key())
		}
		assert.True(t, s.app.Permissions().HasRole(ctx, p.ID, string(role)))
	}
}

func TestSignOutWinsOverLateProfile(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	member := s.create(t, "member@example.com", rbac.RoleMember)

	session, err := s.auth.StartSession(ctx, member.Email, password)
	require.NoError(t, err)
	c := s.access.ContextFor(ctx, session)
	require.True(t, c.Snapshot().Authenticated())

	require.NoError(t, s.auth.EndSession(ctx, session.Token))
	assert.False(t, c.Snapshot().Authenticated())

	// A refresh racing the sign-out finds nobody to refresh.
	assert.False(t, c.Refresh(ctx).Authenticated())
	assert.False(t, s.access.SessionSnapshot(ctx, session).Authenticated())
}

func TestConcurrentRequests(t *testing.T) {
	s := setupStack(t)
	s.create(t, "member@example.com", rbac.RoleMember)
	tab := s.browser(t)
	tab.login("member@example.com")

	var wg sync.WaitGroup
	statuses := make(chan int, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := tab.client.Get(tab.base + "/me")
			if err != nil {
				statuses <- 0
				return
			}
			_ = resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)
	for status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupStack(t)
	s.create(t, "member@example.com", rbac.RoleMember)
	s.browser(t).login("member@example.com")

	status, body := s.browser(t).do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `gymops_access_transitions_total{state="ready"}`)
}
