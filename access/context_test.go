package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/gymops/auth"
	"github.com/talosaether/gymops/events"
	"github.com/talosaether/gymops/rbac"
)

func sessionOf(userID string) SessionSource {
	return SessionFunc(func(context.Context) (string, error) { return userID, nil })
}

func waitEntered(t *testing.T, s *stubProfiles, id string) {
	t.Helper()
	select {
	case got := <-s.entered:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatalf("fetch for %s never started", id)
	}
}

func TestContext_StartsUninitialized(t *testing.T) {
	c := NewContext(sessionOf(""), newStubProfiles())
	s := c.Snapshot()
	require.NotNil(t, s)
	assert.Equal(t, StateUninitialized, s.State())
	assert.False(t, s.HasPermission(rbac.CanViewDashboard))
}

func TestContext_StartWithoutSession(t *testing.T) {
	profiles := newStubProfiles()
	c := NewContext(sessionOf(""), profiles)

	s := c.Start(context.Background())
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.Authenticated())
	assert.Equal(t, 0, profiles.fetches)
}

func TestContext_StartWithSession(t *testing.T) {
	c := NewContext(sessionOf("t1"), newStubProfiles(profile("t1", rbac.RoleTrainer)))

	s := c.Start(context.Background())
	require.True(t, s.Authenticated())
	assert.Equal(t, "t1", s.UserID())
	assert.Equal(t, rbac.MatrixFor(rbac.RoleTrainer), s.Matrix())
	assert.Same(t, s, c.Snapshot())
	assert.Equal(t, "t1", c.Subject())
}

func TestContext_SessionErrorIsSignedOut(t *testing.T) {
	c := NewContext(SessionFunc(func(context.Context) (string, error) {
		return "", errors.New("identity service down")
	}), newStubProfiles())

	s := c.Start(context.Background())
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.Authenticated())
}

func TestContext_ProfileFailureIsSignedOut(t *testing.T) {
	profiles := newStubProfiles(profile("m1", rbac.RoleMember))
	profiles.fetchErr = errors.New("store unavailable")
	c := NewContext(sessionOf("m1"), profiles)

	s := c.Start(context.Background())
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.Authenticated())
	assert.Empty(t, c.Subject())

	s = c.HandleSignIn(context.Background(), "missing")
	assert.False(t, s.Authenticated())
}

func TestContext_SignInAndOut(t *testing.T) {
	c := NewContext(sessionOf(""), newStubProfiles(profile("a1", rbac.RoleAdmin)))
	ctx := context.Background()

	c.Start(ctx)
	s := c.HandleSignIn(ctx, "a1")
	require.True(t, s.IsRole(rbac.RoleAdmin))
	assert.Greater(t, s.Generation(), uint64(1))

	s = c.HandleSignOut()
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.Authenticated())
	assert.Empty(t, c.Subject())

	assert.False(t, c.HandleSignIn(ctx, "").Authenticated())
}

func TestContext_LoadingWhileFetching(t *testing.T) {
	profiles := newStubProfiles(profile("m1", rbac.RoleMember))
	release := profiles.gate("m1")
	c := NewContext(sessionOf(""), profiles)

	done := make(chan *Snapshot)
	go func() { done <- c.HandleSignIn(context.Background(), "m1") }()
	waitEntered(t, profiles, "m1")

	assert.True(t, c.Snapshot().Loading())
	assert.False(t, c.Snapshot().HasPermission(rbac.CanViewDashboard))
	assert.Equal(t, "m1", c.Subject())

	close(release)
	s := <-done
	assert.True(t, s.Authenticated())
}

func TestContext_SignOutDiscardsInFlightFetch(t *testing.T) {
	metrics := NewMetrics(nil)
	profiles := newStubProfiles(profile("m1", rbac.RoleMember))
	release := profiles.gate("m1")
	c := NewContext(sessionOf(""), profiles, WithContextMetrics(metrics))

	done := make(chan *Snapshot)
	go func() { done <- c.HandleSignIn(context.Background(), "m1") }()
	waitEntered(t, profiles, "m1")

	out := c.HandleSignOut()
	close(release)
	late := <-done

	assert.False(t, late.Authenticated())
	assert.Same(t, out, late)
	final := c.Snapshot()
	assert.Equal(t, StateReady, final.State())
	assert.False(t, final.Authenticated())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StaleFetches))
}

func TestContext_SlowStartDoesNotClobberSignIn(t *testing.T) {
	profiles := newStubProfiles(profile("old", rbac.RoleMember), profile("new", rbac.RoleTrainer))
	release := profiles.gate("old")
	c := NewContext(sessionOf("old"), profiles)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	waitEntered(t, profiles, "old")

	s := c.HandleSignIn(context.Background(), "new")
	require.Equal(t, "new", s.UserID())

	close(release)
	<-done
	assert.Equal(t, "new", c.Snapshot().UserID())
	assert.True(t, c.Snapshot().IsRole(rbac.RoleTrainer))
}

func TestContext_SupersededSessionCheck(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	c := NewContext(SessionFunc(func(context.Context) (string, error) {
		close(entered)
		<-gate
		return "m1", nil
	}), newStubProfiles(profile("m1", rbac.RoleMember)))

	done := make(chan *Snapshot)
	go func() { done <- c.Start(context.Background()) }()
	<-entered

	c.HandleSignOut()
	close(gate)
	<-done

	assert.False(t, c.Snapshot().Authenticated())
	assert.Empty(t, c.Subject())
}

func TestContext_RefreshPicksUpNewRole(t *testing.T) {
	profiles := newStubProfiles(profile("m1", rbac.RoleMember))
	c := NewContext(sessionOf("m1"), profiles)
	ctx := context.Background()

	require.False(t, c.Start(ctx).HasPermission(rbac.CanViewAllMembers))

	_, err := profiles.SetRole(ctx, "m1", rbac.RoleTrainer)
	require.NoError(t, err)
	assert.True(t, c.Refresh(ctx).HasPermission(rbac.CanViewAllMembers))

	c.HandleSignOut()
	assert.False(t, c.Refresh(ctx).Authenticated())
}

func TestContext_UnknownStoredRole(t *testing.T) {
	c := NewContext(sessionOf("x"), newStubProfiles(profile("x", "superuser")))

	s := c.Start(context.Background())
	assert.True(t, s.Authenticated())
	assert.Empty(t, s.Matrix().Granted())
	assert.False(t, s.HasRoleLevel(rbac.LevelMember))
}

func TestContext_TransitionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	c := NewContext(sessionOf("m1"), newStubProfiles(profile("m1", rbac.RoleMember)), WithContextMetrics(metrics))

	c.Start(context.Background())
	c.HandleSignOut()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("loading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("signed_out")))

	count, err := testutil.GatherAndCount(registry, "gymops_access_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestContext_AttachFollowsEvents(t *testing.T) {
	bus := events.New()
	profiles := newStubProfiles(profile("m1", rbac.RoleMember))
	c := NewContext(sessionOf(""), profiles)
	ctx := context.Background()

	detach := c.Attach(bus)

	bus.Publish(ctx, auth.EventSignedIn, auth.SignedIn{UserID: "m1", SessionID: "s1"})
	require.True(t, c.Snapshot().IsRole(rbac.RoleMember))

	_, err := profiles.SetRole(ctx, "m1", rbac.RoleTrainer)
	require.NoError(t, err)
	bus.Publish(ctx, EventRoleChanged, RoleChanged{UserID: "someone-else", To: rbac.RoleAdmin})
	assert.True(t, c.Snapshot().IsRole(rbac.RoleMember))
	bus.Publish(ctx, EventRoleChanged, RoleChanged{UserID: "m1", From: rbac.RoleMember, To: rbac.RoleTrainer})
	assert.True(t, c.Snapshot().IsRole(rbac.RoleTrainer))

	bus.Publish(ctx, auth.EventSignedOut, auth.SignedOut{UserID: "m1", SessionID: "s1"})
	assert.False(t, c.Snapshot().Authenticated())

	detach()
	bus.Publish(ctx, auth.EventSignedIn, auth.SignedIn{UserID: "m1", SessionID: "s2"})
	assert.False(t, c.Snapshot().Authenticated())
}

func TestContext_BoundToSessionIgnoresOthers(t *testing.T) {
	bus := events.New()
	c := NewContext(sessionOf(""), newStubProfiles(profile("m1", rbac.RoleMember), profile("m2", rbac.RoleMember)),
		BoundToSession("s1"))
	ctx := context.Background()
	defer c.Attach(bus)()

	bus.Publish(ctx, auth.EventSignedIn, auth.SignedIn{UserID: "m2", SessionID: "s2"})
	assert.False(t, c.Snapshot().Authenticated())

	bus.Publish(ctx, auth.EventSignedIn, auth.SignedIn{UserID: "m1", SessionID: "s1"})
	assert.Equal(t, "m1", c.Snapshot().UserID())

	bus.Publish(ctx, auth.EventSignedOut, auth.SignedOut{UserID: "m2", SessionID: "s2"})
	assert.Equal(t, "m1", c.Snapshot().UserID())
}
