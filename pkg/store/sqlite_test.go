package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionauth/core/pkg/contracts"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetActiveGrants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	g := &contracts.PermissionGrant{
		HandlerID:      "echo",
		PermissionName: "speak",
		Scope:          map[string]string{"topic": "hello"},
		GrantedAt:      now,
		ExpiresAt:      contracts.NoExpiration,
		GrantedBy:      "alice",
	}
	id, err := s.SaveGrant(ctx, g)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	active, err := s.GetActiveGrants(ctx, "echo", "speak", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "hello", active[0].Scope["topic"])
}

func TestGetActiveGrants_ExcludesExpiredAndRevoked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := &contracts.PermissionGrant{
		HandlerID: "echo", PermissionName: "speak",
		Scope: map[string]string{}, GrantedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-1 * time.Hour),
	}
	_, err := s.SaveGrant(ctx, expired)
	require.NoError(t, err)

	revokedID, err := s.SaveGrant(ctx, &contracts.PermissionGrant{
		HandlerID: "echo", PermissionName: "speak",
		Scope: map[string]string{}, GrantedAt: now, ExpiresAt: contracts.NoExpiration,
	})
	require.NoError(t, err)
	ok, err := s.RevokeGrant(ctx, revokedID)
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := s.GetActiveGrants(ctx, "echo", "speak", now)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRevokeGrant_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveGrant(ctx, &contracts.PermissionGrant{
		HandlerID: "echo", PermissionName: "speak", Scope: map[string]string{},
		GrantedAt: time.Now(), ExpiresAt: contracts.NoExpiration,
	})
	require.NoError(t, err)

	first, err := s.RevokeGrant(ctx, id)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.RevokeGrant(ctx, id)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestActionLifecycle_PendingToRunningToCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &contracts.ActionRequest{
		HandlerID: "echo", ActionName: "say",
		Params: map[string]any{"text": "hi"},
		Status: contracts.StatusPending, CreatedAt: time.Now(),
	}
	id, err := s.SaveAction(ctx, a)
	require.NoError(t, err)

	err = s.UpdateActionStatus(ctx, id, []contracts.ActionStatus{contracts.StatusPending}, contracts.StatusRunning, nil, "", nil)
	require.NoError(t, err)

	completedAt := time.Now()
	err = s.UpdateActionStatus(ctx, id, []contracts.ActionStatus{contracts.StatusRunning}, contracts.StatusCompleted,
		map[string]any{"echoed": "hi"}, "", &completedAt)
	require.NoError(t, err)

	got, err := s.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "hi", got.Result.(map[string]any)["echoed"])
}

func TestUpdateActionStatus_RejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &contracts.ActionRequest{
		HandlerID: "echo", ActionName: "say", Params: map[string]any{},
		Status: contracts.StatusPending, CreatedAt: time.Now(),
	}
	id, err := s.SaveAction(ctx, a)
	require.NoError(t, err)

	completedAt := time.Now()
	err = s.UpdateActionStatus(ctx, id, []contracts.ActionStatus{contracts.StatusPending}, contracts.StatusFailed, nil, "boom", &completedAt)
	require.NoError(t, err)

	// Already terminal: approving again must fail.
	err = s.UpdateActionStatus(ctx, id, []contracts.ActionStatus{contracts.StatusPending}, contracts.StatusRunning, nil, "", nil)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestUpdateActionStatus_UnknownAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateActionStatus(ctx, "does-not-exist", []contracts.ActionStatus{contracts.StatusPending}, contracts.StatusRunning, nil, "", nil)
	assert.ErrorIs(t, err, contracts.ErrUnknownAction)
}

func TestListPendingActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveAction(ctx, &contracts.ActionRequest{HandlerID: "echo", ActionName: "say", Params: map[string]any{}, Status: contracts.StatusPending, CreatedAt: time.Now()})
	require.NoError(t, err)
	id2, err := s.SaveAction(ctx, &contracts.ActionRequest{HandlerID: "echo", ActionName: "say", Params: map[string]any{}, Status: contracts.StatusPending, CreatedAt: time.Now()})
	require.NoError(t, err)

	completedAt := time.Now()
	require.NoError(t, s.UpdateActionStatus(ctx, id2, []contracts.ActionStatus{contracts.StatusPending}, contracts.StatusFailed, nil, "denied", &completedAt))

	pending, err := s.ListPendingActions(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDurabilityRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/actioncore.db"

	s1, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()

	grantID, err := s1.SaveGrant(ctx, &contracts.PermissionGrant{
		HandlerID: "echo", PermissionName: "speak", Scope: map[string]string{"topic": "hello"},
		GrantedAt: time.Now(), ExpiresAt: contracts.NoExpiration, GrantedBy: "alice",
	})
	require.NoError(t, err)
	_, err = s1.RevokeGrant(ctx, grantID)
	require.NoError(t, err)

	actionID, err := s1.SaveAction(ctx, &contracts.ActionRequest{
		HandlerID: "echo", ActionName: "say", Params: map[string]any{"text": "hi"},
		Status: contracts.StatusPending, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	grants, err := s2.ListGrants(ctx, "echo")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Revoked)

	action, err := s2.GetAction(ctx, actionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, action.Status)
}
