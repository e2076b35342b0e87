package actionsystem

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionauth/core/pkg/audit"
	"github.com/actionauth/core/pkg/clock"
	"github.com/actionauth/core/pkg/contracts"
	"github.com/actionauth/core/pkg/eventbus"
	"github.com/actionauth/core/pkg/handlers"
	"github.com/actionauth/core/pkg/permissions"
	"github.com/actionauth/core/pkg/store"
)

type testRig struct {
	sys   *System
	fake  *clock.Fake
	bus   *eventbus.Bus
	store store.Store
}

func newRig(t *testing.T, now time.Time, exec func(ctx context.Context, actionName string, params map[string]any) (any, error)) *testRig {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := handlers.NewRegistry()
	fake := clock.NewFake(now)
	permMgr := permissions.NewManager(s, fake, reg)
	bus := eventbus.New()
	auditLog := audit.NewLoggerWithWriter(&bytes.Buffer{})

	sys := New(s, reg, permMgr, bus, auditLog, nil)

	require.NoError(t, sys.RegisterHandler(&contracts.Handler{
		HandlerID: "echo",
		HumanName: "Echo",
		Permissions: []contracts.PermissionDef{
			{Name: "speak", ParameterSchema: map[string]string{"topic": "the topic"}},
		},
		GetRequiredPermission: func(actionName string, params map[string]any) (*contracts.RequiredPermission, error) {
			topic, _ := params["topic"].(string)
			return &contracts.RequiredPermission{PermissionName: "speak", Scope: map[string]string{"topic": topic}}, nil
		},
		Execute: func(ctx context.Context, actionName string, params map[string]any) (any, error) {
			if exec != nil {
				return exec(ctx, actionName, params)
			}
			return map[string]any{"echoed": params["text"]}, nil
		},
	}))

	return &testRig{sys: sys, fake: fake, bus: bus, store: s}
}

func recordTopics(bus *eventbus.Bus, topics ...eventbus.Topic) *[]eventbus.Topic {
	seen := &[]eventbus.Topic{}
	for _, topic := range topics {
		t := topic
		bus.On(t, func(payload any) { *seen = append(*seen, t) })
	}
	return seen
}

var allTopicsList = []eventbus.Topic{
	eventbus.ActionEnqueued, eventbus.ActionCompleted, eventbus.ActionFailed,
	eventbus.PermissionNeeded, eventbus.PermissionGranted, eventbus.PermissionRevoked,
}

func TestScenario1_ImmediateExecute(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()
	seen := recordTopics(rig.bus, allTopicsList...)

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)
	*seen = nil // ignore the PERMISSION_GRANTED event from setup

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello", "text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, result.Status)
	assert.Equal(t, "hi", result.Result.(map[string]any)["echoed"])
	assert.Equal(t, []eventbus.Topic{eventbus.ActionCompleted}, *seen)
}

func TestScenario2_EnqueueThenApprove(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()
	seen := recordTopics(rig.bus, allTopicsList...)

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello", "text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, result.Status)
	actionID := result.ActionID

	_, err = rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	approved, err := rig.sys.ApproveAction(ctx, actionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, approved.Status)

	assert.Equal(t, []eventbus.Topic{
		eventbus.ActionEnqueued, eventbus.PermissionNeeded, eventbus.PermissionGranted, eventbus.ActionCompleted,
	}, *seen)
}

func TestScenario3_ScopeMismatchKeepsPending(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "world"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, result.Status)

	_, err = rig.sys.ApproveAction(ctx, result.ActionID)
	assert.ErrorIs(t, err, contracts.ErrPermissionStillMissing)

	action, err := rig.sys.GetAction(ctx, result.ActionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, action.Status)
}

func TestScenario4_WiderEmptyScopeGrantPermitsAnyScope(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "anything"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, result.Status)
}

func TestScenario5_ExpirationReenqueues(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireOneHour, "alice")
	require.NoError(t, err)

	rig.fake.Advance(3601 * time.Second)

	ok, err := rig.sys.CheckPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"})
	require.NoError(t, err)
	assert.False(t, ok)

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, result.Status)
}

func TestScenario6_HandlerFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, func(ctx context.Context, actionName string, params map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	seen := recordTopics(rig.bus, allTopicsList...)
	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, result.Status)
	assert.Equal(t, "boom", result.Error)
	assert.Equal(t, []eventbus.Topic{eventbus.ActionFailed}, *seen)

	_, err = rig.sys.ApproveAction(ctx, result.ActionID)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestRequestAction_UnknownHandlerFailsFastWithNoRow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()

	_, err := rig.sys.RequestAction(ctx, "nonexistent", "say", map[string]any{})
	assert.ErrorIs(t, err, contracts.ErrUnknownHandler)

	pending, err := rig.sys.ListPendingActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDenyAction_TransitionsPendingToFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)

	denied, err := rig.sys.DenyAction(ctx, result.ActionID, "not now")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, denied.Status)
	assert.Equal(t, "denied: not now", denied.Error)

	_, err = rig.sys.ApproveAction(ctx, result.ActionID)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestGrantPermission_NeverAutoExecutesPendingActions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)

	_, err = rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	action, err := rig.sys.GetAction(ctx, result.ActionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, action.Status)
}

func TestRequestAction_CompletedEventPayloadReflectsTerminalState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, nil)
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	var payload *contracts.ActionRequest
	rig.bus.On(eventbus.ActionCompleted, func(p any) { payload = p.(*contracts.ActionRequest) })

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello", "text": "hi"})
	require.NoError(t, err)

	require.NotNil(t, payload)
	assert.Equal(t, contracts.StatusCompleted, payload.Status)
	assert.Equal(t, "hi", payload.Result.(map[string]any)["echoed"])
	assert.Empty(t, payload.Error)
	require.NotNil(t, payload.CompletedAt)
	assert.Equal(t, result.ActionID, payload.ID)
}

func TestScenario6_FailedEventPayloadReflectsTerminalState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, func(ctx context.Context, actionName string, params map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	var payload *contracts.ActionRequest
	rig.bus.On(eventbus.ActionFailed, func(p any) { payload = p.(*contracts.ActionRequest) })

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)

	require.NotNil(t, payload)
	assert.Equal(t, contracts.StatusFailed, payload.Status)
	assert.Equal(t, "boom", payload.Error)
	assert.Nil(t, payload.Result)
	require.NotNil(t, payload.CompletedAt)
	assert.Equal(t, result.ActionID, payload.ID)
}

func TestRequestAction_HandlerPanicIsRecoveredAsFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, func(ctx context.Context, actionName string, params map[string]any) (any, error) {
		panic("handler exploded")
	})
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, result.Status)
	assert.Equal(t, "handler exploded", result.Error)

	_, err = rig.sys.ApproveAction(ctx, result.ActionID)
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestRequestAction_HandlerPanicWithErrorValuePreservesErrorString(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig := newRig(t, now, func(ctx context.Context, actionName string, params map[string]any) (any, error) {
		panic(errors.New("panicked with an error"))
	})
	ctx := context.Background()

	_, err := rig.sys.GrantPermission(ctx, "echo", "speak", map[string]string{"topic": "hello"}, contracts.ExpireIndefinite, "alice")
	require.NoError(t, err)

	result, err := rig.sys.RequestAction(ctx, "echo", "say", map[string]any{"topic": "hello"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, result.Status)
	assert.Equal(t, "panicked with an error", result.Error)
}
