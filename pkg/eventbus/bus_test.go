package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmit_DeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var order []string

	b.On(ActionEnqueued, func(payload any) { order = append(order, "first") })
	b.On(ActionEnqueued, func(payload any) { order = append(order, "second") })

	b.Emit(ActionEnqueued, "action-1")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmit_OnlyDeliversToMatchingTopic(t *testing.T) {
	b := New()
	var got []any

	b.On(ActionCompleted, func(payload any) { got = append(got, payload) })
	b.Emit(ActionFailed, "ignored")

	assert.Empty(t, got)
}

func TestDisposer_RemovesSubscriber(t *testing.T) {
	b := New()
	calls := 0

	dispose := b.On(PermissionGranted, func(payload any) { calls++ })
	b.Emit(PermissionGranted, nil)
	dispose()
	b.Emit(PermissionGranted, nil)

	assert.Equal(t, 1, calls)
}

func TestDisposer_DoubleDisposeIsNoop(t *testing.T) {
	b := New()
	dispose := b.On(PermissionRevoked, func(payload any) {})
	dispose()
	assert.NotPanics(t, func() { dispose() })
}

func TestEmit_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	b := New()
	secondCalled := false

	b.On(ActionFailed, func(payload any) { panic("boom") })
	b.On(ActionFailed, func(payload any) { secondCalled = true })

	assert.NotPanics(t, func() { b.Emit(ActionFailed, nil) })
	assert.True(t, secondCalled)
}

func TestOn_UnknownTopicPanics(t *testing.T) {
	b := New()
	assert.Panics(t, func() { b.On(Topic("NOT_A_TOPIC"), func(payload any) {}) })
}
