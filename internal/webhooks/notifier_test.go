package webhooks

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_DisabledWhenNoHostConfigured(t *testing.T) {
	n := NewNotifier(NotifierConfig{}, slog.Default())
	assert.False(t, n.enabled())
}

func TestNotifier_NotifyFailureNoopsWhenDisabled(t *testing.T) {
	n := NewNotifier(NotifierConfig{}, slog.Default())
	sub := &Subscription{ID: "sub_1", Name: "hook"}
	attempt := &DeliveryAttempt{ID: "da_1", EventType: EventSMSFailed, AttemptsMade: 3}

	// Disabled notifiers never touch the queue; this must not block or panic.
	n.NotifyFailure(sub, attempt, "gave up")
	assert.Empty(t, n.queue)
}

func TestNotifier_NotifyFailureQueuesWhenEnabled(t *testing.T) {
	n := NewNotifier(NotifierConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"}, slog.Default())
	sub := &Subscription{ID: "sub_1", Name: "hook", URL: "https://example.com/hook"}
	attempt := &DeliveryAttempt{ID: "da_1", EventType: EventSMSFailed, AttemptsMade: 5}

	n.NotifyFailure(sub, attempt, "gave up")

	a := assert.New(t)
	a.Len(n.queue, 1)
	note := <-n.queue
	a.Equal("alerts@example.com", note.to)
	a.Contains(note.subject, sub.ID)
	a.Contains(note.body, "gave up")
}

func TestNotifier_NotifyFailureDropsWhenQueueSaturated(t *testing.T) {
	n := NewNotifier(NotifierConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"}, slog.Default())
	sub := &Subscription{ID: "sub_1"}
	attempt := &DeliveryAttempt{ID: "da_1"}

	for i := 0; i < notifyQueueSize; i++ {
		n.NotifyFailure(sub, attempt, "boom")
	}
	assert.Len(t, n.queue, notifyQueueSize)

	// One more must be dropped, not block the caller.
	n.NotifyFailure(sub, attempt, "boom")
	assert.Len(t, n.queue, notifyQueueSize)
}
