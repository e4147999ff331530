package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

// notifyQueueSize bounds the fire-and-forget mail queue; a burst of
// simultaneous terminal failures across many subscriptions should never
// block a dispatcher worker waiting for SMTP.
const notifyQueueSize = 256

// NotifierConfig configures the SMTP relay used for failure emails.
type NotifierConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// notification is one terminal-failure email queued for delivery.
type notification struct {
	to      string
	subject string
	body    string
}

// Notifier sends a best-effort email when a subscription's notify_on_failure
// flag is set and one of its deliveries exhausts retries. Failures to send
// the notification itself are logged, never propagated — a broken mail
// relay must not affect webhook dispatch.
type Notifier struct {
	cfg    NotifierConfig
	queue  chan notification
	logger *slog.Logger
	stop   chan struct{}
}

// NewNotifier builds a Notifier. If cfg.Host is empty, the notifier degrades
// to a logging no-op (SMTP is optional ambient infrastructure).
func NewNotifier(cfg NotifierConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		queue:  make(chan notification, notifyQueueSize),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (n *Notifier) enabled() bool {
	return n.cfg.Host != ""
}

// Run drains the notification queue until ctx is canceled. Call in a
// goroutine; a no-op notifier still needs Run so queued entries (there
// never are any, since NotifyFailure short-circuits) don't leak.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-n.queue:
			n.send(ctx, note)
		}
	}
}

// NotifyFailure queues a best-effort failure email addressed to the
// configured From address; subscriptions carry no separate contact address.
// attempt is the row as claimed for the delivery that failed, so its
// AttemptsMade does not yet count that delivery.
func (n *Notifier) NotifyFailure(sub *Subscription, attempt *DeliveryAttempt, reason string) {
	if !n.enabled() {
		n.logger.Info("webhook delivery exhausted retries (notifications disabled)",
			"subscription_id", sub.ID, "delivery_id", attempt.ID, "reason", reason)
		return
	}

	note := notification{
		to:      n.cfg.From,
		subject: fmt.Sprintf("Webhook delivery failed: subscription %s", sub.ID),
		body: fmt.Sprintf(
			"Subscription %q (%s) failed to deliver event %s after %d attempts.\n\nLast error: %s\nEndpoint: %s\n",
			sub.Name, sub.ID, attempt.EventType, attempt.AttemptsMade+1, reason, sub.URL,
		),
	}

	select {
	case n.queue <- note:
	default:
		n.logger.Warn("failure notification queue saturated, dropping notification",
			"subscription_id", sub.ID, "delivery_id", attempt.ID)
	}
}

func (n *Notifier) send(ctx context.Context, note notification) {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	m := mail.NewMsg()
	if err := m.From(n.cfg.From); err != nil {
		n.logger.Error("notifier: invalid from address", "error", err)
		return
	}
	if err := m.To(note.to); err != nil {
		n.logger.Error("notifier: invalid to address", "error", err)
		return
	}
	m.Subject(note.subject)
	m.SetBodyString(mail.TypeTextPlain, note.body)

	opts := []mail.Option{
		mail.WithPort(n.cfg.Port),
		mail.WithTimeout(10 * time.Second),
	}
	if n.cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(n.cfg.Username))
		opts = append(opts, mail.WithPassword(n.cfg.Password))
	}

	client, err := mail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		n.logger.Error("notifier: failed to create SMTP client", "error", err)
		return
	}

	if err := client.DialAndSendWithContext(sendCtx, m); err != nil {
		n.logger.Error("notifier: failed to send failure notification", "error", err)
	}
}
