// Package delivery holds the channels notifications go out on.
//
// Rendering a notification for humans is somebody else's job: every channel
// here hands over the raw event plus a one line summary.
package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

var (
	_ crnwatch.Channel = LogChannel{}
	_ crnwatch.Channel = (*WebhookChannel)(nil)
	_ crnwatch.Channel = (*TemporalChannel)(nil)
)

// Notification is the payload handed to external channels.
type Notification struct {
	IdempotencyKey string               `json:"idempotency_key"`
	UserID         string               `json:"user_id"`
	Event          crnwatch.ChangeEvent `json:"event"`
	Summary        string               `json:"summary"`
}

func NewNotification(userID string, ev crnwatch.ChangeEvent) Notification {
	return Notification{
		IdempotencyKey: ev.DispatchKeyFor(userID).String(),
		UserID:         userID,
		Event:          ev,
		Summary:        summarize(ev),
	}
}

func summarize(ev crnwatch.ChangeEvent) string {
	if ev.Previous == "" {
		return fmt.Sprintf("%s %s: %s", ev.Key(), ev.Kind, ev.Current)
	}

	return fmt.Sprintf("%s %s: %s -> %s", ev.Key(), ev.Kind, ev.Previous, ev.Current)
}

// LogChannel writes notifications to the process log. It's the default when
// nothing else is configured.
type LogChannel struct {
	Logger *slog.Logger
}

func (c LogChannel) Send(ctx context.Context, userID string, ev crnwatch.ChangeEvent) error {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}

	l.InfoContext(ctx, "notification",
		"user_id", userID,
		"kind", ev.Kind,
		"term", ev.Term,
		"crn", ev.CRN,
		"summary", summarize(ev),
		"detected_at", ev.DetectedAt,
	)

	return nil
}
