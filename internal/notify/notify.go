// Package notify dispatches push notifications to offline recipients. The
// engine treats dispatch as fire-and-forget: failures are logged by the
// caller and never fail the operation that triggered them.
package notify

import (
	"context"

	"github.com/converso-chat/converso/internal/data"
)

// Notification is a single push payload for one user's registered endpoints.
type Notification struct {
	Tokens []data.DeviceToken `json:"tokens"`
	Title  string             `json:"title"`
	Body   string             `json:"body"`
	Data   map[string]string  `json:"data,omitempty"`
}

// Notifier hands a notification to an external delivery pipeline.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Nop discards all notifications. Used in tests and when no broker is
// configured.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(ctx context.Context, n Notification) error { return nil }
