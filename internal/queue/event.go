// Package queue carries auth lifecycle events over RabbitMQ: the service
// publishes them and the worker consumes them into an audit log.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// QueueName is the durable queue shared by publisher and consumer.
const QueueName = "auth.events"

// Event types.
const (
	EventUserRegistered      = "user.registered"
	EventUserLoggedIn        = "user.logged_in"
	EventTokenRefreshed      = "token.refreshed"
	EventUserLoggedOut       = "user.logged_out"
	EventUserPasswordChanged = "user.password_changed"
	EventUserStatusChanged   = "user.status_changed"
)

// AuthEvent is published after each successful auth state transition.  It
// never carries a token or password.
type AuthEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     uint64    `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent stamps a fresh id and the current time.
func NewEvent(typ string, userID uint64, username string) AuthEvent {
	return AuthEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		Username:   username,
		OccurredAt: time.Now().UTC(),
	}
}
