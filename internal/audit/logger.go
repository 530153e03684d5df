// Package audit emits a structured trail of session lifecycle events.
// Operators grep these out of the ordinary log stream by the audit
// field.
package audit

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opsdesk/console-client-go/internal/model"
)

type EventType string

const (
	EventLoginSuccess   EventType = "login_success"
	EventLoginFailure   EventType = "login_failure"
	EventLogout         EventType = "logout"
	EventTokenRenewed   EventType = "token_renewed"
	EventRenewalFailure EventType = "renewal_failure"
	EventSessionExpired EventType = "session_expired"
)

type Event struct {
	Type    EventType
	Role    model.Role
	UserID  string
	Details map[string]interface{}
}

func Log(event Event) {
	logger := log.With().
		Str("audit", "session").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.Role != "" {
		logger = logger.With().Str("role", string(event.Role)).Logger()
	}
	if event.UserID != "" {
		logger = logger.With().Str("user_id", event.UserID).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("session audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
