// Package gateway defines the single send primitive the core services depend
// on, and the classification of its failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ashureev/mentorbot/internal/domain"
)

// Gateway delivers one payload to one recipient.
type Gateway interface {
	Send(ctx context.Context, recipientID string, p domain.Payload) error
}

// SendError is a structured transport failure.
type SendError struct {
	Kind        domain.ErrorKind
	StatusCode  int
	Description string
	// RetryAfter is set when the transport asked the caller to slow down.
	RetryAfter time.Duration
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("send failed (%d): %s", e.StatusCode, e.Description)
	}
	return "send failed: " + e.Description
}

// RetryAfter reports the wait requested by a rate-limited transport.
func RetryAfter(err error) (time.Duration, bool) {
	var se *SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

var patterns = []struct {
	kind   domain.ErrorKind
	needle []string
}{
	{domain.ErrorBlockedByUser, []string{"blocked by the user", "blocked by user"}},
	{domain.ErrorUserDeactivated, []string{"user is deactivated", "deactivated"}},
	{domain.ErrorChatNotFound, []string{"chat not found", "user not found"}},
	{domain.ErrorBotBlocked, []string{"bot was kicked", "can't initiate conversation", "bot can't", "forbidden"}},
	{domain.ErrorInvalidRecipient, []string{"chat_id is empty", "invalid chat_id", "invalid user_id", "peer_id_invalid"}},
	{domain.ErrorPayloadTooLarge, []string{"too big", "too long", "too large", "entity too large"}},
	{domain.ErrorNetwork, []string{"timeout", "timed out", "connection", "network", "eof", "no such host"}},
}

// Classify maps an error from Send to the failure taxonomy. A structured
// kind wins; otherwise the message text is matched.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return domain.ErrorNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, n := range p.needle {
			if strings.Contains(msg, n) {
				return p.kind
			}
		}
	}
	return domain.ErrorUnknown
}
