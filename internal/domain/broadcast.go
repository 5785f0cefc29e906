package domain

import "time"

// ErrorKind classifies a per-recipient delivery failure.
type ErrorKind string

const (
	ErrorBlockedByUser    ErrorKind = "blocked_by_user"
	ErrorChatNotFound     ErrorKind = "chat_not_found"
	ErrorBotBlocked       ErrorKind = "bot_blocked"
	ErrorUserDeactivated  ErrorKind = "user_deactivated"
	ErrorInvalidRecipient ErrorKind = "invalid_recipient_id"
	ErrorPayloadTooLarge  ErrorKind = "payload_too_large"
	ErrorNetwork          ErrorKind = "network_error"
	ErrorUnknown          ErrorKind = "unknown"
)

// ErrorKinds lists the taxonomy in report order.
var ErrorKinds = []ErrorKind{
	ErrorBlockedByUser,
	ErrorChatNotFound,
	ErrorBotBlocked,
	ErrorUserDeactivated,
	ErrorInvalidRecipient,
	ErrorPayloadTooLarge,
	ErrorNetwork,
	ErrorUnknown,
}

// Run kinds recorded on a BroadcastRecord.
const (
	RunBroadcast  = "broadcast"
	RunAssignment = "assignment"
	RunRetry      = "retry"
)

// BroadcastRecord is one Delivery Engine run.
type BroadcastRecord struct {
	ID              string      `json:"id"`
	IssuerID        string      `json:"admin_id"`
	Target          string      `json:"target"`
	RecipientsCount int         `json:"recipients_count"`
	SentCount       int         `json:"sent_count"`
	FailedCount     int         `json:"failed_count"`
	MessageType     ContentKind `json:"message_type"`
	Timestamp       time.Time   `json:"timestamp"`
	FailedUsers     []string    `json:"failed_users"`
	Kind            string      `json:"kind,omitempty"`
	RetryOf         string      `json:"retry_of,omitempty"`
	Payload         *Payload    `json:"payload,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// Finished reports whether the run has ended.
func (b *BroadcastRecord) Finished() bool {
	return b.FinishedAt != nil
}

// FailedDelivery records one recipient the run could not reach.
type FailedDelivery struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ErrorType    ErrorKind `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// BroadcastStats aggregates all finished runs.
type BroadcastStats struct {
	TotalBroadcasts int `json:"total_broadcasts"`
	TotalSent       int `json:"total_sent"`
	TotalFailed     int `json:"total_failed"`
}
