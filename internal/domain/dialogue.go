package domain

import "time"

// DialogueMessage is one relayed message inside a pairing.
type DialogueMessage struct {
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Timestamp  time.Time `json:"timestamp"`
	Content    Payload   `json:"content"`
}

// Pairing is one side of an active dialogue.
type Pairing struct {
	PartnerID    string    `json:"partner_id"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}
