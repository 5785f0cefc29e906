package domain

import "time"

// Assignment is an admin-issued broadcast payload of assignment kind.
// Only the counters change after creation.
type Assignment struct {
	ID             string    `json:"id"`
	IssuerID       string    `json:"admin_id"`
	IssuerName     string    `json:"admin_name"`
	Levels         []Level   `json:"levels,omitempty"`
	AllLevels      bool      `json:"all_levels"`
	Payload        Payload   `json:"payload"`
	BroadcastID    string    `json:"broadcast_id"`
	SentCount      int       `json:"sent_count"`
	SolutionsCount int       `json:"solutions_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Solution is a mentee's response to an assignment. Immutable once created.
type Solution struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	StudentID    string    `json:"student_id"`
	StudentName  string    `json:"student_name"`
	MentorID     string    `json:"mentor_id,omitempty"`
	Payload      Payload   `json:"payload"`
	SubmittedAt  time.Time `json:"submitted_at"`
}
