package domain

import "time"

// SessionState tags the conversation step a user is in.
type SessionState string

const (
	StateIdle                SessionState = ""
	StateRegistrationName    SessionState = "registration_name"
	StateRegistrationSurname SessionState = "registration_surname"
	StateRegistrationLevel   SessionState = "registration_level"
	StateMentorLevel         SessionState = "mentor_level"
	StateMentorChange        SessionState = "mentor_change"
	StateLevelChange         SessionState = "level_change"
	StateBroadcastLevels     SessionState = "broadcast_levels"
	StateBroadcastCompose    SessionState = "broadcast_compose"
	StateAssignmentCompose   SessionState = "assignment_compose"
	StateSolutionCompose     SessionState = "solution_compose"
)

// RegistrationDraft is collected across the registration steps.
type RegistrationDraft struct {
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
	Level   Level  `json:"level,omitempty"`
}

// BroadcastDraft holds the audience chosen before the payload arrives.
type BroadcastDraft struct {
	Target string  `json:"target"`
	Levels []Level `json:"levels,omitempty"`
}

// SolutionDraft names the assignment a submission answers.
type SolutionDraft struct {
	AssignmentID string `json:"assignment_id"`
}

// Session is the persisted conversation state of one user. Exactly one of
// the draft pointers is meaningful for a given State.
type Session struct {
	UserID       string
	State        SessionState
	Registration *RegistrationDraft
	Broadcast    *BroadcastDraft
	Solution     *SolutionDraft
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
