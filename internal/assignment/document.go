package assignment

import (
	"github.com/ashureev/mentorbot/internal/recordstore"
)

// Assignment document layout. The dialogue manager owns the conversation
// and active dialogue keys of the same document.
const (
	DocumentName      = "assignments"
	AssignmentsKey    = "assignments"
	SolutionsKey      = "solutions"
	ConversationsKey  = "conversations"
	RecipientsKey     = "assignment_recipients"
	ActiveDialogueKey = "active_dialogues"
)

// Schema returns the record store schema of the assignment document.
func Schema() recordstore.Schema {
	return recordstore.Schema{
		Name:        DocumentName,
		RequiredKey: AssignmentsKey,
		Keys:        []string{SolutionsKey, ConversationsKey, RecipientsKey, ActiveDialogueKey},
	}
}
