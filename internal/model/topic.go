package model

import "time"

// Topic is a conversation scoped aggregate that owns a sequence of tasks.
//
// CurrentSandboxID and CurrentTaskID are the authoritative pointers for the topic,
// they are only written while holding the topic lock.
type Topic struct {
	ID                 string
	ProjectID          string
	UserID             string
	OrganizationCode   string
	ChatConversationID string
	WorkDir            string
	CurrentSandboxID   string
	CurrentTaskID      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OwnedBy returns true if the user owns the topic.
func (t Topic) OwnedBy(userID string) bool {
	return userID != "" && t.UserID == userID
}
