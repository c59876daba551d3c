package models

import "time"

// Role labels one side of a turn when the history is rendered as chat
// messages for the model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one completed exchange: the user message paired with the full
// assistant answer, tagged with the profile snapshot used to generate it.
// TurnIndex is dense and reflects conversation order; turns are append-only
// and only ever written for fully completed exchanges.
type Turn struct {
	ID               int64     `json:"id"`
	ConversationID   int64     `json:"conversation_id"`
	UserID           string    `json:"user_id"`
	TurnIndex        int       `json:"turn_index"`
	UserContent      string    `json:"user_content"`
	AssistantContent string    `json:"assistant_content"`
	ProfileSnapshot  string    `json:"profile_snapshot,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
