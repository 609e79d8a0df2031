package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatTurn is one persisted user message paired with the sanitized bot reply.
type ChatTurn struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	UserMessage string    `json:"userMessage"`
	BotResponse string    `json:"botResponse"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryEntry is a single display row derived from a ChatTurn.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
