package chatbot

import "chatbotgo/internal/models"

// Interleave expands each turn into a user entry followed by an assistant
// entry, both stamped with the turn's timestamp. Turn order is preserved.
func Interleave(turns []models.ChatTurn) []models.HistoryEntry {
	entries := make([]models.HistoryEntry, 0, 2*len(turns))
	for _, turn := range turns {
		entries = append(entries,
			models.HistoryEntry{Role: models.RoleUser, Content: turn.UserMessage, Timestamp: turn.Timestamp},
			models.HistoryEntry{Role: models.RoleAssistant, Content: turn.BotResponse, Timestamp: turn.Timestamp},
		)
	}
	return entries
}
