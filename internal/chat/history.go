package chat

import "github.com/pawaovo/ai-coach/internal/models"

// BuildPrompt assembles the upstream prompt: the system persona, the
// history window in chronological order, then the current user text.
// Pure: inputs are not mutated and the result is deterministic.
func BuildPrompt(persona string, history []models.Message, current string) []models.ChatMessage {
	prompt := make([]models.ChatMessage, 0, len(history)+2)
	prompt = append(prompt, models.ChatMessage{Role: models.RoleSystem, Content: persona})
	for _, m := range history {
		prompt = append(prompt, models.ChatMessage{Role: m.Role, Content: m.Content})
	}
	prompt = append(prompt, models.ChatMessage{Role: models.RoleUser, Content: current})
	return prompt
}

// reverseMessages returns a new slice with the messages in opposite
// order. The store hands back windows newest-first; prompts want
// oldest-first.
func reverseMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
