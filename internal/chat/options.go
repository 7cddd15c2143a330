package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pawaovo/ai-coach/internal/models"
)

const optionsInstruction = "你是对话助手。请根据以下教练对话，为用户生成 3-5 个可能的回复建议。" +
	"只返回一个 JSON 数组，每个元素形如 {\"label\": \"简短标签\", \"value\": \"完整回复内容\"}，" +
	"不要输出其他任何文字。"

// optionItem is the wire shape of one suggestion in the enrichment
// response body.
type optionItem struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// OptionsGenerator derives structured suggested replies from a completed
// exchange via one non-streamed upstream call. Best effort: every failure
// path returns nil and is only logged, never surfaced to the client.
type OptionsGenerator struct {
	completer Completer
	logger    *slog.Logger
}

// NewOptionsGenerator creates an options generator.
func NewOptionsGenerator(completer Completer, logger *slog.Logger) *OptionsGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &OptionsGenerator{completer: completer, logger: logger}
}

// Generate renders the exchange as a transcript, asks upstream for
// suggestions and returns the validated options. A nil result means the
// enrichment is absent; the caller emits no options frame.
func (g *OptionsGenerator) Generate(ctx context.Context, history []models.Message, userText, assistantText string) []models.SuggestedOption {
	prompt := []models.ChatMessage{
		{Role: models.RoleSystem, Content: optionsInstruction},
		{Role: models.RoleUser, Content: renderTranscript(history, userText, assistantText)},
	}

	body, err := g.completer.CompleteOnce(ctx, prompt)
	if err != nil {
		g.logger.Warn("options enrichment request failed", "error", err)
		return nil
	}

	var items []optionItem
	if err := json.Unmarshal([]byte(stripCodeFence(body)), &items); err != nil {
		g.logger.Warn("options enrichment returned unparseable body", "error", err)
		return nil
	}

	options := make([]models.SuggestedOption, 0, len(items))
	for _, item := range items {
		// Items failing validation are dropped individually.
		if strings.TrimSpace(item.Label) == "" || strings.TrimSpace(item.Value) == "" {
			continue
		}
		options = append(options, models.SuggestedOption{
			ID:    uuid.New().String(),
			Label: item.Label,
			Value: item.Value,
		})
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

// renderTranscript flattens the exchange into one natural-language
// transcript for the enrichment prompt.
func renderTranscript(history []models.Message, userText, assistantText string) string {
	var b strings.Builder
	b.WriteString("对话记录：\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "%s: %s\n", models.RoleUser, userText)
	fmt.Fprintf(&b, "%s: %s\n", models.RoleAssistant, assistantText)
	return b.String()
}

// stripCodeFence unwraps a markdown-fenced body ("```json ... ```").
// Models often fence JSON despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
