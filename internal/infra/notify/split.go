package notify

import "strings"

const messageLimit = 4096

// splitMessage режет уже экранированный текст на части не длиннее limit рун.
// Режем по переводу строки, а если его нет — так, чтобы не оторвать
// экранирующий "\" от следующего символа.
func splitMessage(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = appendChunk(parts, runes)
			break
		}
		cut := lastNewline(runes[:limit])
		if cut <= 0 {
			cut = limit
			for cut > 1 && runes[cut-1] == '\\' {
				cut--
			}
		}
		parts = appendChunk(parts, runes[:cut])
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return parts
}

func lastNewline(runes []rune) int {
	for i := len(runes); i > 0; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	return -1
}

func appendChunk(parts []string, chunk []rune) []string {
	s := strings.Trim(string(chunk), "\n")
	if s == "" {
		return parts
	}
	return append(parts, s)
}

// EscapeMarkdownV2 экранирует спецсимволы MarkdownV2.
func EscapeMarkdownV2(text string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
