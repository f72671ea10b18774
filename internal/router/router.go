package router

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/linkerlin/groupclaw/internal/types"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// EscapeXML replaces XML special characters in s.
func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// FormatMessages converts a batch of inbound messages into the prompt block
// the agent expects.
func FormatMessages(messages []types.Message) string {
	var sb strings.Builder
	sb.WriteString("<messages>\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "<message sender=\"%s\" time=\"%s\">%s</message>\n",
			EscapeXML(m.SenderName), m.Timestamp.UTC().Format(time.RFC3339), EscapeXML(m.Content))
	}
	sb.WriteString("</messages>")
	return sb.String()
}

// FormatOutbound prefixes agent text with the assistant name. Stored
// messages starting with this prefix are recognised as bot output.
func FormatOutbound(assistant, rawText string) string {
	return assistant + ": " + strings.TrimSpace(rawText)
}

// HasTrigger reports whether any message content matches pattern.
func HasTrigger(pattern *regexp.Regexp, messages []types.Message) bool {
	for _, m := range messages {
		if pattern.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}
