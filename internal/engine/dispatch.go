package engine

import (
	"log"
	"regexp"
	"strings"

	"github.com/sovabot/sova/internal/channel"
)

// MaxResponseLen caps a single reply before chunking. Anything longer is
// cut and annotated rather than flooding the chat.
const MaxResponseLen = 8500

const truncationNotice = "\n\n…🦉 _That's enough out of me._"

var (
	headingPattern  = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	boldPattern     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underPattern    = regexp.MustCompile(`__(.+?)__`)
	bulletPattern   = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
	newlinesPattern = regexp.MustCompile(`\n{3,}`)
)

// Normalize rewrites model markdown into the subset Telegram's legacy
// Markdown mode renders: headings become shouted bold lines, double
// emphasis collapses to single, list markers become bullets, and runs of
// blank lines shrink.
func Normalize(text string) string {
	text = headingPattern.ReplaceAllStringFunc(text, func(line string) string {
		m := headingPattern.FindStringSubmatch(line)
		return "*" + strings.ToUpper(strings.TrimSpace(m[1])) + "*"
	})
	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = underPattern.ReplaceAllString(text, "*$1*")
	text = bulletPattern.ReplaceAllString(text, "$1• ")
	text = newlinesPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Truncate cuts rune-wise at the cap and appends the notice.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + truncationNotice
}

// deliver pushes one reply out: normalized Markdown first, raw text if
// Telegram rejects the formatting, and a logged drop as the last resort.
func (e *Engine) deliver(msg *channel.Message, text string) {
	chatID, threadID := msg.Chat.ID, msg.ThreadID
	out := Truncate(Normalize(text), MaxResponseLen)
	if err := e.ch.SendReply(chatID, threadID, msg.MessageID, out); err != nil {
		log.Printf("[engine] formatted send failed, retrying raw: %v", err)
		if err := e.ch.SendPlain(chatID, threadID, msg.MessageID, Truncate(text, MaxResponseLen)); err != nil {
			log.Printf("[engine] dropped reply in chat %d: %v", chatID, err)
		}
	}
}
