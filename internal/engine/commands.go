package engine

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/sovabot/sova/internal/channel"
)

const helpText = `🦉 *I am Sova.* I live here, I listen, and sometimes I answer.

Call me by name, or reply to my messages.
I can describe pictures, watch short videos, read documents and transcribe voice notes.
Ask me to remind you about something and I will, eventually.

Commands:
/mute — silence me in this topic (again to unmute)
/reset — wipe my short-term memory of this chat
/help — this text`

// handleCommand dispatches slash commands. A trailing @botname is
// stripped first; commands aimed at other bots are ignored.
func (e *Engine) handleCommand(ctx context.Context, msg *channel.Message, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		target := cmd[at+1:]
		if e.botName != "" && !strings.EqualFold(target, e.botName) {
			return
		}
		cmd = cmd[:at]
	}

	chatID, threadID := msg.Chat.ID, msg.ThreadID

	switch cmd {
	case "/help", "/start":
		e.deliver(msg, helpText)
	case "/mute":
		if e.store.ToggleMute(chatID, threadID) {
			e.deliver(msg, "🔇 Fine. Not a peep from me here until you /mute again.")
		} else {
			e.deliver(msg, "🔊 The owl is back. You asked for it.")
		}
	case "/reset":
		e.history.Reset(chatID)
		e.deliver(msg, "🦉 Wiped. Who are you people again?")
	default:
		log.Printf("[engine] ignoring unknown command %q in chat %d", cmd, chatID)
	}
}

var (
	coinPattern   = regexp.MustCompile(`(?i)(flip a coin|подбрось монет|монетк)`)
	numberPattern = regexp.MustCompile(`(?i)(random number|случайное число)`)
	whoPattern    = regexp.MustCompile(`(?i)(who (of|among) us|кто из нас)`)
	aboutPattern  = regexp.MustCompile(`(?i)(?:what do you think (?:about|of)|tell me about|что ты думаешь о(?:бо)?|расскажи (?:про|о(?:бо)?))\s+(\S+)`)
	remindPattern = regexp.MustCompile(`(?i)(remind|напомни)`)
	rangePattern  = regexp.MustCompile(`(\d+)\D+(\d+)`)
)

// tryIntent checks an addressed message for one of the built-in party
// tricks before handing it to the general conversation path. Returns true
// when the message was fully handled here.
func (e *Engine) tryIntent(ctx context.Context, msg *channel.Message, text string) bool {
	switch {
	case coinPattern.MatchString(text):
		e.coinFlip(ctx, msg)
	case numberPattern.MatchString(text):
		e.randomNumber(ctx, msg, text)
	case whoPattern.MatchString(text):
		e.whoGame(ctx, msg, text)
	case aboutPattern.MatchString(text):
		e.describeUser(ctx, msg, text)
	case remindPattern.MatchString(text):
		return e.scheduleReminder(ctx, msg, text)
	default:
		return false
	}
	return true
}

func (e *Engine) coinFlip(ctx context.Context, msg *channel.Message) {
	outcome := "heads"
	if e.randInt(2) == 1 {
		outcome = "tails"
	}
	e.deliverFlavored(ctx, msg, "flipping a coin", outcome, "🪙 "+strings.ToUpper(outcome[:1])+outcome[1:]+".")
}

func (e *Engine) randomNumber(ctx context.Context, msg *channel.Message, text string) {
	low, high := 1, 100
	if m := rangePattern.FindStringSubmatch(text); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		if a < b {
			low, high = a, b
		} else if b < a {
			low, high = b, a
		}
	}
	n := low + e.randInt(high-low+1)
	outcome := strconv.Itoa(n)
	e.deliverFlavored(ctx, msg, fmt.Sprintf("picking a random number between %d and %d", low, high), outcome, "🎲 "+outcome+".")
}

func (e *Engine) whoGame(ctx context.Context, msg *channel.Message, text string) {
	name, ok := e.store.RandomUser(msg.Chat.ID)
	if !ok {
		e.deliver(msg, "🦉 I haven't met anyone here yet. Talk amongst yourselves first.")
		return
	}
	e.deliverFlavored(ctx, msg, "answering the question: "+text, name, "🦉 Obviously "+name+".")
}

// deliverFlavored asks the model to dress the fixed outcome up in
// character; the plain fallback goes out if that fails.
func (e *Engine) deliverFlavored(ctx context.Context, msg *channel.Message, task, outcome, fallback string) {
	out, err := e.ai.FlavorText(ctx, task, outcome)
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			log.Printf("[engine] flavor text failed: %v", err)
		}
		out = fallback
	}
	e.deliver(msg, out)
}

func (e *Engine) describeUser(ctx context.Context, msg *channel.Message, text string) {
	m := aboutPattern.FindStringSubmatch(text)
	query := strings.Trim(m[1], "?!.,")
	profile, name, ok := e.store.FindProfileByQuery(msg.Chat.ID, query)
	if !ok {
		e.deliver(msg, "🦉 No idea who that is. Never seen them from my branch.")
		return
	}
	out, err := e.ai.ProfileDescription(ctx, profile, name)
	if err != nil || strings.TrimSpace(out) == "" {
		log.Printf("[engine] profile description failed: %v", err)
		e.deliver(msg, "🦉 I know "+name+", but words fail me right now.")
		return
	}
	e.deliver(msg, out)
}

// scheduleReminder returns false when no concrete time was found, letting
// the message fall through to the normal conversation path.
func (e *Engine) scheduleReminder(ctx context.Context, msg *channel.Message, text string) bool {
	confirmation, err := e.reminders.Schedule(ctx, msg.Chat.ID, msg.From.ID, msg.From.UserName, text, replyText(msg.Message))
	if err != nil {
		log.Printf("[engine] reminder scheduling failed: %v", err)
		return true
	}
	if confirmation == "" {
		return false
	}
	e.deliver(msg, confirmation)
	return true
}
