// Package engine is the conversation core: it decides which group messages
// deserve a reply, drives the AI gateway, and keeps the shared state
// (history, profiles, mutes) moving. One HandleMessage call per inbound
// message, each on its own goroutine.
package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sovabot/sova/internal/ai"
	"github.com/sovabot/sova/internal/channel"
	"github.com/sovabot/sova/internal/config"
	"github.com/sovabot/sova/internal/history"
	"github.com/sovabot/sova/internal/media"
	"github.com/sovabot/sova/internal/store"
	"github.com/sovabot/sova/internal/typing"
)

// Responder is the AI gateway surface the engine drives.
type Responder interface {
	Respond(ctx context.Context, req ai.RespondRequest) (string, error)
	ClassifyEngage(ctx context.Context, historyText string) (bool, error)
	ClassifyReaction(ctx context.Context, contextText string) (string, error)
	Transcribe(ctx context.Context, data []byte, speaker, mime string) (*ai.Transcription, error)
	BatchAnalyze(ctx context.Context, batch []ai.Observation, current map[int64]store.Profile) (map[int64]store.ProfileDelta, error)
	AnalyzeImmediate(ctx context.Context, recentContext string, profile store.Profile) (*store.ProfileDelta, error)
	FlavorText(ctx context.Context, task, outcome string) (string, error)
	ProfileDescription(ctx context.Context, profile store.Profile, name string) (string, error)
}

// Transport is the outbound slice of the Telegram channel.
type Transport interface {
	SendReply(chatID int64, threadID, replyTo int, text string) error
	SendPlain(chatID int64, threadID, replyTo int, text string) error
	SendText(chatID int64, threadID int, text string) error
	SendAction(chatID int64, threadID int, action string)
	SetReaction(chatID int64, messageID int, emoji string) error
	LeaveChat(chatID int64) error
	AlertOperator(text string)
	Download(fileID string) ([]byte, error)
}

// Attachments resolves at most one media payload per message.
type Attachments interface {
	Resolve(msg *tgbotapi.Message) (*media.Attachment, string)
}

// Reminders schedules a parsed reminder and returns the confirmation.
type Reminders interface {
	Schedule(ctx context.Context, chatID, userID int64, username, text, replyContext string) (string, error)
}

type Engine struct {
	cfg       *config.Config
	store     *store.Store
	history   *history.Service
	ai        Responder
	ch        Transport
	media     Attachments
	reminders Reminders
	trigger   *regexp.Regexp
	botID     int64
	botName   string
	rand      func() float64
	randInt   func(n int) int
}

func New(cfg *config.Config, st *store.Store, hist *history.Service, responder Responder, transport Transport, attachments Attachments, reminders Reminders) (*Engine, error) {
	trigger, err := cfg.TriggerRegexp()
	if err != nil {
		return nil, fmt.Errorf("compile trigger pattern: %w", err)
	}
	botID, err := cfg.BotID()
	if err != nil {
		return nil, fmt.Errorf("derive bot id: %w", err)
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		history:   hist,
		ai:        responder,
		ch:        transport,
		media:     attachments,
		reminders: reminders,
		trigger:   trigger,
		botID:     botID,
		rand:      rand.Float64,
		randInt:   rand.Intn,
	}, nil
}

// SetBotName records the bot's @username, used to strip command suffixes.
// Must be called before message handling starts; handlers read the field
// without locking.
func (e *Engine) SetBotName(name string) { e.botName = name }

// HandleMessage processes one inbound message end to end. Safe for
// concurrent invocation; all shared state lives behind the store and
// history mutexes.
func (e *Engine) HandleMessage(ctx context.Context, msg *channel.Message) {
	if msg == nil || msg.Message == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.From.ID == e.botID {
		return
	}

	if msg.Chat.IsPrivate() {
		e.handleDirect(ctx, msg)
		return
	}

	chatID := msg.Chat.ID

	if left := msg.LeftChatMember; left != nil && left.ID == e.cfg.Telegram.AdminID {
		log.Printf("[engine] operator left chat %d, leaving too", chatID)
		if err := e.ch.SendText(chatID, 0, "🦉 My person left, so I'm off too. It was tolerable."); err != nil {
			log.Printf("[engine] goodbye failed in chat %d: %v", chatID, err)
		}
		if err := e.ch.LeaveChat(chatID); err != nil {
			log.Printf("[engine] leave chat %d: %v", chatID, err)
		}
		return
	}

	if !e.store.HasChat(chatID) && msg.From.ID != e.cfg.Telegram.AdminID {
		e.ch.AlertOperator(fmt.Sprintf("🦉 New perch: %s (%d)", channel.ChatDisplayName(msg.Chat), chatID))
	}
	e.store.UpdateChatName(chatID, channel.ChatDisplayName(msg.Chat))
	e.store.TrackUser(chatID, msg.From.ID, displayName(msg.From), msg.From.IsBot)
	if msg.From.IsBot {
		return
	}

	text := messageText(msg.Message)

	if strings.HasPrefix(text, "/") {
		e.handleCommand(ctx, msg, text)
		return
	}

	muted := e.store.IsTopicMuted(chatID, msg.ThreadID)

	voice := false
	if msg.Voice != nil || msg.Audio != nil {
		// Transcriptions post even in muted topics; only the AI
		// follow-up is gated below. The transcript then stands in for
		// the message text through the rest of the pipeline.
		text = e.handleVoice(ctx, msg)
		if text == "" {
			return
		}
		voice = true
	}

	// The analysis buffer observes every message; only the reply
	// context below skips muted topics.
	name := displayName(msg.From)
	if text != "" {
		if batch := e.history.Observe(chatID, msg.From.ID, name, text); len(batch) > 0 {
			go e.flushAnalysis(chatID, batch)
		}
	}

	if muted {
		return
	}

	// Snapshot before appending so the model never sees the current
	// message twice (once in history, once as the prompt).
	turns := e.turns(chatID)
	if text != "" {
		line := name + ": " + text
		if voice {
			line = name + " (voice): " + text
		}
		e.history.Append(chatID, "user", line)
	}

	prompt := text + media.StickerNote(msg.Message)
	if prompt == "" && msg.Sticker == nil && len(msg.Photo) == 0 && msg.Video == nil && msg.Document == nil {
		return
	}

	if !e.addressed(msg, text) {
		e.maybeChimeIn(ctx, msg, text)
		return
	}

	if e.tryIntent(ctx, msg, text) {
		return
	}

	e.respond(ctx, msg, turns, prompt, false)
}

// addressed reports whether the message explicitly targets the bot:
// a trigger word, or a direct reply to one of its messages.
func (e *Engine) addressed(msg *channel.Message, text string) bool {
	if e.trigger.MatchString(text) {
		return true
	}
	r := msg.ReplyToMessage
	return r != nil && r.From != nil && r.From.ID == e.botID
}

// maybeChimeIn handles untargeted messages: a small chance of joining the
// conversation (gated by a relevance check that fails closed), otherwise a
// small chance of an emoji reaction. Both rolls require a message longer
// than the ambient minimum, and the two are exclusive.
func (e *Engine) maybeChimeIn(ctx context.Context, msg *channel.Message, text string) {
	chatID := msg.Chat.ID
	eng := e.cfg.Engine

	if len([]rune(text)) <= eng.MinAmbientLength {
		return
	}

	if e.rand() < eng.AmbientChance {
		engage, err := e.ai.ClassifyEngage(ctx, e.history.Recent(chatID, 10))
		if err != nil {
			log.Printf("[engine] engage check failed, staying quiet: %v", err)
			return
		}
		if engage {
			e.respond(ctx, msg, e.turns(chatID), text, true)
		}
		return
	}

	if e.rand() < eng.ReactionChance {
		emoji, err := e.ai.ClassifyReaction(ctx, e.history.Recent(chatID, 5))
		if err != nil || emoji == "" {
			return
		}
		if err := e.ch.SetReaction(chatID, msg.MessageID, emoji); err != nil {
			log.Printf("[engine] reaction failed: %v", err)
		}
	}
}

// respond runs the full reply pipeline: typing indicator, media
// resolution, AI call, dispatch, and the post-reply bookkeeping.
func (e *Engine) respond(ctx context.Context, msg *channel.Message, turns []ai.Turn, prompt string, ambient bool) {
	chatID, threadID := msg.Chat.ID, msg.ThreadID

	ind := typing.New(func() { e.ch.SendAction(chatID, threadID, "typing") })
	ind.Start()
	defer ind.Stop()

	att, refusal := e.media.Resolve(msg.Message)
	if refusal != "" {
		e.deliver(msg, refusal)
		return
	}

	req := ai.RespondRequest{
		History:     turns,
		Sender:      displayName(msg.From),
		Text:        prompt,
		ReplyText:   replyText(msg.Message),
		Instruction: e.store.UserInstruction(msg.From.UserName),
		Profile:     e.store.Profile(chatID, msg.From.ID),
		Ambient:     ambient,
	}
	if att != nil {
		req.Attachment, req.MimeType = att.Data, att.Mime
	}

	out, err := e.ai.Respond(ctx, req)
	ind.Stop()

	if err != nil || strings.TrimSpace(out) == "" {
		errText := ""
		if err != nil {
			errText = err.Error()
			log.Printf("[engine] ai respond failed in chat %d: %v", chatID, err)
		} else {
			log.Printf("[engine] ai returned empty reply in chat %d", chatID)
		}
		e.deliver(msg, ai.Excuse(errText))
		e.ch.AlertOperator(fmt.Sprintf("⚠️ Reply failed in chat %d: %s", chatID, firstLine(errText)))
		return
	}

	e.deliver(msg, out)
	e.history.Append(chatID, "assistant", out)
	go e.analyzeImmediate(chatID, msg.From.ID)
}

// handleDirect covers private chats: the operator converses normally,
// everyone else gets a refusal and their message forwarded.
func (e *Engine) handleDirect(ctx context.Context, msg *channel.Message) {
	text := messageText(msg.Message)
	if msg.From.ID == e.cfg.Telegram.AdminID {
		if strings.HasPrefix(text, "/") {
			e.handleCommand(ctx, msg, text)
			return
		}
		turns := e.turns(msg.Chat.ID)
		if text != "" {
			e.history.Append(msg.Chat.ID, "user", displayName(msg.From)+": "+text)
		}
		e.respond(ctx, msg, turns, text, false)
		return
	}

	if cmd := strings.ToLower(strings.TrimSpace(text)); cmd == "/start" || strings.HasPrefix(cmd, "/start@") {
		e.deliver(msg, helpText)
		return
	}

	e.ch.AlertOperator(fmt.Sprintf("📨 DM from %s (%d): %s", displayName(msg.From), msg.From.ID, text))
	e.ch.SendAction(msg.Chat.ID, 0, "typing")
	e.deliver(msg, "🦉 I don't do private audiences. Find me in the group.")
}

// handleVoice transcribes a voice note or audio file and posts the text,
// adding the gist only when it is meaningfully shorter than the
// transcription. Returns the transcript, empty when nothing usable came
// out.
func (e *Engine) handleVoice(ctx context.Context, msg *channel.Message) string {
	chatID := msg.Chat.ID

	ind := typing.New(func() { e.ch.SendAction(chatID, msg.ThreadID, "typing") })
	ind.Start()
	defer ind.Stop()

	fileID, mime := "", ""
	if msg.Voice != nil {
		fileID, mime = msg.Voice.FileID, msg.Voice.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
	} else {
		fileID, mime = msg.Audio.FileID, msg.Audio.MimeType
		if mime == "" {
			mime = "audio/mpeg"
		}
	}

	data, err := e.ch.Download(fileID)
	if err != nil {
		log.Printf("[engine] voice download failed: %v", err)
		return ""
	}

	tr, err := e.ai.Transcribe(ctx, data, displayName(msg.From), mime)
	if err != nil || tr == nil || strings.TrimSpace(tr.Text) == "" {
		log.Printf("[engine] transcription failed in chat %d: %v", chatID, err)
		e.deliver(msg, ai.Excuse(errString(err)))
		return ""
	}

	out := "🦉 *Heard that:* " + tr.Text
	if usefulSummary(tr.Text, tr.Summary) {
		out += "\n\n*Gist:* " + tr.Summary
	}
	e.deliver(msg, out)
	return tr.Text
}

// usefulSummary accepts a summary only when it compresses the original
// enough to be worth posting.
func usefulSummary(text, summary string) bool {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return false
	}
	return float64(len([]rune(summary))) < 0.65*float64(len([]rune(text)))
}

// flushAnalysis runs the batched profile analysis for one swapped buffer.
func (e *Engine) flushAnalysis(chatID int64, batch []history.Observation) {
	seen := make(map[int64]bool)
	uids := make([]int64, 0, len(batch))
	obs := make([]ai.Observation, 0, len(batch))
	for _, o := range batch {
		if !seen[o.UserID] {
			seen[o.UserID] = true
			uids = append(uids, o.UserID)
		}
		obs = append(obs, ai.Observation{UserID: o.UserID, Name: o.Name, Text: o.Text})
	}

	profiles := e.store.ProfilesFor(chatID, uids)
	deltas, err := e.ai.BatchAnalyze(context.Background(), obs, profiles)
	if err != nil {
		log.Printf("[engine] batch analysis failed for chat %d: %v", chatID, err)
		return
	}
	e.store.ApplyProfileDeltas(chatID, deltas)
	log.Printf("[engine] applied %d profile updates in chat %d", len(deltas), chatID)
}

// analyzeImmediate refreshes one user's profile right after a direct
// exchange with the bot. Best effort.
func (e *Engine) analyzeImmediate(chatID, userID int64) {
	recent := e.history.Recent(chatID, 5)
	if recent == "" {
		return
	}
	delta, err := e.ai.AnalyzeImmediate(context.Background(), recent, e.store.Profile(chatID, userID))
	if err != nil || delta == nil {
		return
	}
	e.store.ApplyProfileDeltas(chatID, map[int64]store.ProfileDelta{userID: *delta})
}

func (e *Engine) turns(chatID int64) []ai.Turn {
	hist := e.history.History(chatID)
	turns := make([]ai.Turn, 0, len(hist))
	for _, u := range hist {
		turns = append(turns, ai.Turn{Role: u.Role, Text: u.Text})
	}
	return turns
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func replyText(msg *tgbotapi.Message) string {
	r := msg.ReplyToMessage
	if r == nil {
		return ""
	}
	if r.Text != "" {
		return r.Text
	}
	return r.Caption
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return fmt.Sprintf("user %d", u.ID)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
