package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sovabot/sova/internal/ai"
	"github.com/sovabot/sova/internal/channel"
	"github.com/sovabot/sova/internal/config"
	"github.com/sovabot/sova/internal/history"
	"github.com/sovabot/sova/internal/media"
	"github.com/sovabot/sova/internal/store"
)

const (
	testAdminID = int64(777)
	testBotID   = int64(12345)
)

type fakeAI struct {
	mu          sync.Mutex
	respondOut  string
	respondErr  error
	respondReqs []ai.RespondRequest
	engage      bool
	engageErr   error
	reaction    string
	flavor      string
	transcript  *ai.Transcription
	transMimes  []string
	batchDone   chan struct{}
	batches     [][]ai.Observation
}

func (f *fakeAI) Respond(ctx context.Context, req ai.RespondRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respondReqs = append(f.respondReqs, req)
	return f.respondOut, f.respondErr
}

func (f *fakeAI) ClassifyEngage(ctx context.Context, historyText string) (bool, error) {
	return f.engage, f.engageErr
}

func (f *fakeAI) ClassifyReaction(ctx context.Context, contextText string) (string, error) {
	return f.reaction, nil
}

func (f *fakeAI) Transcribe(ctx context.Context, data []byte, speaker, mime string) (*ai.Transcription, error) {
	f.mu.Lock()
	f.transMimes = append(f.transMimes, mime)
	f.mu.Unlock()
	if f.transcript == nil {
		return nil, errors.New("no transcript")
	}
	return f.transcript, nil
}

func (f *fakeAI) BatchAnalyze(ctx context.Context, batch []ai.Observation, current map[int64]store.Profile) (map[int64]store.ProfileDelta, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	if f.batchDone != nil {
		close(f.batchDone)
	}
	return map[int64]store.ProfileDelta{}, nil
}

func (f *fakeAI) AnalyzeImmediate(ctx context.Context, recentContext string, profile store.Profile) (*store.ProfileDelta, error) {
	return nil, nil
}

func (f *fakeAI) FlavorText(ctx context.Context, task, outcome string) (string, error) {
	if f.flavor == "" {
		return "", errors.New("no flavor")
	}
	return f.flavor, nil
}

func (f *fakeAI) ProfileDescription(ctx context.Context, profile store.Profile, name string) (string, error) {
	return "An odd bird, " + name + ".", nil
}

type fakeTransport struct {
	mu        sync.Mutex
	replies   []string
	plains    []string
	texts     []string
	reactions []string
	alerts    []string
	left      []int64
	replyErr  error
}

func (f *fakeTransport) SendReply(chatID int64, threadID, replyTo int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return f.replyErr
	}
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeTransport) SendPlain(chatID int64, threadID, replyTo int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plains = append(f.plains, text)
	return nil
}

func (f *fakeTransport) SendText(chatID int64, threadID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) SendAction(chatID int64, threadID int, action string) {}

func (f *fakeTransport) SetReaction(chatID int64, messageID int, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) LeaveChat(chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, chatID)
	return nil
}

func (f *fakeTransport) AlertOperator(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, text)
}

func (f *fakeTransport) Download(fileID string) ([]byte, error) {
	return []byte("audio-bytes"), nil
}

func (f *fakeTransport) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type fakeAttachments struct {
	att     *media.Attachment
	refusal string
}

func (f *fakeAttachments) Resolve(msg *tgbotapi.Message) (*media.Attachment, string) {
	return f.att, f.refusal
}

type fakeReminders struct {
	confirmation string
	err          error
	calls        int
}

func (f *fakeReminders) Schedule(ctx context.Context, chatID, userID int64, username, text, replyContext string) (string, error) {
	f.calls++
	return f.confirmation, f.err
}

type fixture struct {
	engine    *Engine
	ai        *fakeAI
	transport *fakeTransport
	store     *store.Store
	history   *history.Service
	reminders *fakeReminders
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "12345:TESTTOKEN"
	cfg.Telegram.AdminID = testAdminID
	cfg.DataDir = t.TempDir()

	st, err := store.New(cfg.DataDir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	hist := history.New(cfg.Engine.HistorySize, cfg.Engine.BufferSize)
	fai := &fakeAI{respondOut: "Hoot. What now?"}
	transport := &fakeTransport{}
	reminders := &fakeReminders{}

	e, err := New(cfg, st, hist, fai, transport, &fakeAttachments{}, reminders)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetBotName("sova_bot")
	// Both ambient and reaction rolls fail unless a test overrides.
	e.rand = func() float64 { return 0.99 }
	e.randInt = func(n int) int { return 0 }
	return &fixture{engine: e, ai: fai, transport: transport, store: st, history: hist, reminders: reminders}
}

func groupMsg(userID int64, name, text string) *channel.Message {
	return &channel.Message{Message: &tgbotapi.Message{
		MessageID: 100,
		From:      &tgbotapi.User{ID: userID, FirstName: name, UserName: strings.ToLower(name)},
		Chat:      &tgbotapi.Chat{ID: -500, Type: "supergroup", Title: "Perch"},
		Text:      text,
	}}
}

func privateMsg(userID int64, name, text string) *channel.Message {
	return &channel.Message{Message: &tgbotapi.Message{
		MessageID: 100,
		From:      &tgbotapi.User{ID: userID, FirstName: name, UserName: strings.ToLower(name)},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}}
}

func TestTriggerWordProducesReply(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova, are you awake?"))

	if got := f.transport.replyCount(); got != 1 {
		t.Fatalf("replies = %d, want 1", got)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 1 {
		t.Fatalf("respond calls = %d, want 1", len(f.ai.respondReqs))
	}
	req := f.ai.respondReqs[0]
	if req.Sender != "Alice" || req.Ambient {
		t.Errorf("req = %+v", req)
	}
	if len(req.History) != 0 {
		t.Errorf("history snapshot should precede the current message, got %d turns", len(req.History))
	}

	hist := f.history.History(-500)
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Errorf("history = %+v, want user then assistant", hist)
	}
}

func TestTriggerWordInsideAnotherWordIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "the sovarium is closed"))
	if got := f.transport.replyCount(); got != 0 {
		t.Fatalf("replies = %d, want 0", got)
	}
}

func TestReplyToBotTriggers(t *testing.T) {
	f := newFixture(t)
	msg := groupMsg(1, "Alice", "and what about yesterday?")
	msg.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: testBotID}, Text: "Hoot."}

	f.engine.HandleMessage(context.Background(), msg)
	if got := f.transport.replyCount(); got != 1 {
		t.Fatalf("replies = %d, want 1", got)
	}
}

func TestUntargetedMessageStaysQuiet(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "nice weather today, very sunny"))

	if got := f.transport.replyCount(); got != 0 {
		t.Fatalf("replies = %d, want 0", got)
	}
	if len(f.history.History(-500)) != 1 {
		t.Error("untargeted message must still land in history")
	}
}

func TestAmbientEngageFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.engine.rand = func() float64 { return 0 } // ambient roll always passes
	f.ai.engageErr = errors.New("classifier down")

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "a long enough message about nothing"))
	if got := f.transport.replyCount(); got != 0 {
		t.Fatalf("replies = %d, want 0 when the engage check errors", got)
	}
}

func TestAmbientEngagePositive(t *testing.T) {
	f := newFixture(t)
	f.engine.rand = func() float64 { return 0 }
	f.ai.engage = true

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "a long enough message about nothing"))
	if got := f.transport.replyCount(); got != 1 {
		t.Fatalf("replies = %d, want 1", got)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if !f.ai.respondReqs[0].Ambient {
		t.Error("ambient replies must be marked ambient")
	}
}

func TestShortMessageSkipsAmbientAndReaction(t *testing.T) {
	f := newFixture(t)
	f.engine.rand = func() float64 { return 0 } // every roll would pass
	f.ai.reaction = "🔥"

	// Ten runes exactly: at the threshold, still too short.
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "0123456789"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.reactions) != 0 {
		t.Errorf("reactions = %v, short messages must not react", f.transport.reactions)
	}
	if len(f.transport.replies) != 0 {
		t.Errorf("replies = %v, short messages must stay quiet", f.transport.replies)
	}
}

func TestFailedAmbientRollFallsThroughToReaction(t *testing.T) {
	f := newFixture(t)
	rolls := 0
	f.engine.rand = func() float64 {
		rolls++
		if rolls == 1 {
			return 0.5 // ambient roll misses
		}
		return 0 // reaction roll passes
	}
	f.ai.reaction = "🔥"

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "a long enough message about nothing"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.reactions) != 1 || f.transport.reactions[0] != "🔥" {
		t.Fatalf("reactions = %v, want one 🔥", f.transport.reactions)
	}
	if len(f.transport.replies) != 0 {
		t.Errorf("replies = %v, reaction must not come with a reply", f.transport.replies)
	}
}

func TestEmptyAIReplyFallsBackWithAlert(t *testing.T) {
	f := newFixture(t)
	f.ai.respondOut = ""

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova say something"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 {
		t.Fatalf("replies = %d, want one canned phrase", len(f.transport.replies))
	}
	if len(f.transport.alerts) != 1 {
		t.Fatalf("alerts = %v, want one operator alert", f.transport.alerts)
	}
}

func TestCoinFlipAnswersOnce(t *testing.T) {
	f := newFixture(t)
	f.ai.flavor = "The coin says tails, obviously."

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova flip a coin"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 {
		t.Fatalf("replies = %v, want exactly one", f.transport.replies)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 0 {
		t.Error("an intent must not also hit the conversation path")
	}
}

func TestMuteGateSilencesAndSkipsHistory(t *testing.T) {
	f := newFixture(t)
	f.store.ToggleMute(-500, 0)

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova are you there?"))
	if got := f.transport.replyCount(); got != 0 {
		t.Fatalf("replies = %d, want 0 while muted", got)
	}
	if got := len(f.history.History(-500)); got != 0 {
		t.Errorf("history = %d entries, muted messages must stay out of the reply context", got)
	}

	// /mute keeps working while muted, so the topic can be unmuted.
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "/mute"))
	if got := f.transport.replyCount(); got != 1 {
		t.Fatalf("replies = %d, want the unmute confirmation", got)
	}
	if f.store.IsTopicMuted(-500, 0) {
		t.Error("topic should be unmuted")
	}
}

func TestMutedMessagesStillFeedAnalysisBuffer(t *testing.T) {
	f := newFixture(t)
	f.history = history.New(30, 2)
	f.engine.history = f.history
	f.ai.batchDone = make(chan struct{})
	f.store.ToggleMute(-500, 0)

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "first muted message"))
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "second muted message"))

	select {
	case <-f.ai.batchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("muted messages never reached the analysis batch")
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.batches) != 1 || len(f.ai.batches[0]) != 2 {
		t.Fatalf("batches = %+v, want one batch of 2", f.ai.batches)
	}
}

func TestCommandAddressedToAnotherBotIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "/mute@other_bot"))
	if f.store.IsTopicMuted(-500, 0) {
		t.Error("command for another bot must be ignored")
	}

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "/mute@sova_bot"))
	if !f.store.IsTopicMuted(-500, 0) {
		t.Error("command with our @name must apply")
	}
}

func TestResetClearsHistory(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "remember this, very important"))
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "/reset"))

	if got := len(f.history.History(-500)); got != 0 {
		t.Errorf("history = %d entries, want 0 after reset", got)
	}
}

func TestDirectMessageRefusedAndForwarded(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), privateMsg(1, "Alice", "talk to me in private"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.alerts) != 1 || !strings.Contains(f.transport.alerts[0], "talk to me in private") {
		t.Fatalf("alerts = %v, want forwarded DM", f.transport.alerts)
	}
	if len(f.transport.replies) != 1 {
		t.Fatalf("replies = %v, want one refusal", f.transport.replies)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 0 {
		t.Error("strangers' DMs must not reach the model")
	}
}

func TestOperatorDMConverses(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), privateMsg(testAdminID, "Boss", "status report"))

	if got := f.transport.replyCount(); got != 1 {
		t.Fatalf("replies = %d, want 1", got)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 1 {
		t.Error("operator DMs go straight to the model")
	}
}

func TestOperatorLeavingTakesBotAlong(t *testing.T) {
	f := newFixture(t)
	msg := groupMsg(1, "Alice", "")
	msg.LeftChatMember = &tgbotapi.User{ID: testAdminID}

	f.engine.HandleMessage(context.Background(), msg)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.left) != 1 || f.transport.left[0] != -500 {
		t.Fatalf("left = %v, want [-500]", f.transport.left)
	}
	if len(f.transport.texts) != 1 {
		t.Errorf("texts = %v, want a goodbye before leaving", f.transport.texts)
	}
}

func TestNewChatAlertsOperatorOnce(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "hello everyone"))
	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "hello again"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.alerts) != 1 || !strings.Contains(f.transport.alerts[0], "Perch") {
		t.Fatalf("alerts = %v, want a single new-chat alert", f.transport.alerts)
	}
}

func TestMediaRefusalShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.engine.media = &fakeAttachments{refusal: "🐢 Too big."}

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova look at this"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 || f.transport.replies[0] != "🐢 Too big." {
		t.Fatalf("replies = %v, want the refusal only", f.transport.replies)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 0 {
		t.Error("a refused attachment must not reach the model")
	}
}

func TestVoiceTranscriptionWithGist(t *testing.T) {
	f := newFixture(t)
	f.ai.transcript = &ai.Transcription{
		Text:    "a very long rambling story about the weekend and everything that went wrong with it",
		Summary: "weekend went wrong",
	}
	msg := groupMsg(1, "Alice", "")
	msg.Text = ""
	msg.Voice = &tgbotapi.Voice{FileID: "v1", Duration: 30}

	f.engine.HandleMessage(context.Background(), msg)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 {
		t.Fatalf("replies = %v, want transcription", f.transport.replies)
	}
	if !strings.Contains(f.transport.replies[0], "Gist:") {
		t.Errorf("reply = %q, want the gist section", f.transport.replies[0])
	}
	hist := f.history.History(-500)
	if len(hist) != 1 || !strings.Contains(hist[0].Text, "(voice)") {
		t.Errorf("history = %+v, want the voice turn", hist)
	}
}

func TestVoiceGistOmittedWhenNotShorter(t *testing.T) {
	f := newFixture(t)
	f.ai.transcript = &ai.Transcription{Text: "short note", Summary: "a short note"}
	msg := groupMsg(1, "Alice", "")
	msg.Text = ""
	msg.Voice = &tgbotapi.Voice{FileID: "v1"}

	f.engine.HandleMessage(context.Background(), msg)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if strings.Contains(f.transport.replies[0], "Gist:") {
		t.Errorf("reply = %q, gist adds nothing here", f.transport.replies[0])
	}
}

func TestVoiceTranscriptReentersPipeline(t *testing.T) {
	f := newFixture(t)
	f.ai.transcript = &ai.Transcription{Text: "sova are you hearing this nonsense"}
	msg := groupMsg(1, "Alice", "")
	msg.Voice = &tgbotapi.Voice{FileID: "v1"}

	f.engine.HandleMessage(context.Background(), msg)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 2 {
		t.Fatalf("replies = %v, want transcription then the answer", f.transport.replies)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 1 || f.ai.respondReqs[0].Text != "sova are you hearing this nonsense" {
		t.Errorf("respond requests = %+v, want the transcript as prompt", f.ai.respondReqs)
	}
}

func TestVoiceTranscriptionPostsEvenWhenMuted(t *testing.T) {
	f := newFixture(t)
	f.store.ToggleMute(-500, 0)
	f.ai.transcript = &ai.Transcription{Text: "sova wake up right now"}
	msg := groupMsg(1, "Alice", "")
	msg.Voice = &tgbotapi.Voice{FileID: "v1"}

	f.engine.HandleMessage(context.Background(), msg)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 {
		t.Fatalf("replies = %v, want the transcription only", f.transport.replies)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 0 {
		t.Error("muted topics must not get an AI follow-up")
	}
}

func TestAudioFileTranscribesLikeVoice(t *testing.T) {
	f := newFixture(t)
	f.ai.transcript = &ai.Transcription{Text: "a forwarded lecture recording nobody asked for"}
	msg := groupMsg(1, "Alice", "")
	msg.Audio = &tgbotapi.Audio{FileID: "a1", Duration: 120}

	f.engine.HandleMessage(context.Background(), msg)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 {
		t.Fatalf("replies = %v, want the transcription", f.transport.replies)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.transMimes) != 1 || f.ai.transMimes[0] != "audio/mpeg" {
		t.Errorf("transcribe mimes = %v, want the audio/mpeg fallback", f.ai.transMimes)
	}
	hist := f.history.History(-500)
	if len(hist) != 1 || !strings.Contains(hist[0].Text, "(voice)") {
		t.Errorf("history = %+v, want the transcript turn", hist)
	}
}

func TestStrangerStartDMGetsGuide(t *testing.T) {
	f := newFixture(t)
	f.engine.HandleMessage(context.Background(), privateMsg(1, "Alice", "/start"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 || !strings.Contains(f.transport.replies[0], "I am Sova") {
		t.Fatalf("replies = %v, want the guide text", f.transport.replies)
	}
	if len(f.transport.alerts) != 0 {
		t.Errorf("alerts = %v, a /start probe is not worth forwarding", f.transport.alerts)
	}
}

func TestReminderSchedulingErrorLoggedSilently(t *testing.T) {
	f := newFixture(t)
	f.reminders.err = errors.New("parser down")

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova remind me at noon"))

	if got := f.transport.replyCount(); got != 0 {
		t.Fatalf("replies = %d, want silence on a scheduling error", got)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 0 {
		t.Error("a failed reminder must not fall through to conversation")
	}
}

func TestReminderConfirmationStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.reminders.confirmation = "Fine, I'll hoot at you at noon."

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova remind me at noon to stretch"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.replies) != 1 || f.transport.replies[0] != "Fine, I'll hoot at you at noon." {
		t.Fatalf("replies = %v", f.transport.replies)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 0 {
		t.Error("a confirmed reminder must not also get a conversational reply")
	}
}

func TestReminderWithoutTimeFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.reminders.confirmation = ""

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova remind me about that thing"))

	if f.reminders.calls != 1 {
		t.Fatalf("reminder calls = %d, want 1", f.reminders.calls)
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.respondReqs) != 1 {
		t.Error("with no parseable time the message goes to the conversation path")
	}
}

func TestBufferFlushTriggersBatchAnalysis(t *testing.T) {
	f := newFixture(t)
	f.history = history.New(30, 3)
	f.engine.history = f.history
	f.ai.batchDone = make(chan struct{})

	for _, text := range []string{"first long message", "second long message", "third long message"} {
		f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", text))
	}

	select {
	case <-f.ai.batchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("batch analysis never ran")
	}
	f.ai.mu.Lock()
	defer f.ai.mu.Unlock()
	if len(f.ai.batches) != 1 || len(f.ai.batches[0]) != 3 {
		t.Fatalf("batches = %+v, want one batch of 3", f.ai.batches)
	}
}

func TestFormattedSendFailureFallsBackRaw(t *testing.T) {
	f := newFixture(t)
	f.transport.replyErr = errors.New("telegram: 400 can't parse entities")

	f.engine.HandleMessage(context.Background(), groupMsg(1, "Alice", "sova talk"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if len(f.transport.plains) != 1 {
		t.Fatalf("plains = %v, want the raw fallback", f.transport.plains)
	}
}
