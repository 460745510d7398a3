package channel

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sovabot/sova/internal/config"
)

type fakeBot struct {
	requests []struct {
		endpoint string
		params   tgbotapi.Params
	}
	failEndpoints map[string]bool
}

func (f *fakeBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, struct {
		endpoint string
		params   tgbotapi.Params
	}{endpoint, params})
	if f.failEndpoints[endpoint] {
		return nil, fmt.Errorf("telegram: 400 bad request")
	}
	return &tgbotapi.APIResponse{Ok: true, Result: []byte(`{"status": "member"}`)}, nil
}

func (f *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	return "https://files.example/" + fileID, nil
}

func (f *fakeBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{ID: 42, UserName: "sova_bot"}
}

func newTestChannel(t *testing.T, bot BotAPI) *Channel {
	t.Helper()
	ch, err := NewWithFactory(config.TelegramConfig{Token: "42:t", AdminID: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ch.SetBot(bot)
	return ch
}

func TestConnectExposesSelfBeforePolling(t *testing.T) {
	created := 0
	factory := func(token string, client *http.Client) (BotAPI, error) {
		created++
		return &fakeBot{}, nil
	}
	ch, err := NewWithFactory(config.TelegramConfig{Token: "42:t", AdminID: 1}, factory)
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := ch.Self().UserName; got != "sova_bot" {
		t.Errorf("Self().UserName = %q, want sova_bot", got)
	}

	// A later Start must reuse the authorized bot, not build a new one.
	if err := ch.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if created != 1 {
		t.Errorf("factory calls = %d, want 1", created)
	}
}

func TestSendReplyChunksInOrder(t *testing.T) {
	bot := &fakeBot{}
	ch := newTestChannel(t, bot)

	long := strings.Repeat("a", MaxMessageLen) + "TAIL"
	if err := ch.SendReply(5, 0, 99, long); err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	if len(bot.requests) != 2 {
		t.Fatalf("requests = %d, want 2 chunks", len(bot.requests))
	}
	first, second := bot.requests[0].params, bot.requests[1].params
	if len(first["text"]) != MaxMessageLen {
		t.Errorf("first chunk len = %d", len(first["text"]))
	}
	if second["text"] != "TAIL" {
		t.Errorf("second chunk = %q", second["text"])
	}
	for i, req := range bot.requests {
		if req.params["reply_to_message_id"] != "99" {
			t.Errorf("chunk %d not sent as reply: %v", i, req.params)
		}
		if req.params["parse_mode"] != "Markdown" {
			t.Errorf("chunk %d parse mode = %q", i, req.params["parse_mode"])
		}
	}
}

func TestSendPlainHasNoParseMode(t *testing.T) {
	bot := &fakeBot{}
	ch := newTestChannel(t, bot)

	if err := ch.SendPlain(5, 3, 7, "raw *text*"); err != nil {
		t.Fatal(err)
	}
	params := bot.requests[0].params
	if _, ok := params["parse_mode"]; ok {
		t.Error("plain send must not set parse_mode")
	}
	if params["message_thread_id"] != "3" {
		t.Errorf("thread id = %q", params["message_thread_id"])
	}
}

func TestGeneralTopicOmitsThreadID(t *testing.T) {
	bot := &fakeBot{}
	ch := newTestChannel(t, bot)

	_ = ch.SendText(5, 0, "hello")
	if _, ok := bot.requests[0].params["message_thread_id"]; ok {
		t.Error("thread id 0 must be omitted from the request")
	}
}

func TestSetReaction(t *testing.T) {
	bot := &fakeBot{}
	ch := newTestChannel(t, bot)

	if err := ch.SetReaction(5, 10, "🔥"); err != nil {
		t.Fatal(err)
	}
	req := bot.requests[0]
	if req.endpoint != "setMessageReaction" {
		t.Errorf("endpoint = %q", req.endpoint)
	}
	if !strings.Contains(req.params["reaction"], "🔥") {
		t.Errorf("reaction payload = %q", req.params["reaction"])
	}
}

func TestIsChatMember(t *testing.T) {
	bot := &fakeBot{}
	ch := newTestChannel(t, bot)

	ok, err := ch.IsChatMember(5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("status member should count as present")
	}
}

func TestSendErrorSurfaces(t *testing.T) {
	bot := &fakeBot{failEndpoints: map[string]bool{"sendMessage": true}}
	ch := newTestChannel(t, bot)

	if err := ch.SendReply(5, 0, 1, "hi"); err == nil {
		t.Error("send failure must surface to the caller")
	}
}

func TestSplitChunks(t *testing.T) {
	if got := SplitChunks("", 10); got != nil {
		t.Errorf("empty input should yield no chunks, got %v", got)
	}

	chunks := SplitChunks("short", 10)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("chunks = %v", chunks)
	}

	// Prefers a newline break inside the budget.
	chunks = SplitChunks("aaaa\nbbbbbbbb", 10)
	if chunks[0] != "aaaa\n" {
		t.Errorf("first chunk = %q, want newline break", chunks[0])
	}

	// Multibyte runes are never split mid-character.
	text := strings.Repeat("я", 25)
	chunks = SplitChunks(text, 10)
	total := ""
	for _, c := range chunks {
		if len([]rune(c)) > 10 {
			t.Errorf("chunk too long: %d runes", len([]rune(c)))
		}
		total += c
	}
	if total != text {
		t.Error("chunks must reassemble to the original text")
	}
}

func TestChatDisplayName(t *testing.T) {
	if got := ChatDisplayName(&tgbotapi.Chat{Title: "Group"}); got != "Group" {
		t.Errorf("got %q", got)
	}
	if got := ChatDisplayName(&tgbotapi.Chat{UserName: "alice"}); got != "alice" {
		t.Errorf("got %q", got)
	}
	if got := ChatDisplayName(&tgbotapi.Chat{ID: 7}); got != "7" {
		t.Errorf("got %q", got)
	}
	if got := ChatDisplayName(nil); got != "Unknown" {
		t.Errorf("got %q", got)
	}
}

func TestDecodeMessageRecoversThreadID(t *testing.T) {
	raw := []byte(`{"message_id":5,"message_thread_id":77,"is_topic_message":true,` +
		`"chat":{"id":-100,"type":"supergroup"},"text":"hi"}`)
	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.ThreadID != 77 {
		t.Errorf("ThreadID = %d, want 77", msg.ThreadID)
	}
	if msg.Text != "hi" || msg.MessageID != 5 {
		t.Errorf("base fields lost: %+v", msg.Message)
	}

	// message_thread_id without is_topic_message marks a plain reply
	// inside a non-forum group; it must not become a topic.
	raw = []byte(`{"message_id":6,"message_thread_id":5,"chat":{"id":-100,"type":"supergroup"},"text":"re"}`)
	msg, err = DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.ThreadID != 0 {
		t.Errorf("ThreadID = %d, want 0 for non-topic message", msg.ThreadID)
	}
}
