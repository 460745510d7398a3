// Package channel is the Telegram transport: long polling in, sends out.
// Everything the engine needs from the platform goes through the BotAPI
// interface so tests can substitute a fake.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sovabot/sova/internal/config"
)

// MaxMessageLen is the per-message character budget. Telegram caps messages
// at 4096; leaving headroom avoids edge failures on entity expansion.
const MaxMessageLen = 4000

// BotAPI is the slice of the Telegram client the channel relies on.
// Topic threads and reactions postdate the typed bindings, so both reads
// and writes go through MakeRequest with raw params.
type BotAPI interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetSelf() tgbotapi.User
}

type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return w.bot.MakeRequest(endpoint, params)
}

func (w *botWrapper) GetFileDirectURL(fileID string) (string, error) {
	return w.bot.GetFileDirectURL(fileID)
}

func (w *botWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates BotAPI instances (allows mocking).
type BotFactory func(token string, client *http.Client) (BotAPI, error)

var defaultBotFactory BotFactory = func(token string, client *http.Client) (BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botWrapper{bot: bot}, nil
}

// Channel owns the Telegram connection and the polling loop.
type Channel struct {
	cfg        config.TelegramConfig
	bot        BotAPI
	httpClient *http.Client
	botFactory BotFactory
	cancel     context.CancelFunc
}

func New(cfg config.TelegramConfig) (*Channel, error) {
	return NewWithFactory(cfg, defaultBotFactory)
}

// NewWithFactory creates a Channel with a custom bot factory (for testing).
func NewWithFactory(cfg config.TelegramConfig, factory BotFactory) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &Channel{cfg: cfg, httpClient: http.DefaultClient, botFactory: factory}, nil
}

func (c *Channel) initBot() error {
	client := http.DefaultClient
	if c.cfg.Proxy != "" {
		proxyURL, err := url.Parse(c.cfg.Proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}
	c.httpClient = client

	bot, err := c.botFactory(c.cfg.Token, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

// Message is one inbound message plus the forum topic it arrived in.
// The typed bindings predate topics, so the thread id is decoded from
// the raw update separately.
type Message struct {
	*tgbotapi.Message
	ThreadID int
}

// Handler processes one inbound message. Each message runs on its own
// goroutine; handlers must be safe for concurrent invocation.
type Handler func(ctx context.Context, msg *Message)

// Connect authorizes with the Telegram API without starting the poll
// loop, so callers can read Self before any handler goroutine runs.
func (c *Channel) Connect() error {
	if c.bot != nil {
		return nil
	}
	return c.initBot()
}

// Start begins long polling and dispatches every message to handler.
func (c *Channel) Start(ctx context.Context, handler Handler) error {
	if err := c.Connect(); err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go c.poll(ctx, handler)

	log.Printf("[telegram] polling started")
	return nil
}

func (c *Channel) poll(ctx context.Context, handler Handler) {
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		params := tgbotapi.Params{}
		params.AddNonZero("offset", offset)
		params.AddNonZero("timeout", 30)
		params["allowed_updates"] = `["message"]`
		resp, err := c.bot.MakeRequest("getUpdates", params)
		if err != nil {
			log.Printf("[telegram] getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal(resp.Result, &items); err != nil {
			log.Printf("[telegram] bad getUpdates payload: %v", err)
			continue
		}
		for _, item := range items {
			var upd struct {
				UpdateID int             `json:"update_id"`
				Message  json.RawMessage `json:"message"`
			}
			if err := json.Unmarshal(item, &upd); err != nil {
				continue
			}
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			if len(upd.Message) == 0 {
				continue
			}
			msg, err := DecodeMessage(upd.Message)
			if err != nil {
				log.Printf("[telegram] bad message payload: %v", err)
				continue
			}
			go handler(ctx, msg)
		}
	}
}

// DecodeMessage parses a raw Bot API message, recovering the topic thread
// id the typed struct drops. Non-topic messages land in thread 0.
func DecodeMessage(raw json.RawMessage) (*Message, error) {
	var base tgbotapi.Message
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}
	var extra struct {
		ThreadID int  `json:"message_thread_id"`
		IsTopic  bool `json:"is_topic_message"`
	}
	_ = json.Unmarshal(raw, &extra)
	threadID := 0
	if extra.IsTopic {
		threadID = extra.ThreadID
	}
	return &Message{Message: &base, ThreadID: threadID}, nil
}

func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	log.Printf("[telegram] stopped")
}

// SetBot sets the bot (for testing).
func (c *Channel) SetBot(bot BotAPI) { c.bot = bot }

// Self returns the bot's own Telegram identity.
func (c *Channel) Self() tgbotapi.User {
	if c.bot == nil {
		return tgbotapi.User{}
	}
	return c.bot.GetSelf()
}

func baseParams(chatID int64, threadID int) tgbotapi.Params {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_thread_id", threadID)
	return params
}

func (c *Channel) send(chatID int64, threadID, replyTo int, text, parseMode string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	params := baseParams(chatID, threadID)
	params["text"] = text
	params.AddNonEmpty("parse_mode", parseMode)
	params["disable_web_page_preview"] = "true"
	params.AddNonZero("reply_to_message_id", replyTo)
	_, err := c.bot.MakeRequest("sendMessage", params)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// SendReply sends Markdown-formatted text, chunked to the message budget;
// every chunk replies to the originating message. The first failing chunk
// aborts and surfaces the error so the caller can fall back.
func (c *Channel) SendReply(chatID int64, threadID, replyTo int, text string) error {
	for _, chunk := range SplitChunks(text, MaxMessageLen) {
		if err := c.send(chatID, threadID, replyTo, chunk, "Markdown"); err != nil {
			return err
		}
	}
	return nil
}

// SendPlain is the fallback path: same chunking, no formatting at all.
func (c *Channel) SendPlain(chatID int64, threadID, replyTo int, text string) error {
	for _, chunk := range SplitChunks(text, MaxMessageLen) {
		if err := c.send(chatID, threadID, replyTo, chunk, ""); err != nil {
			return err
		}
	}
	return nil
}

// SendText sends a standalone (non-reply) Markdown message to the topic.
func (c *Channel) SendText(chatID int64, threadID int, text string) error {
	return c.send(chatID, threadID, 0, text, "Markdown")
}

// SendAction emits a chat action ("typing", "upload_video", ...). Failures
// are deliberately swallowed: presence is cosmetic.
func (c *Channel) SendAction(chatID int64, threadID int, action string) {
	if c.bot == nil {
		return
	}
	params := baseParams(chatID, threadID)
	params["action"] = action
	if _, err := c.bot.MakeRequest("sendChatAction", params); err != nil {
		log.Printf("[telegram] chat action failed: %v", err)
	}
}

// SetReaction puts a single emoji reaction on a message.
func (c *Channel) SetReaction(chatID int64, messageID int, emoji string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_id", messageID)
	params["reaction"] = string(reaction)
	if _, err := c.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// LeaveChat makes the bot leave the given chat.
func (c *Channel) LeaveChat(chatID int64) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	if _, err := c.bot.MakeRequest("leaveChat", params); err != nil {
		return fmt.Errorf("leave chat %d: %w", chatID, err)
	}
	return nil
}

// IsChatMember reports whether the user is currently in the chat.
func (c *Channel) IsChatMember(chatID, userID int64) (bool, error) {
	if c.bot == nil {
		return false, fmt.Errorf("telegram bot not initialized")
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero64("user_id", userID)
	resp, err := c.bot.MakeRequest("getChatMember", params)
	if err != nil {
		return false, fmt.Errorf("get chat member: %w", err)
	}
	var member struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Result, &member); err != nil {
		return false, fmt.Errorf("parse chat member: %w", err)
	}
	return member.Status != "left" && member.Status != "kicked", nil
}

// AlertOperator forwards a note to the admin, fire-and-forget.
func (c *Channel) AlertOperator(text string) {
	if c.cfg.AdminID == 0 {
		return
	}
	if err := c.SendText(c.cfg.AdminID, 0, text); err != nil {
		log.Printf("[telegram] operator alert failed: %v", err)
	}
}

// Download fetches a Telegram file's bytes by file id.
func (c *Channel) Download(fileID string) ([]byte, error) {
	if c.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}
	link, err := c.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}
	return c.DownloadURL(link)
}

// DownloadURL fetches arbitrary bytes over HTTP (file links, image URLs).
func (c *Channel) DownloadURL(link string) ([]byte, error) {
	client := c.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(link)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", link, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded file is empty")
	}
	return data, nil
}

// SplitChunks splits text into rune-safe chunks of at most max characters,
// preferring to break at the last newline within the budget.
func SplitChunks(text string, max int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// ChatDisplayName picks the best human-readable name for a chat.
func ChatDisplayName(chat *tgbotapi.Chat) string {
	switch {
	case chat == nil:
		return "Unknown"
	case chat.Title != "":
		return chat.Title
	case chat.UserName != "":
		return chat.UserName
	case chat.FirstName != "":
		return chat.FirstName
	default:
		return strconv.FormatInt(chat.ID, 10)
	}
}
