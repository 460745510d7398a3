// Package ai talks to the generative backend through an OpenAI-compatible
// chat-completions endpoint. Conversational replies use the main model;
// cheap structured calls (classification, parsing, profile analysis) use
// the logic model.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sovabot/sova/internal/store"
)

type Turn struct {
	Role string
	Text string
}

type RespondRequest struct {
	History     []Turn
	Sender      string
	Text        string
	ReplyText   string
	Attachment  []byte
	MimeType    string
	Instruction string
	Profile     store.Profile
	Ambient     bool
}

type ParsedReminder struct {
	FireAt       time.Time
	Confirmation string
	Text         string
}

type Transcription struct {
	Text    string
	Summary string
}

type Client struct {
	api        openai.Client
	model      string
	logicModel string
	persona    string
}

func NewClient(apiKey, baseURL, model, logicModel string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		api:        openai.NewClient(opts...),
		model:      model,
		logicModel: logicModel,
		persona:    defaultPersona,
	}
}

const defaultPersona = `You are Sova, a grumpy but good-hearted owl living in a group chat. ` +
	`You answer briefly, with dry wit, in the language the chat speaks. ` +
	`You never mention being an AI or a language model.`

func (c *Client) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Respond produces the in-character reply for the current turn.
func (c *Client) Respond(ctx context.Context, req RespondRequest) (string, error) {
	var sys strings.Builder
	sys.WriteString(c.persona)
	if req.Ambient {
		sys.WriteString("\nYou are butting into the conversation uninvited; keep it short and on point.")
	}
	if req.Instruction != "" {
		sys.WriteString("\nOperator note about this user: " + req.Instruction)
	}
	if dossier := formatProfile(req.Profile); dossier != "" {
		sys.WriteString("\nWhat you know about the sender:\n" + dossier)
	}

	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(sys.String())}
	for _, turn := range req.History {
		msgs = append(msgs, openai.UserMessage(turn.Role+": "+turn.Text))
	}

	current := req.Sender + ": " + req.Text
	if req.ReplyText != "" {
		current = "(replying to: " + req.ReplyText + ")\n" + current
	}
	if len(req.Attachment) > 0 {
		msgs = append(msgs, attachmentMessage(current, req.Attachment, req.MimeType))
	} else {
		msgs = append(msgs, openai.UserMessage(current))
	}

	return c.complete(ctx, c.model, msgs)
}

// attachmentMessage builds a multimodal user message carrying the payload
// as a base64 data URL next to the text.
func attachmentMessage(text string, data []byte, mime string) openai.ChatCompletionMessageParamUnion {
	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	parts := []openai.ChatCompletionContentPartUnionParam{
		{OfText: &openai.ChatCompletionContentPartTextParam{Text: text}},
		{OfImageURL: &openai.ChatCompletionContentPartImageParam{
			ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: url},
		}},
	}
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: parts,
			},
		},
	}
}

func formatProfile(p store.Profile) string {
	var lines []string
	if p.RealName != "" {
		lines = append(lines, "Name: "+p.RealName)
	}
	if p.Facts != "" {
		lines = append(lines, "Facts: "+p.Facts)
	}
	if p.Attitude != "" {
		lines = append(lines, "Your attitude: "+p.Attitude)
	}
	lines = append(lines, fmt.Sprintf("Relationship score: %d/100", p.Relationship))
	return strings.Join(lines, "\n")
}

// ClassifyEngage asks whether the bot should join the conversation
// unprompted. Any transport failure reads as "no".
func (c *Client) ClassifyEngage(ctx context.Context, historyText string) (bool, error) {
	prompt := "Here is a group chat excerpt:\n" + historyText +
		"\n\nWould a witty comment from an outside observer land well right now? Answer with exactly YES or NO."
	out, err := c.complete(ctx, c.logicModel, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(prompt),
	})
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(out)), "YES"), nil
}

// ClassifyReaction picks an emoji reaction for the message, or "" for none.
func (c *Client) ClassifyReaction(ctx context.Context, contextText string) (string, error) {
	prompt := "Here is a group chat excerpt, last line is the message to react to:\n" + contextText +
		"\n\nPick one fitting emoji reaction from this set: 👍 ❤ 🔥 🤣 😢 🤔 👀 💯 🎉 🤝. " +
		"Answer with the single emoji, or NONE if no reaction fits."
	out, err := c.complete(ctx, c.logicModel, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(prompt),
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" || strings.EqualFold(out, "NONE") || len(out) > 16 {
		return "", nil
	}
	return out, nil
}

type reminderWire struct {
	TargetTime   string `json:"targetTime"`
	Confirmation string `json:"confirmation"`
	ReminderText string `json:"reminderText"`
}

// ParseReminder extracts an absolute fire time, an in-character
// confirmation and the reminder body from a natural-language request.
// Returns nil when no time could be parsed.
func (c *Client) ParseReminder(ctx context.Context, text, replyContext string) (*ParsedReminder, error) {
	now := time.Now().Format(time.RFC3339)
	var sb strings.Builder
	sb.WriteString("Current time: " + now + "\n")
	sb.WriteString("A chat user asked for a reminder: " + text + "\n")
	if replyContext != "" {
		sb.WriteString("The request replied to this message: " + replyContext + "\n")
	}
	sb.WriteString(`Extract the absolute reminder time. Reply with JSON only: ` +
		`{"targetTime": "<RFC3339 or empty if unparseable>", "confirmation": "<short in-character confirmation>", "reminderText": "<what to remind about>"}`)

	out, err := c.complete(ctx, c.logicModel, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.persona),
		openai.UserMessage(sb.String()),
	})
	if err != nil {
		return nil, err
	}

	var wire reminderWire
	if err := decodeJSON(out, &wire); err != nil {
		return nil, fmt.Errorf("parse reminder response: %w", err)
	}
	if wire.TargetTime == "" {
		return nil, nil
	}
	fireAt, err := time.Parse(time.RFC3339, wire.TargetTime)
	if err != nil {
		return nil, fmt.Errorf("reminder time %q: %w", wire.TargetTime, err)
	}
	return &ParsedReminder{FireAt: fireAt, Confirmation: wire.Confirmation, Text: wire.ReminderText}, nil
}

type transcriptionWire struct {
	Text    string `json:"text"`
	Summary string `json:"summary"`
}

// Transcribe converts a voice message to text plus a short summary.
func (c *Client) Transcribe(ctx context.Context, data []byte, speaker, mime string) (*Transcription, error) {
	prompt := fmt.Sprintf("Transcribe this voice message from %s verbatim, then summarize it in one or two sentences. "+
		`Reply with JSON only: {"text": "...", "summary": "..."}`, speaker)

	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	msg := openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
					{OfText: &openai.ChatCompletionContentPartTextParam{Text: prompt}},
					{OfImageURL: &openai.ChatCompletionContentPartImageParam{
						ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: url},
					}},
				},
			},
		},
	}

	out, err := c.complete(ctx, c.model, []openai.ChatCompletionMessageParamUnion{msg})
	if err != nil {
		return nil, err
	}
	var wire transcriptionWire
	if err := decodeJSON(out, &wire); err != nil {
		return nil, fmt.Errorf("parse transcription: %w", err)
	}
	if wire.Text == "" {
		return nil, nil
	}
	return &Transcription{Text: wire.Text, Summary: wire.Summary}, nil
}

// deltaWire tolerates the analyzer emitting relationship as number or string.
type deltaWire struct {
	RealName     string `json:"realName"`
	Facts        string `json:"facts"`
	Attitude     string `json:"attitude"`
	Relationship any    `json:"relationship"`
}

func (w deltaWire) toDelta() store.ProfileDelta {
	d := store.ProfileDelta{RealName: w.RealName, Facts: w.Facts, Attitude: w.Attitude}
	switch v := w.Relationship.(type) {
	case string:
		d.Relationship = v
	case float64:
		d.Relationship = fmt.Sprintf("%d", int(v))
	}
	return d
}

// BatchAnalyze derives profile updates from a buffered batch of messages.
func (c *Client) BatchAnalyze(ctx context.Context, batch []Observation, current map[int64]store.Profile) (map[int64]store.ProfileDelta, error) {
	var sb strings.Builder
	sb.WriteString("You maintain psychological dossiers on group chat members.\nRecent messages:\n")
	for _, o := range batch {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", o.UserID, o.Name, o.Text)
	}
	sb.WriteString("\nCurrent dossiers:\n")
	for uid, p := range current {
		fmt.Fprintf(&sb, "[%d] name=%q facts=%q attitude=%q relationship=%d\n",
			uid, p.RealName, p.Facts, p.Attitude, p.Relationship)
	}
	sb.WriteString("\nFor each user with something new, emit updated fields. Reply with JSON only: " +
		`{"<userId>": {"realName": "...", "facts": "...", "attitude": "...", "relationship": 0-100}, ...}. ` +
		"Omit users and fields with nothing new.")

	out, err := c.complete(ctx, c.logicModel, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(sb.String()),
	})
	if err != nil {
		return nil, err
	}

	var wire map[string]deltaWire
	if err := decodeJSON(out, &wire); err != nil {
		return nil, fmt.Errorf("parse batch analysis: %w", err)
	}
	deltas := make(map[int64]store.ProfileDelta, len(wire))
	for key, w := range wire {
		var uid int64
		if _, err := fmt.Sscanf(key, "%d", &uid); err != nil {
			continue
		}
		deltas[uid] = w.toDelta()
	}
	if len(deltas) == 0 {
		return nil, nil
	}
	return deltas, nil
}

// AnalyzeImmediate updates one sender's profile from the latest exchange.
func (c *Client) AnalyzeImmediate(ctx context.Context, recentContext string, profile store.Profile) (*store.ProfileDelta, error) {
	var sb strings.Builder
	sb.WriteString("Latest exchange:\n" + recentContext + "\n\nCurrent dossier on the sender:\n")
	sb.WriteString(formatProfile(profile))
	sb.WriteString("\n\nUpdate the dossier from this exchange. Reply with JSON only: " +
		`{"realName": "...", "facts": "...", "attitude": "...", "relationship": 0-100}. ` +
		"Omit fields with nothing new.")

	out, err := c.complete(ctx, c.logicModel, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(sb.String()),
	})
	if err != nil {
		return nil, err
	}
	var wire deltaWire
	if err := decodeJSON(out, &wire); err != nil {
		return nil, fmt.Errorf("parse immediate analysis: %w", err)
	}
	delta := wire.toDelta()
	if delta == (store.ProfileDelta{}) {
		return nil, nil
	}
	return &delta, nil
}

// FlavorText wraps a concrete outcome (coin flip, random pick) in persona.
func (c *Client) FlavorText(ctx context.Context, task, outcome string) (string, error) {
	prompt := fmt.Sprintf("You were asked to %s. The result is: %s. "+
		"Announce it in one or two sentences, in character. The result itself must appear verbatim.", task, outcome)
	return c.complete(ctx, c.model, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.persona),
		openai.UserMessage(prompt),
	})
}

// ProfileDescription renders a dossier as an in-character blurb about a user.
func (c *Client) ProfileDescription(ctx context.Context, profile store.Profile, name string) (string, error) {
	prompt := "Someone asked what you think of " + name + ". Your dossier:\n" + formatProfile(profile) +
		"\n\nGive your honest in-character opinion in a few sentences."
	return c.complete(ctx, c.model, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.persona),
		openai.UserMessage(prompt),
	})
}

// Observation mirrors a buffered chat message handed to the batch analyzer.
type Observation struct {
	UserID int64
	Name   string
	Text   string
}

// decodeJSON unmarshals model output, tolerating markdown code fences.
func decodeJSON(out string, v any) error {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```json")
		out = strings.TrimPrefix(out, "```")
		if idx := strings.LastIndex(out, "```"); idx >= 0 {
			out = out[:idx]
		}
		out = strings.TrimSpace(out)
	}
	// Some models pad JSON with prose; cut to the outermost braces.
	if start := strings.IndexAny(out, "{["); start > 0 {
		out = out[start:]
	}
	if end := strings.LastIndexAny(out, "}]"); end >= 0 && end < len(out)-1 {
		out = out[:end+1]
	}
	return json.Unmarshal([]byte(out), v)
}
