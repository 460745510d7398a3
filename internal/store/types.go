package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Profile is the evolving per-user dossier kept for each chat.
type Profile struct {
	RealName     string `json:"realName,omitempty"`
	Facts        string `json:"facts,omitempty"`
	Attitude     string `json:"attitude,omitempty"`
	Relationship int    `json:"relationship"`
}

func DefaultProfile() Profile {
	return Profile{Attitude: "neutral", Relationship: 50}
}

// UnmarshalJSON keeps compatibility with records written before the
// relationship score existed: a missing key reads back as the neutral 50
// rather than 0.
func (p *Profile) UnmarshalJSON(data []byte) error {
	type wire struct {
		RealName     string `json:"realName"`
		Facts        string `json:"facts"`
		Attitude     string `json:"attitude"`
		Relationship *int   `json:"relationship"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.RealName = w.RealName
	p.Facts = w.Facts
	p.Attitude = w.Attitude
	if w.Relationship == nil {
		p.Relationship = 50
	} else {
		p.Relationship = *w.Relationship
	}
	return nil
}

// ProfileDelta is a partial profile update produced by the analyzer.
// Fields are merged into the stored profile only when they carry a usable
// value; Relationship is integer text (the analyzer may emit "72" or 72,
// both normalized to text upstream).
type ProfileDelta struct {
	RealName     string `json:"realName,omitempty"`
	Facts        string `json:"facts,omitempty"`
	Attitude     string `json:"attitude,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// merge applies the delta to p. Unknown/empty fields keep the prior value.
func (p *Profile) merge(d ProfileDelta) {
	if d.RealName != "" && !strings.EqualFold(d.RealName, "unknown") {
		p.RealName = d.RealName
	}
	if d.Facts != "" {
		p.Facts = d.Facts
	}
	if d.Attitude != "" {
		p.Attitude = d.Attitude
	}
	if score, err := strconv.Atoi(strings.TrimSpace(d.Relationship)); err == nil {
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		p.Relationship = score
	}
}

// Reminder is a one-shot scheduled delivery. It is removed after its first
// delivery attempt whether or not the send succeeded.
type Reminder struct {
	ID       string    `json:"id"`
	ChatID   int64     `json:"chatId"`
	UserID   int64     `json:"userId"`
	Username string    `json:"username"`
	Time     time.Time `json:"time"`
	Text     string    `json:"text"`
}

type chatRecord struct {
	MutedTopics []string          `json:"mutedTopics"`
	Users       map[string]string `json:"users"`
	ChatName    string            `json:"chatName,omitempty"`
}

func newChatRecord() *chatRecord {
	return &chatRecord{MutedTopics: []string{}, Users: map[string]string{}}
}

type database struct {
	Chats     map[string]*chatRecord `json:"chats"`
	Reminders []Reminder             `json:"reminders"`
}

func emptyDatabase() *database {
	return &database{Chats: map[string]*chatRecord{}, Reminders: []Reminder{}}
}

// chatProfiles is one chat's slice of the profiles document. On disk the
// chat name lives under the reserved "_chatName" key next to the user ids.
type chatProfiles struct {
	ChatName string
	Users    map[string]Profile
}

func newChatProfiles() *chatProfiles {
	return &chatProfiles{Users: map[string]Profile{}}
}

func (c *chatProfiles) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(c.Users)+1)
	if c.ChatName != "" {
		name, err := json.Marshal(c.ChatName)
		if err != nil {
			return nil, err
		}
		raw["_chatName"] = name
	}
	for id, p := range c.Users {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw[id] = data
	}
	return json.Marshal(raw)
}

func (c *chatProfiles) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Users = make(map[string]Profile, len(raw))
	for key, val := range raw {
		if key == "_chatName" {
			if err := json.Unmarshal(val, &c.ChatName); err != nil {
				return err
			}
			continue
		}
		var p Profile
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		c.Users[key] = p
	}
	return nil
}

// TopicKey normalizes a Telegram thread id to the stored topic key. Messages
// outside any topic carry no thread id, which the sentinel "general" stands
// for; topic comparisons are always done on these string keys.
func TopicKey(threadID int) string {
	if threadID == 0 {
		return "general"
	}
	return strconv.Itoa(threadID)
}
