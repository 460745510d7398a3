// Package reminder schedules and delivers user reminders. Parsing is
// delegated to the AI gateway, storage to the shared document store;
// this package owns the one-minute delivery tick.
package reminder

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"github.com/sovabot/sova/internal/ai"
	"github.com/sovabot/sova/internal/store"
)

// Parser extracts a concrete reminder from free-form text.
type Parser interface {
	ParseReminder(ctx context.Context, text, replyContext string) (*ai.ParsedReminder, error)
}

// Sender delivers the fired reminder back to its chat.
type Sender interface {
	SendText(chatID int64, threadID int, text string) error
	IsChatMember(chatID, userID int64) (bool, error)
}

type Scheduler struct {
	store  *store.Store
	parser Parser
	sender Sender
	cron   *rcron.Cron
	now    func() time.Time
}

func NewScheduler(st *store.Store, parser Parser, sender Sender) *Scheduler {
	return &Scheduler{store: st, parser: parser, sender: sender, now: time.Now}
}

// Start registers the minute tick. The tick keeps running until Stop;
// delivery is at-most-once, so a crash between send and removal can
// only drop a reminder, never duplicate it.
func (s *Scheduler) Start() error {
	s.cron = rcron.New()
	if _, err := s.cron.AddFunc("@every 1m", s.tick); err != nil {
		return fmt.Errorf("register reminder tick: %w", err)
	}
	s.cron.Start()
	log.Printf("[reminder] scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Schedule parses the request and, when a concrete time is found, stores
// the reminder and returns the confirmation phrase to post. An empty
// result with nil error means the text contained no usable time.
func (s *Scheduler) Schedule(ctx context.Context, chatID int64, userID int64, username, text, replyContext string) (string, error) {
	parsed, err := s.parser.ParseReminder(ctx, text, replyContext)
	if err != nil {
		return "", fmt.Errorf("parse reminder: %w", err)
	}
	if parsed == nil {
		return "", nil
	}
	s.store.AddReminder(store.Reminder{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		UserID:   userID,
		Username: username,
		Time:     parsed.FireAt,
		Text:     parsed.Text,
	})
	log.Printf("[reminder] scheduled for user %d at %s", userID, parsed.FireAt.Format(time.RFC3339))
	return parsed.Confirmation, nil
}

// tick delivers everything due right now. Each reminder is attempted
// independently, and the whole snapshot is removed afterwards whether or
// not individual sends succeeded.
func (s *Scheduler) tick() {
	due := s.store.DueReminders(s.now())
	if len(due) == 0 {
		return
	}
	ids := make([]string, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
		if r.UserID != 0 {
			if member, err := s.sender.IsChatMember(r.ChatID, r.UserID); err == nil && !member {
				log.Printf("[reminder] user %d left chat %d, dropping reminder", r.UserID, r.ChatID)
				continue
			}
		}
		mention := r.Username
		if mention != "" {
			mention = "@" + mention + " "
		}
		text := fmt.Sprintf("🦉 %sHoot. You asked to be reminded: %s", mention, r.Text)
		if err := s.sender.SendText(r.ChatID, 0, text); err != nil {
			log.Printf("[reminder] delivery to chat %d failed: %v", r.ChatID, err)
		}
	}
	s.store.RemoveReminders(ids)
}
