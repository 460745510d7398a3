package store

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const saveDelay = 5 * time.Second

// Store is the file-backed state service: chat metadata, mute flags, users
// and reminders in db.json, user profiles in profiles.json. All reads and
// mutations are atomic under one mutex; physical writes are coalesced per
// document with a trailing-edge debounce and can be forced with Flush.
type Store struct {
	dir string

	mu       sync.Mutex
	db       *database
	profiles map[string]*chatProfiles

	dbWriter      *debouncedWriter
	profileWriter *debouncedWriter
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		db:       emptyDatabase(),
		profiles: map[string]*chatProfiles{},
	}
	s.dbWriter = newDebouncedWriter(saveDelay, s.writeDB)
	s.profileWriter = newDebouncedWriter(saveDelay, s.writeProfiles)
	s.load()
	return s, nil
}

// load reads both documents. A missing or corrupt document resets to empty:
// the bot stays available even if the files were damaged.
func (s *Store) load() {
	if data, err := os.ReadFile(s.dbPath()); err == nil {
		db := emptyDatabase()
		if err := json.Unmarshal(data, db); err != nil {
			log.Printf("[store] db.json unreadable, resetting: %v", err)
		} else {
			if db.Chats == nil {
				db.Chats = map[string]*chatRecord{}
			}
			if db.Reminders == nil {
				db.Reminders = []Reminder{}
			}
			s.db = db
		}
	} else if !os.IsNotExist(err) {
		log.Printf("[store] read db.json: %v", err)
	}

	if data, err := os.ReadFile(s.profilesPath()); err == nil {
		profiles := map[string]*chatProfiles{}
		if err := json.Unmarshal(data, &profiles); err != nil {
			log.Printf("[store] profiles.json unreadable, resetting: %v", err)
		} else {
			s.profiles = profiles
		}
	} else if !os.IsNotExist(err) {
		log.Printf("[store] read profiles.json: %v", err)
	}
}

func (s *Store) dbPath() string       { return filepath.Join(s.dir, "db.json") }
func (s *Store) profilesPath() string { return filepath.Join(s.dir, "profiles.json") }
func (s *Store) instructionsPath() string {
	return filepath.Join(s.dir, "instructions.json")
}

func (s *Store) writeDB() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.db, "", "  ")
	s.mu.Unlock()
	if err != nil {
		log.Printf("[store] marshal db: %v", err)
		return
	}
	if err := os.WriteFile(s.dbPath(), data, 0644); err != nil {
		log.Printf("[store] write db.json: %v", err)
	}
}

func (s *Store) writeProfiles() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	s.mu.Unlock()
	if err != nil {
		log.Printf("[store] marshal profiles: %v", err)
		return
	}
	if err := os.WriteFile(s.profilesPath(), data, 0644); err != nil {
		log.Printf("[store] write profiles.json: %v", err)
	}
}

// Flush writes out any pending debounced saves. Called on shutdown so the
// final quiet period is not lost.
func (s *Store) Flush() {
	s.dbWriter.Flush()
	s.profileWriter.Flush()
}

func chatKey(chatID int64) string { return strconv.FormatInt(chatID, 10) }
func userKey(userID int64) string { return strconv.FormatInt(userID, 10) }

// chat returns the record for chatID, creating it on first touch.
// Caller must hold s.mu.
func (s *Store) chat(chatID int64) *chatRecord {
	key := chatKey(chatID)
	rec, ok := s.db.Chats[key]
	if !ok {
		rec = newChatRecord()
		s.db.Chats[key] = rec
		s.dbWriter.Touch()
	}
	return rec
}

// HasChat reports whether the chat was seen before, without creating it.
func (s *Store) HasChat(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.db.Chats[chatKey(chatID)]
	return ok
}

// UpdateChatName records the display name in both documents.
func (s *Store) UpdateChatName(chatID int64, name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.chat(chatID)
	if rec.ChatName != name {
		rec.ChatName = name
		s.dbWriter.Touch()
	}

	cp, ok := s.profiles[chatKey(chatID)]
	if !ok {
		cp = newChatProfiles()
		s.profiles[chatKey(chatID)] = cp
	}
	if cp.ChatName != name {
		cp.ChatName = name
		s.profileWriter.Touch()
	}
}

// TrackUser caches the user's display name for random picks and profile
// lookups. Bots are not tracked.
func (s *Store) TrackUser(chatID, userID int64, name string, isBot bool) {
	if isBot || name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.chat(chatID)
	key := userKey(userID)
	if rec.Users[key] != name {
		rec.Users[key] = name
		s.dbWriter.Touch()
	}
}

// RandomUser returns a uniformly picked known display name for the chat.
func (s *Store) RandomUser(chatID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.chat(chatID)
	if len(rec.Users) == 0 {
		return "", false
	}
	names := make([]string, 0, len(rec.Users))
	for _, name := range rec.Users {
		names = append(names, name)
	}
	return names[rand.Intn(len(names))], true
}

func (s *Store) IsTopicMuted(chatID int64, threadID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := TopicKey(threadID)
	for _, t := range s.chat(chatID).MutedTopics {
		if t == key {
			return true
		}
	}
	return false
}

// ToggleMute flips the mute flag for the topic and reports the new state.
func (s *Store) ToggleMute(chatID int64, threadID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.chat(chatID)
	key := TopicKey(threadID)
	for i, t := range rec.MutedTopics {
		if t == key {
			rec.MutedTopics = append(rec.MutedTopics[:i], rec.MutedTopics[i+1:]...)
			s.dbWriter.Touch()
			return false
		}
	}
	rec.MutedTopics = append(rec.MutedTopics, key)
	s.dbWriter.Touch()
	return true
}

func (s *Store) AddReminder(r Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Reminders = append(s.db.Reminders, r)
	s.dbWriter.Touch()
}

// DueReminders returns a snapshot of reminders whose time has arrived.
func (s *Store) DueReminders(now time.Time) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Reminder
	for _, r := range s.db.Reminders {
		if !r.Time.After(now) {
			due = append(due, r)
		}
	}
	return due
}

// RemoveReminders drops the reminders with the given ids.
func (s *Store) RemoveReminders(ids []string) {
	if len(ids) == 0 {
		return
	}
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.db.Reminders[:0]
	for _, r := range s.db.Reminders {
		if !idSet[r.ID] {
			kept = append(kept, r)
		}
	}
	s.db.Reminders = kept
	s.dbWriter.Touch()
}

// Profile returns the stored profile or a default one. Legacy records with
// no relationship score read back as the neutral 50.
func (s *Store) Profile(chatID, userID int64) Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.profiles[chatKey(chatID)]
	if !ok {
		return DefaultProfile()
	}
	p, ok := cp.Users[userKey(userID)]
	if !ok {
		return DefaultProfile()
	}
	if p.Relationship == 0 && p.RealName == "" && p.Facts == "" && p.Attitude == "" {
		return DefaultProfile()
	}
	return p
}

// ProfilesFor returns the existing profiles for the given users; users with
// no profile yet are absent from the result.
func (s *Store) ProfilesFor(chatID int64, userIDs []int64) map[int64]Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int64]Profile)
	cp, ok := s.profiles[chatKey(chatID)]
	if !ok {
		return result
	}
	for _, uid := range userIDs {
		if p, ok := cp.Users[userKey(uid)]; ok {
			result[uid] = p
		}
	}
	return result
}

// ApplyProfileDeltas merge-updates profiles: each field is overwritten only
// when the delta supplies a usable value.
func (s *Store) ApplyProfileDeltas(chatID int64, deltas map[int64]ProfileDelta) {
	if len(deltas) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.profiles[chatKey(chatID)]
	if !ok {
		cp = newChatProfiles()
		s.profiles[chatKey(chatID)] = cp
	}
	for uid, delta := range deltas {
		key := userKey(uid)
		p, ok := cp.Users[key]
		if !ok {
			p = DefaultProfile()
		}
		p.merge(delta)
		cp.Users[key] = p
	}
	s.profileWriter.Touch()
}

// FindProfileByQuery looks a profile up by (partial) username or real name.
// The returned name is the tracked display name when known.
func (s *Store) FindProfileByQuery(chatID int64, query string) (Profile, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(query), "@"))
	if q == "" {
		return Profile{}, "", false
	}

	rec := s.chat(chatID)
	cp := s.profiles[chatKey(chatID)]

	for uid, name := range rec.Users {
		if strings.Contains(strings.ToLower(name), q) {
			p := DefaultProfile()
			if cp != nil {
				if stored, ok := cp.Users[uid]; ok {
					p = stored
				}
			}
			return p, name, true
		}
	}

	if cp != nil {
		for uid, p := range cp.Users {
			if p.RealName != "" && strings.Contains(strings.ToLower(p.RealName), q) {
				name := rec.Users[uid]
				if name == "" {
					name = p.RealName
				}
				return p, name, true
			}
		}
	}

	return Profile{}, "", false
}

// UserInstruction returns the operator's per-user instruction, if any.
// The document is reread on every lookup so edits apply without a restart.
func (s *Store) UserInstruction(username string) string {
	if username == "" {
		return ""
	}
	data, err := os.ReadFile(s.instructionsPath())
	if err != nil {
		return ""
	}
	var instructions map[string]string
	if err := json.Unmarshal(data, &instructions); err != nil {
		log.Printf("[store] instructions.json unreadable: %v", err)
		return ""
	}
	return instructions[strings.ToLower(username)]
}
