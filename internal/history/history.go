// Package history holds the in-memory conversational state: a bounded
// per-chat utterance log and the observation buffer feeding the async
// profile analyzer. Both live only for the process lifetime.
package history

import (
	"strings"
	"sync"
)

type Utterance struct {
	Role string
	Text string
}

// Observation is one buffered message awaiting batch profile analysis.
type Observation struct {
	UserID int64
	Name   string
	Text   string
}

// Service keeps per-chat history (strict FIFO, capped) and per-chat
// observation buffers (flushed in batches). All operations are atomic;
// nothing here suspends, so callers can freely interleave from concurrent
// message handlers.
type Service struct {
	mu         sync.Mutex
	cap        int
	bufferSize int
	histories  map[int64][]Utterance
	buffers    map[int64][]Observation
}

func New(historyCap, bufferSize int) *Service {
	return &Service{
		cap:        historyCap,
		bufferSize: bufferSize,
		histories:  make(map[int64][]Utterance),
		buffers:    make(map[int64][]Observation),
	}
}

// Append pushes an utterance, evicting the oldest entry beyond the cap.
func (s *Service) Append(chatID int64, role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.histories[chatID], Utterance{Role: role, Text: text})
	if len(h) > s.cap {
		h = h[len(h)-s.cap:]
	}
	s.histories[chatID] = h
}

// History returns a copy of the chat's current history.
func (s *Service) History(chatID int64) []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.histories[chatID]
	out := make([]Utterance, len(h))
	copy(out, h)
	return out
}

// Recent formats the last n utterances as "role: text" lines.
func (s *Service) Recent(chatID int64, n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.histories[chatID]
	if len(h) > n {
		h = h[len(h)-n:]
	}
	lines := make([]string, 0, len(h))
	for _, u := range h {
		lines = append(lines, u.Role+": "+u.Text)
	}
	return strings.Join(lines, "\n")
}

// Observe buffers a message for batch analysis. Command-prefixed texts are
// excluded. When the buffer crosses its threshold the whole batch is swapped
// out and returned exactly once; the caller hands it to the analyzer. The
// swap happens before any analysis work so a concurrent trigger on the same
// chat can never pick up the same batch twice.
func (s *Service) Observe(chatID, userID int64, name, text string) []Observation {
	if strings.HasPrefix(text, "/") {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.buffers[chatID], Observation{UserID: userID, Name: name, Text: text})
	if len(buf) >= s.bufferSize {
		s.buffers[chatID] = nil
		return buf
	}
	s.buffers[chatID] = buf
	return nil
}

// Reset drops the chat's history and discards any buffered observations
// without analyzing them.
func (s *Service) Reset(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, chatID)
	delete(s.buffers, chatID)
}
