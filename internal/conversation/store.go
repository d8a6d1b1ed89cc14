// Package conversation keeps a session's dialogue history and derives the
// window sent to the completion model.
package conversation

import (
	"strings"

	"github.com/c2stem/copa/internal/domain"
)

// Window is the slice of history sent with a completion call: the system
// message followed by every message from the truncation offset onward.
type Window struct {
	System domain.Message
	Tail   []domain.Message
}

// Messages flattens the window into the ordered list sent upstream.
func (w Window) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(w.Tail)+1)
	out = append(out, w.System)
	return append(out, w.Tail...)
}

// Store is an ordered message log with word-count-budgeted lazy eviction.
// Index 0 is always the system message. Evicted messages stay stored for
// audit and transcripts; they are only excluded from windows.
//
// Store is not safe for concurrent use.
type Store struct {
	messages  []domain.Message
	wordCount int
	offset    int
	augmented bool
}

// NewStore creates a store seeded with the system prompt.
func NewStore(systemPrompt string) *Store {
	return &Store{
		messages: []domain.Message{{
			Role:      domain.RoleSystem,
			Content:   systemPrompt,
			Timestamp: domain.Now(),
		}},
	}
}

// Append adds a message and counts its whitespace-delimited words.
func (s *Store) Append(role domain.Role, content string) domain.Message {
	msg := domain.Message{Role: role, Content: content, Timestamp: domain.Now()}
	s.messages = append(s.messages, msg)
	s.wordCount += len(strings.Fields(content))
	return msg
}

// AugmentSystem appends extra to the system message. It succeeds only once
// per store; later calls report false and change nothing.
func (s *Store) AugmentSystem(extra string) bool {
	if s.augmented {
		return false
	}
	s.messages[0].Content += extra
	s.augmented = true
	return true
}

// Augmented reports whether the system message has been augmented.
func (s *Store) Augmented() bool { return s.augmented }

// Window returns the system message and the active tail.
func (s *Store) Window() Window {
	start := 1 + s.offset
	if start > len(s.messages) {
		start = len(s.messages)
	}
	tail := make([]domain.Message, len(s.messages)-start)
	copy(tail, s.messages[start:])
	return Window{System: s.messages[0], Tail: tail}
}

// MaybeEvict advances the truncation offset by one User+Assistant pair when
// the running word count exceeds threshold. It only acts directly after a
// completed pair and reports whether it evicted.
func (s *Store) MaybeEvict(threshold int) bool {
	if s.wordCount <= threshold {
		return false
	}
	n := len(s.messages)
	if n < 3 || s.messages[n-2].Role != domain.RoleUser || s.messages[n-1].Role != domain.RoleAssistant {
		return false
	}
	if s.offset+2 > n-1 {
		return false
	}
	s.offset += 2
	return true
}

// Messages returns a copy of the full history, evicted messages included.
func (s *Store) Messages() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of stored messages, system message included.
func (s *Store) Len() int { return len(s.messages) }

// WordCount returns the running word count of appended messages.
func (s *Store) WordCount() int { return s.wordCount }

// Offset returns the truncation offset.
func (s *Store) Offset() int { return s.offset }
