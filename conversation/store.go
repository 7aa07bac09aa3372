// ABOUTME: Append-only per-person conversation store for LLM nodes.
// ABOUTME: Appends are serialized per person; reads return memory-selected views, never copies that mutate.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageType distinguishes person-to-person exchanges from system messages.
type MessageType string

const (
	MessagePersonToPerson MessageType = "person_to_person"
	MessageSystem         MessageType = "system"
)

// Message is a single entry in a conversation log.
type Message struct {
	ID           ulid.ULID   `json:"id"`
	FromPersonID string      `json:"from_person_id"`
	ToPersonID   string      `json:"to_person_id"`
	Content      string      `json:"content"`
	Type         MessageType `json:"message_type"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Selection parameterizes a memory-selection view over a person's messages.
// The zero value selects everything.
type Selection struct {
	// Criteria filters to messages whose content contains the string
	// (case-insensitive). Empty keeps all messages.
	Criteria string
	// AtMost keeps only the last N messages after filtering. 0 means all.
	AtMost int
	// ExcludePersons drops messages sent by or to any of these person IDs.
	ExcludePersons []string
}

// Store is the shared conversation substrate. Writes are serialized per
// person; concurrent reads are safe.
type Store struct {
	mu      sync.Mutex
	persons map[string]*personLog
}

// personLog holds the append-only message list for one person.
type personLog struct {
	mu       sync.Mutex
	messages []Message
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{persons: make(map[string]*personLog)}
}

// logFor returns the log for a person, creating it on first use.
func (s *Store) logFor(personID string) *personLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.persons[personID]
	if !ok {
		pl = &personLog{}
		s.persons[personID] = pl
	}
	return pl
}

// Append adds a message to the logs of both participants. A missing ID or
// timestamp is filled in. The message is visible to GetMessages for either
// person as soon as Append returns.
func (s *Store) Append(msg Message) Message {
	if msg.ID.Compare(ulid.ULID{}) == 0 {
		msg.ID = ulid.Make()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	for _, personID := range participants(msg) {
		pl := s.logFor(personID)
		pl.mu.Lock()
		pl.messages = append(pl.messages, msg)
		pl.mu.Unlock()
	}
	return msg
}

// participants returns the distinct person IDs a message touches.
func participants(msg Message) []string {
	if msg.FromPersonID == msg.ToPersonID || msg.ToPersonID == "" {
		return []string{msg.FromPersonID}
	}
	if msg.FromPersonID == "" {
		return []string{msg.ToPersonID}
	}
	return []string{msg.FromPersonID, msg.ToPersonID}
}

// GetMessages returns the memory-selected view of a person's conversation:
// messages where the person is sender or recipient, filtered by criteria,
// trimmed to the last AtMost, with excluded persons removed. The returned
// slice is a fresh copy; mutating it does not affect the store.
func (s *Store) GetMessages(personID string, sel Selection) []Message {
	pl := s.logFor(personID)
	pl.mu.Lock()
	all := make([]Message, len(pl.messages))
	copy(all, pl.messages)
	pl.mu.Unlock()

	var filtered []Message
	for _, msg := range all {
		if sel.Criteria != "" && !strings.Contains(strings.ToLower(msg.Content), strings.ToLower(sel.Criteria)) {
			continue
		}
		if touchesAny(msg, sel.ExcludePersons) {
			continue
		}
		filtered = append(filtered, msg)
	}

	if sel.AtMost > 0 && len(filtered) > sel.AtMost {
		filtered = filtered[len(filtered)-sel.AtMost:]
	}

	return filtered
}

// touchesAny reports whether a message involves any of the given persons.
func touchesAny(msg Message, persons []string) bool {
	for _, p := range persons {
		if msg.FromPersonID == p || msg.ToPersonID == p {
			return true
		}
	}
	return false
}

// Clear removes all messages for a person. Other persons' logs keep their
// copies of shared messages.
func (s *Store) Clear(personID string) {
	pl := s.logFor(personID)
	pl.mu.Lock()
	pl.messages = nil
	pl.mu.Unlock()
}

// Len returns the number of messages in a person's log.
func (s *Store) Len(personID string) int {
	pl := s.logFor(personID)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.messages)
}
