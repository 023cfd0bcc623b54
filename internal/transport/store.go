// ============================================================================
// Message Store - Delivery State Machine
// ============================================================================
//
// Package: internal/transport
// File: store.go
// Function: Tracks every accepted message through its delivery lifecycle
//
// State transitions:
//   Pending
//      ↓ Lease()
//   InFlight (DequeueCount incremented, visibility deadline set)
//      ↓ Complete()            ↓ Requeue()         ↓ MarkDead()
//   Completed               Pending             Dead
//
// Each InFlight transition is keyed by (id, dequeueCount). A result or
// timeout for an older lease is rejected with ErrStaleDelivery, so a late
// handler result cannot complete a message that was already redelivered.
//
// Completed and dead messages are dropped from memory; only their counts
// are kept.
//
// ============================================================================

package transport

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicateMessage = errors.New("message already exists")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotInFlight      = errors.New("message not in flight")
	ErrStaleDelivery    = errors.New("delivery superseded by a later attempt")
)

// Status is a message's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// Message is one raw change message and its delivery bookkeeping.
type Message struct {
	ID           string
	Body         []byte
	DequeueCount int
	Status       Status
	Deadline     time.Time
	EnqueuedAt   time.Time
}

// Stats counts messages per state.
type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

// Store holds pending and in-flight messages.
type Store struct {
	mu        sync.Mutex
	messages  map[string]*Message
	queue     []string
	inFlight  map[string]*Message
	completed int
	dead      int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		messages: make(map[string]*Message),
		queue:    make([]string, 0),
		inFlight: make(map[string]*Message),
	}
}

// Enqueue adds msg as pending, keeping its DequeueCount.
func (s *Store) Enqueue(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return ErrDuplicateMessage
	}

	msg.Status = StatusPending
	msg.Deadline = time.Time{}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	s.messages[msg.ID] = &msg
	s.queue = append(s.queue, msg.ID)
	return nil
}

// Lease takes the oldest pending message, marks it in flight until
// deadline and returns a copy. It returns false when nothing is pending.
func (s *Store) Lease(deadline time.Time) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]

		msg, ok := s.messages[id]
		if !ok || msg.Status != StatusPending {
			continue
		}

		msg.DequeueCount++
		msg.Status = StatusInFlight
		msg.Deadline = deadline
		s.inFlight[id] = msg
		return *msg, true
	}
	return Message{}, false
}

// Complete acknowledges the dequeueCount-th delivery of id.
func (s *Store) Complete(id string, dequeueCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.current(id, dequeueCount); err != nil {
		return err
	}
	delete(s.inFlight, id)
	delete(s.messages, id)
	s.completed++
	return nil
}

// Requeue returns an in-flight message to the back of the pending queue.
func (s *Store) Requeue(id string, dequeueCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.current(id, dequeueCount)
	if err != nil {
		return err
	}
	msg.Status = StatusPending
	msg.Deadline = time.Time{}
	delete(s.inFlight, id)
	s.queue = append(s.queue, id)
	return nil
}

// MarkDead removes an in-flight message after its final delivery.
func (s *Store) MarkDead(id string, dequeueCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.current(id, dequeueCount); err != nil {
		return err
	}
	delete(s.inFlight, id)
	delete(s.messages, id)
	s.dead++
	return nil
}

func (s *Store) current(id string, dequeueCount int) (*Message, error) {
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if msg.Status != StatusInFlight {
		return nil, ErrNotInFlight
	}
	if msg.DequeueCount != dequeueCount {
		return nil, ErrStaleDelivery
	}
	return msg, nil
}

// Expired returns copies of in-flight messages whose deadline is before now.
func (s *Store) Expired(now time.Time) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Message
	for _, msg := range s.inFlight {
		if msg.Deadline.Before(now) {
			expired = append(expired, *msg)
		}
	}
	return expired
}

// Get returns a copy of a pending or in-flight message.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Live returns copies of every pending or in-flight message.
func (s *Store) Live() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]Message, 0, len(s.messages))
	for _, msg := range s.messages {
		live = append(live, *msg)
	}
	return live
}

// Stats returns the current per-state counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending:   len(s.messages) - len(s.inFlight),
		InFlight:  len(s.inFlight),
		Completed: s.completed,
		Dead:      s.dead,
	}
}
