package transport

// ============================================================================
// Delivery journal
// Responsibilities:
// 1. Write-ahead record of enqueue, dispatch and done operations
// 2. Rebuild pending messages (with their dequeue counts) after a restart
// 3. Compact to live messages only on open
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tevoinea/onefuzz/internal/queue"
)

const journalQueue = "journal"

type journalOp string

const (
	opEnqueue  journalOp = "enqueue"
	opDispatch journalOp = "dispatch"
	opDone     journalOp = "done"
)

type journalEntry struct {
	Op           journalOp `json:"op"`
	ID           string    `json:"id"`
	Body         []byte    `json:"body,omitempty"`
	DequeueCount int       `json:"dequeue_count,omitempty"`
	EnqueuedAt   int64     `json:"enqueued_at,omitempty"`
}

type journal struct {
	log *queue.Log
}

// openJournal replays path, rewrites it with only the surviving messages
// and returns them oldest first. In-flight messages at the time of a crash
// come back as pending with their dequeue count preserved.
func openJournal(path string, syncOnAppend bool) (*journal, []Message, error) {
	live, err := replayJournal(path)
	if err != nil {
		return nil, nil, err
	}

	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to clear journal temp file: %w", err)
	}
	compacted, err := queue.OpenLog(tmp, journalQueue, false)
	if err != nil {
		return nil, nil, err
	}
	j := &journal{log: compacted}
	for _, msg := range live {
		if err := j.enqueue(msg); err != nil {
			compacted.Close()
			return nil, nil, err
		}
		if msg.DequeueCount > 0 {
			if err := j.dispatch(msg.ID, msg.DequeueCount); err != nil {
				compacted.Close()
				return nil, nil, err
			}
		}
	}
	if err := compacted.Close(); err != nil {
		return nil, nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, nil, fmt.Errorf("failed to replace journal: %w", err)
	}

	l, err := queue.OpenLog(path, journalQueue, syncOnAppend)
	if err != nil {
		return nil, nil, err
	}
	return &journal{log: l}, live, nil
}

func replayJournal(path string) ([]Message, error) {
	l, err := queue.OpenLog(path, journalQueue, false)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	messages := make(map[string]*Message)
	order := make(map[string]uint64)
	err = l.Replay(func(r queue.Record) error {
		var entry journalEntry
		if err := json.Unmarshal(r.Payload, &entry); err != nil {
			return fmt.Errorf("journal record %d: %w", r.Seq, err)
		}

		switch entry.Op {
		case opEnqueue:
			if _, exists := messages[entry.ID]; exists {
				return nil
			}
			messages[entry.ID] = &Message{
				ID:         entry.ID,
				Body:       entry.Body,
				EnqueuedAt: time.UnixMilli(entry.EnqueuedAt),
			}
			order[entry.ID] = r.Seq
		case opDispatch:
			if msg, ok := messages[entry.ID]; ok {
				msg.DequeueCount = entry.DequeueCount
			}
		case opDone:
			delete(messages, entry.ID)
		default:
			log.Warn("Unknown journal operation", "op", entry.Op, "seq", r.Seq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	live := make([]Message, 0, len(messages))
	for _, msg := range messages {
		live = append(live, *msg)
	}
	sort.Slice(live, func(i, k int) bool {
		return order[live[i].ID] < order[live[k].ID]
	})
	return live, nil
}

func (j *journal) append(entry journalEntry) error {
	if j == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = j.log.Append(payload)
	return err
}

func (j *journal) enqueue(msg Message) error {
	return j.append(journalEntry{
		Op:         opEnqueue,
		ID:         msg.ID,
		Body:       msg.Body,
		EnqueuedAt: msg.EnqueuedAt.UnixMilli(),
	})
}

func (j *journal) dispatch(id string, dequeueCount int) error {
	return j.append(journalEntry{Op: opDispatch, ID: id, DequeueCount: dequeueCount})
}

func (j *journal) done(id string) error {
	return j.append(journalEntry{Op: opDone, ID: id})
}

func (j *journal) close() error {
	if j == nil {
		return nil
	}
	return j.log.Close()
}
