package client

import (
	"sort"
	"sync"

	"github.com/eshare/chat-server/internal/protocol"
)

// MessageBuffer accumulates chat messages from the initial history push,
// load-older pages and live broadcasts into one chronological view. Merging
// is keyed on message ID, so overlapping pages (a reconnect replays the
// initial history page) never produce duplicates.
// It is goroutine-safe.
type MessageBuffer struct {
	mu   sync.RWMutex
	byID map[string]struct{}
	msgs []protocol.Message
}

// NewMessageBuffer creates an empty buffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{byID: make(map[string]struct{})}
}

// Merge adds the given messages, skipping IDs already present, and keeps the
// buffer ordered by creation time (ties broken by ID). It returns the number
// of messages actually added.
func (b *MessageBuffer) Merge(msgs ...protocol.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if _, ok := b.byID[m.ID]; ok {
			continue
		}
		b.byID[m.ID] = struct{}{}
		b.msgs = append(b.msgs, m)
		added++
	}
	if added > 0 {
		sort.Slice(b.msgs, func(i, j int) bool {
			if b.msgs[i].CreatedAt != b.msgs[j].CreatedAt {
				return b.msgs[i].CreatedAt < b.msgs[j].CreatedAt
			}
			return b.msgs[i].ID < b.msgs[j].ID
		})
	}
	return added
}

// Messages returns a copy of the buffer in chronological order.
func (b *MessageBuffer) Messages() []protocol.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]protocol.Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Oldest returns the creation timestamp of the oldest buffered message, for
// use as the next load-older cursor. The second return is false when the
// buffer is empty.
func (b *MessageBuffer) Oldest() (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.msgs) == 0 {
		return 0, false
	}
	return b.msgs[0].CreatedAt, true
}

// Len reports the number of buffered messages.
func (b *MessageBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.msgs)
}

// Clear empties the buffer. Called when the server announces a history wipe.
func (b *MessageBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID = make(map[string]struct{})
	b.msgs = nil
}
