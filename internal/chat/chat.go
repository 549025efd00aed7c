// Package chat is the shared session chat: an append-only replicated list
// of JSON-encoded messages.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/logger"
)

const historyList = "chat-history"

// Message is one chat entry.
type Message struct {
	ID          string `json:"id"`
	SenderID    uint32 `json:"senderId"`
	DisplayName string `json:"displayName"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"` // unix millis
}

// Chat reads and appends the shared history.
type Chat struct {
	doc  *crdt.Doc
	list *crdt.List

	senderID    uint32
	displayName string
}

func New(doc *crdt.Doc, senderID uint32, displayName string) *Chat {
	return &Chat{
		doc:         doc,
		list:        doc.List(historyList),
		senderID:    senderID,
		displayName: displayName,
	}
}

// Send appends a message and returns it.
func (c *Chat) Send(content string) Message {
	msg := Message{
		ID:          uuid.NewString(),
		SenderID:    c.senderID,
		DisplayName: c.displayName,
		Content:     content,
		Timestamp:   time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		logger.Warn("encoding chat message failed", "error", err)
		return msg
	}
	c.doc.Transact(c, func(tx *crdt.Tx) {
		c.list.Push(tx, string(raw))
	})
	return msg
}

// History returns every message in replicated order, skipping entries that
// fail to decode.
func (c *Chat) History() []Message {
	raw := c.list.Slice()
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// OnMessage fires fn for every newly appended message, local sends included.
func (c *Chat) OnMessage(fn func(Message)) *crdt.Subscription {
	return c.list.Observe(func(ev crdt.ListEvent) {
		for _, item := range ev.Inserted {
			var msg Message
			if err := json.Unmarshal([]byte(item), &msg); err != nil {
				continue
			}
			fn(msg)
		}
	})
}
