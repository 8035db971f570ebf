// Package hub is the in-process publish/subscribe surface over conversation
// topics. Cross-instance delivery is the queue's responsibility, not the hub's.
package hub

import (
	"log/slog"
	"sync"

	"veil/internal/wire"
)

// EventsTopic is the global per-user notification topic.
const EventsTopic = "/events"

// ChatTopic names the topic for one conversation.
func ChatTopic(conversationHex string) string {
	return "/chat/" + conversationHex
}

// Hub owns topics and provides stable handles for subscription and publish.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		topics: make(map[string]*Topic),
	}
}

// Subscribe adds the client to the named topic, creating it on first use.
func (h *Hub) Subscribe(name string, c *Client) *Topic {
	h.mu.Lock()
	t, ok := h.topics[name]
	if !ok {
		t = newTopic(h.log, name)
		h.topics[name] = t
	}
	h.mu.Unlock()

	t.add(c)
	return t
}

// Unsubscribe removes the client from the named topic. Empty topics are
// dropped so the map does not grow with conversation churn.
func (h *Hub) Unsubscribe(name string, c *Client) {
	h.mu.Lock()
	t, ok := h.topics[name]
	h.mu.Unlock()
	if !ok {
		return
	}

	empty := t.remove(c)
	if empty {
		h.mu.Lock()
		if cur, ok := h.topics[name]; ok && cur == t && t.size() == 0 {
			delete(h.topics, name)
		}
		h.mu.Unlock()
	}
}

// Publish fans out a frame to every subscriber of the topic on this instance.
func (h *Hub) Publish(name string, f wire.Frame) {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if !ok {
		return
	}
	t.broadcast(f)
}

// Topic is a membership + fanout primitive for one logical channel.
//
// Broadcast never blocks: a subscriber with a full queue or one that is
// shutting down is skipped rather than stalling the topic.
type Topic struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Client
}

func newTopic(log *slog.Logger, name string) *Topic {
	return &Topic{
		log:     log,
		Name:    name,
		members: make(map[string]*Client),
	}
}

func (t *Topic) add(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}
	t.mu.Lock()
	t.members[c.SessionID] = c
	t.mu.Unlock()

	t.log.Debug("hub.topic.join", "topic", t.Name, "session_id", c.SessionID, "user", c.UserHex)
}

func (t *Topic) remove(c *Client) bool {
	if c == nil {
		return false
	}
	t.mu.Lock()
	delete(t.members, c.SessionID)
	n := len(t.members)
	t.mu.Unlock()

	t.log.Debug("hub.topic.leave", "topic", t.Name, "session_id", c.SessionID)
	return n == 0
}

func (t *Topic) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func (t *Topic) broadcast(f wire.Frame) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.members {
		if !m.TrySend(f) {
			t.log.Debug("hub.topic.drop", "topic", t.Name, "session_id", m.SessionID)
		}
	}
}
