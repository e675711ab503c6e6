// Package memory provides the bounded per-session conversation store. Two
// limits compete: a hard message-count cap and a cumulative token budget.
// Pruning always evicts from the front and never removes a pinned system
// message while another message remains to sacrifice.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Config bounds each session's conversation.
type Config struct {
	MaxMessages int           // hard cap on retained messages (default 50)
	MaxTokens   int           // cumulative token budget (default 4000)
	SessionTTL  time.Duration // idle sessions are swept after this; 0 disables
}

// Stats summarizes one session's retained conversation.
type Stats struct {
	MessageCount int  `json:"message_count"`
	TotalTokens  int  `json:"total_tokens"`
	MaxTokens    int  `json:"max_tokens"`
	HasSystem    bool `json:"has_system"`
}

type conversation struct {
	messages    []Message
	totalTokens int
	lastAccess  time.Time
}

// Manager is the conversation store. Safe for concurrent use; each session
// is only ever mutated through Append and Clear.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*conversation
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a conversation store. When cfg.SessionTTL is set, a
// background sweep drops sessions idle for longer than the TTL.
func NewManager(cfg Config) *Manager {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions: make(map[string]*conversation),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.SessionTTL > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	return m
}

// Close stops the sweep loop, if one is running.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Append adds msg to the session and applies both trimming passes. Fields
// left zero (id, tokens, timestamp) are filled in; the stored message is
// returned.
func (m *Manager) Append(sessionID string, msg Message) Message {
	if msg.ID == "" {
		msg.ID = shortuuid.New()
	}
	if msg.Tokens == 0 {
		msg.Tokens = EstimateTokens(msg.Content)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.sessions[sessionID]
	if !ok {
		conv = &conversation{}
		m.sessions[sessionID] = conv
	}
	conv.lastAccess = time.Now()

	if msg.Role == RoleSystem {
		// At most one system message: a new one replaces the old pin.
		conv.dropSystem()
		conv.messages = append([]Message{msg}, conv.messages...)
		conv.totalTokens += msg.Tokens
	} else {
		conv.messages = append(conv.messages, msg)
		conv.totalTokens += msg.Tokens
	}

	m.prune(sessionID, conv)
	return msg
}

// prune applies token-budget pruning, then the message-count cap.
// Must be called with the lock held.
func (m *Manager) prune(sessionID string, conv *conversation) {
	pinned, hadSystem := conv.systemMessage()

	evicted := 0
	for conv.totalTokens > m.cfg.MaxTokens && len(conv.messages) > 2 {
		conv.evictOldestUnpinned()
		evicted++
	}
	for len(conv.messages) > m.cfg.MaxMessages && len(conv.messages) > 1 {
		conv.evictOldestUnpinned()
		evicted++
	}

	// The skip rule should make this unreachable; re-assert the pin anyway.
	if _, stillThere := conv.systemMessage(); hadSystem && !stillThere {
		conv.messages = append([]Message{pinned}, conv.messages...)
		conv.totalTokens += pinned.Tokens
	}

	if evicted > 0 {
		slog.Debug("pruned conversation",
			"session_id", sessionID,
			"evicted", evicted,
			"messages", len(conv.messages),
			"total_tokens", conv.totalTokens)
	}
}

// History returns the most recent limit messages in chronological order.
// A non-positive limit returns everything retained.
func (m *Manager) History(sessionID string, limit int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.sessions[sessionID]
	if !ok {
		return []Message{}
	}
	conv.lastAccess = time.Now()

	msgs := conv.messages
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Stats reports the session's retained size, or false if it has no messages.
func (m *Manager) Stats(sessionID string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}
	_, hasSystem := conv.systemMessage()
	return Stats{
		MessageCount: len(conv.messages),
		TotalTokens:  conv.totalTokens,
		MaxTokens:    m.cfg.MaxTokens,
		HasSystem:    hasSystem,
	}, true
}

// Clear removes a session's conversation entirely.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// SessionCount returns the number of sessions holding messages.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SessionTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for id, conv := range m.sessions {
				if now.Sub(conv.lastAccess) > m.cfg.SessionTTL {
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// systemMessage returns the retained system message, if any.
func (c *conversation) systemMessage() (Message, bool) {
	for _, msg := range c.messages {
		if msg.Role == RoleSystem {
			return msg, true
		}
	}
	return Message{}, false
}

// dropSystem removes any retained system message.
func (c *conversation) dropSystem() {
	for i, msg := range c.messages {
		if msg.Role == RoleSystem {
			c.totalTokens -= msg.Tokens
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

// evictOldestUnpinned removes the oldest message, skipping over a system
// message at the front so budget pressure never unpins it.
func (c *conversation) evictOldestUnpinned() {
	if len(c.messages) == 0 {
		return
	}
	idx := 0
	if c.messages[0].Role == RoleSystem {
		if len(c.messages) == 1 {
			return
		}
		idx = 1
	}
	c.totalTokens -= c.messages[idx].Tokens
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
}
