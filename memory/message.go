package memory

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one immutable conversation entry. Ordering is insertion order
// and is semantically meaningful: the retained sequence is the prompt.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Tokens    int            `json:"tokens"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with a generated id, an estimated token count
// and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        shortuuid.New(),
		Role:      role,
		Content:   content,
		Tokens:    EstimateTokens(content),
		Timestamp: time.Now(),
	}
}

// EstimateTokens approximates the token count of text. Four characters per
// token is the usual rule of thumb for English prose; precision does not
// matter here, only that the budget arithmetic is consistent.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
