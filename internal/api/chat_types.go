package api

import (
	"time"

	"github.com/aruiz/ragrelay/internal/stream"
)

type ChatMessageKind string

const (
	ChatMessageKindUserText  ChatMessageKind = "user-text"
	ChatMessageKindAgentText ChatMessageKind = "agent-text"
	ChatMessageKindSystem    ChatMessageKind = "system"
)

type ChatMessage struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversationId,omitempty"`
	Seq            int64                 `json:"seq,omitempty"`
	Kind           ChatMessageKind       `json:"kind"`
	Role           string                `json:"role,omitempty"`
	Text           string                `json:"text,omitempty"`
	FunctionCalls  []stream.FunctionCall `json:"functionCalls,omitempty"`
	IsStreaming    bool                  `json:"isStreaming,omitempty"`
	Data           map[string]any        `json:"data,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}
