package models

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Document is a file attached to a chat and used as context for the assistant
type Document struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Analysis string `json:"analysis,omitempty"`
}

// Session holds the per-chat state the front-end keeps between messages
type Session struct {
	ChatID    int64      `json:"chat_id"`
	Language  string     `json:"language"`
	History   []Message  `json:"history"`
	Documents []Document `json:"documents"`
	UpdatedAt time.Time  `json:"updated_at"`
}
