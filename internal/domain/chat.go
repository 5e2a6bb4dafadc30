package domain

// Role tags a chat message or a history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape produced by prompt
// assembly and consumed by LLM integrations.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
