package models

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a prompt sent to the language model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
