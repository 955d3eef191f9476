package core

// Message is one entry of an LLM conversation history.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// NewMessage constructs a conversation message.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}
