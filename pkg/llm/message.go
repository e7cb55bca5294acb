// Package llm provides the message and conversation primitives shared by
// every gateway backend: a page grading call, a rubric parse call, and a
// confession call are all, at the wire level, a Conversation sent to a
// vision-capable model.
package llm

// Role represents the sender of a message in a conversation.
type Role string

const (
	// RoleSystem represents system/instruction messages.
	RoleSystem Role = "system"
	// RoleUser represents user/human messages.
	RoleUser Role = "user"
	// RoleAssistant represents assistant/model messages.
	RoleAssistant Role = "assistant"
)

// Image is a page image attached to a user turn for vision grading.
type Image struct {
	// Data contains the raw image bytes.
	Data []byte `json:"data,omitempty"`
	// MimeType specifies the image format (e.g., "image/png", "image/jpeg").
	MimeType string `json:"mime_type"`
}

// Message represents a single message in a conversation.
type Message struct {
	// Role identifies who sent the message.
	Role Role `json:"role"`
	// Content is the text content of the message.
	Content string `json:"content"`
	// Images carries page images for vision calls. Only meaningful on user messages.
	Images []Image `json:"images,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:    role,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// WithImages attaches page images to a message and returns it.
func (m Message) WithImages(images ...Image) Message {
	m.Images = images
	return m
}
