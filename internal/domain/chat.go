package domain

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ChatMessage is the provider-agnostic chat message shape sent to the model.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage is the provider-reported token usage delivered at the end of a stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one element of a streamed completion: either a text delta,
// a usage record, or both.
type StreamChunk struct {
	Delta string
	Usage *Usage
}

// ChatStream iterates a streamed completion. Next returns false when the
// stream ends; Err distinguishes a clean end from a failure.
type ChatStream interface {
	Next() bool
	Chunk() StreamChunk
	Err() error
	Close() error
}
