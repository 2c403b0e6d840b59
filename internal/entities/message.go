package entities

// OutboundMessage is a reply delivered on the channel the event arrived on.
type OutboundMessage struct {
	TenantID string
	Channel  Channel
	To       string
	Text     string

	// WhatsApp template fallback
	TemplateName string
	Language     string
}

// ConversationTurn is one line of chat history handed to the reply generator.
type ConversationTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

type ReplyRequest struct {
	TenantID  string
	Knowledge string
	History   []ConversationTurn
	Message   string
}
