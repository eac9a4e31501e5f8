package chat

// Event is a normalized inbound change for the open conversation.
type Event interface {
	ConversationKey() string
}

type MessageInserted struct {
	ConversationID string
	Message        *Message
}

type MessageUpdated struct {
	ConversationID string
	Message        *Message
}

type MessageDeleted struct {
	ConversationID string
	MessageID      string
}

// ReactionsChanged carries no payload: the consumer refetches the page.
type ReactionsChanged struct {
	ConversationID string
}

type TypingChanged struct {
	ConversationID string
	UserIDs        []string
}

// ResyncRequested asks the store to refetch because an incremental change
// could not be applied.
type ResyncRequested struct {
	ConversationID string
	Reason         string
}

func (e MessageInserted) ConversationKey() string  { return e.ConversationID }
func (e MessageUpdated) ConversationKey() string   { return e.ConversationID }
func (e MessageDeleted) ConversationKey() string   { return e.ConversationID }
func (e ReactionsChanged) ConversationKey() string { return e.ConversationID }
func (e TypingChanged) ConversationKey() string    { return e.ConversationID }
func (e ResyncRequested) ConversationKey() string  { return e.ConversationID }
