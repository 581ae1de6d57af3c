package types

type EventKind string

const (
	EventStartSession EventKind = "start_session"
	EventUserMessage  EventKind = "user_message"
	EventAgentMessage EventKind = "agent_message"
	EventTypingStart  EventKind = "typing_start"
	EventTypingStop   EventKind = "typing_stop"
	EventRequestAgent EventKind = "request_agent"
	EventEndSession   EventKind = "end_session"
)

// InboundEvent is the single envelope the dispatcher accepts from any
// transport. Fields beyond Kind and SessionID are populated depending
// on the kind.
type InboundEvent struct {
	Kind          EventKind         `json:"kind"`
	SessionID     string            `json:"sessionId"`
	Text          string            `json:"text,omitempty"`
	AttachmentRef string            `json:"attachmentRef,omitempty"`
	AgentID       string            `json:"agentId,omitempty"`
	Who           string            `json:"who,omitempty"`
	Visibility    Visibility        `json:"visibility,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Outbound SSE event names.
const (
	OutSessionStarted     = "session_started"
	OutUserMessage        = "user_message"
	OutBotMessage         = "bot_message"
	OutBotStream          = "bot_stream"
	OutAgentMessage       = "agent_message"
	OutAgentJoined        = "agent_joined"
	OutDisplayTyping      = "display_typing"
	OutNewNotification    = "new_notification"
	OutConversationClosed = "conversation_closed"
)
