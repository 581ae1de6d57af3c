package types

import "time"

type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

// Message is one unit of conversation content. Immutable once created.
// Confidence is set only on bot messages; zero is the sentinel for a
// failed generation, not a low-quality answer.
type Message struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"sessionId"`
	Sender        Sender     `json:"sender"`
	Text          string     `json:"text"`
	AttachmentRef string     `json:"attachmentRef,omitempty"`
	Suggestions   []string   `json:"suggestions,omitempty"`
	Confidence    *float64   `json:"confidence,omitempty"`
	Visibility    Visibility `json:"visibility"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// WithConfidence sets the confidence score on a bot message.
func (m *Message) WithConfidence(c float64) *Message {
	m.Confidence = &c
	return m
}
