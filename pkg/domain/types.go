package domain

import "time"

// Sender tags the origin of a stored message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MediaType classifies inbound message payloads.
type MediaType string

const (
	MediaText    MediaType = "text"
	MediaImage   MediaType = "image"
	MediaVideo   MediaType = "video"
	MediaAudio   MediaType = "audio"
	MediaPDF     MediaType = "pdf"
	MediaUnknown MediaType = "unknown"
)

// User is a WhatsApp contact known to the assistant. The phone number is the
// natural external identifier; ThreadID references the assistant-side
// conversation resource once one exists.
type User struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	ThreadID  string    `json:"threadId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single inbound or outbound message bound to a user.
type Message struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"userId"`
	Sender    Sender         `json:"sender"`
	Content   string         `json:"content,omitempty"`
	MediaType MediaType      `json:"mediaType,omitempty"`
	MediaURL  string         `json:"mediaUrl,omitempty"`
	Payload   map[string]any `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event is the normalized view of a provider webhook payload after
// extraction.
type Event struct {
	Phone     string
	PushName  string
	Text      string
	MediaType MediaType
	MediaURL  string
	Raw       map[string]any
}

// IsText reports whether the event carries plain text to answer.
func (e Event) IsText() bool {
	return e.MediaType == MediaText && e.Text != ""
}
