package agent

import (
	"time"

	"github.com/nugget/rambo/internal/memory"
)

// Visibility describes who can see a message.
type Visibility string

// Visibility values.
const (
	VisibilityPrivate    Visibility = "private"
	VisibilitySemipublic Visibility = "semipublic"
)

// Privacy describes the audience shape of a message.
type Privacy string

// Privacy values. Only PrivacyDirect bypasses the responsiveness gate.
const (
	PrivacyDirect     Privacy = "private_direct"
	PrivacyGroup      Privacy = "private_group"
	PrivacySemipublic Privacy = "semipublic"
)

// Sender identifies a message author on its platform.
type Sender struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Message is one inbound chat message, built by an adapter and
// consumed once by [Loop.Run]. It is not modified after construction.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Source     string     `json:"source"`
	Sender     Sender     `json:"sender"`
	Recipients []Sender   `json:"recipients,omitempty"`

	// Assistant is the assistant's display name on the platform. When
	// empty the loop's configured name is used.
	Assistant string `json:"assistant,omitempty"`

	Content    string     `json:"content"`
	Channel    string     `json:"channel,omitempty"`
	Server     string     `json:"server,omitempty"`
	Visibility Visibility `json:"visibility"`
	Privacy    Privacy    `json:"privacy"`
	Secure     bool       `json:"secure"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Direct reports whether the message is a one-to-one exchange with
// the assistant.
func (m *Message) Direct() bool {
	return m.Privacy == PrivacyDirect
}

// ConversationKey derives the memory key for the message. Channels
// identify group conversations; direct messages are also keyed by
// their participants so two DMs sharing a channel ID stay separate.
func (m *Message) ConversationKey() memory.Key {
	var participants []string
	if m.Direct() {
		participants = append(participants, m.Sender.ID)
		for _, r := range m.Recipients {
			participants = append(participants, r.ID)
		}
	}
	return memory.DeriveKey(m.Source, m.Server, m.Channel, participants)
}

// AssistantName returns the platform identity of the assistant, or
// fallback when the adapter did not set one.
func (m *Message) AssistantName(fallback string) string {
	if m.Assistant != "" {
		return m.Assistant
	}
	return fallback
}

func (m *Message) received() time.Time {
	if m.Timestamp.IsZero() {
		return time.Now()
	}
	return m.Timestamp
}
