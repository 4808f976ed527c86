// Package signal connects an assistant to Signal through signal-cli
// running in jsonRpc mode as a subprocess.
package signal

import "time"

// Envelope is the top-level structure pushed by signal-cli for each
// received event. Only data messages reach the bridge.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage *DataMessage `json:"dataMessage,omitempty"`
}

// DataMessage is a normal text or media message.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
	Reaction  *Reaction  `json:"reaction,omitempty"`
}

// Reaction is an emoji reaction. signal-cli sends reactions inside the
// dataMessage envelope, not as a top-level field.
type Reaction struct {
	Emoji               string `json:"emoji"`
	TargetAuthor        string `json:"targetAuthor"`
	TargetSentTimestamp int64  `json:"targetSentTimestamp"`
	IsRemove            bool   `json:"isRemove"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// SentAt returns the message timestamp in milliseconds, preferring the
// data message's own timestamp over the envelope's.
func (e *Envelope) SentAt() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}

// Time returns SentAt as a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.SentAt())
}

// Text returns the message body, or "" for non-text envelopes.
func (e *Envelope) Text() string {
	if e.DataMessage == nil || e.DataMessage.Reaction != nil {
		return ""
	}
	return e.DataMessage.Message
}

// GroupID returns the group the message was sent to, or "" for a
// direct message.
func (e *Envelope) GroupID() string {
	if e.DataMessage == nil || e.DataMessage.GroupInfo == nil {
		return ""
	}
	return e.DataMessage.GroupInfo.GroupID
}

// ReplyTarget addresses a reply to where the envelope came from.
func (e *Envelope) ReplyTarget() Target {
	if g := e.GroupID(); g != "" {
		return Target{GroupID: g}
	}
	return Target{Recipient: e.Source}
}
