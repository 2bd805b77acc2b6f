package api

import "time"

// EventType enumerates what the orchestrator reports to its subscribers.
type EventType string

const (
	EventData   EventType = "data"   // a narration chunk
	EventEnd    EventType = "end"    // a round finished; Text holds the full narration
	EventError  EventType = "error"  // Err is set
	EventAbort  EventType = "abort"  // the round was cancelled
	EventStatus EventType = "status" // Waiting reports tool wait begin/end
	EventUser   EventType = "user"   // echo of an accepted user turn
)

// Event is delivered, in order, to every subscriber of a Conversation.
type Event struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Err     error     `json:"-"`
	Waiting bool      `json:"waiting,omitempty"`
	Speaker string    `json:"speaker,omitempty"`
	Round   uint64    `json:"round,omitempty"`
	Time    time.Time `json:"time"`
}

// TalkOptions are the flags of a Talk call.
type TalkOptions struct {
	Uninterruptible bool `json:"uninterruptible,omitempty"`
	Important       bool `json:"important,omitempty"`
}

// Conversation is the surface front-end plugins drive.
type Conversation interface {
	Talk(speaker, text string, opts TalkOptions)
	ManualAbort()
	Subscribe(fn func(Event)) (unsubscribe func())
	State() ConversationState
}
