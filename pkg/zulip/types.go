// Copyright 2024-2026 Aiku AI

package zulip

// User is a Zulip realm user as returned by the users endpoints and
// embedded in realm_user events.
type User struct {
	UserID    int64  `json:"user_id"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	IsActive  bool   `json:"is_active"`
	IsBot     bool   `json:"is_bot"`
	Role      int    `json:"role"`
}

// Message is a Zulip message as delivered inside message events and the
// messages endpoints. Content is raw Zulip markdown (the event queue is
// registered with apply_markdown=false).
type Message struct {
	ID             int64  `json:"id"`
	SenderID       int64  `json:"sender_id"`
	SenderFullName string `json:"sender_full_name"`
	SenderEmail    string `json:"sender_email"`
	Type           string `json:"type"`
	StreamID       int64  `json:"stream_id"`
	Subject        string `json:"subject"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

// Event is a single entry from the events long-poll endpoint. Only the
// fields for the event types the bridge subscribes to are mapped; the
// zero value of an unused field is simply ignored by the dispatcher.
type Event struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
	Op   string `json:"op,omitempty"`

	// message
	Message *Message `json:"message,omitempty"`

	// update_message / delete_message / reaction
	MessageID int64  `json:"message_id,omitempty"`
	StreamID  int64  `json:"stream_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Content   string `json:"content,omitempty"`

	// reaction
	EmojiName string `json:"emoji_name,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`

	// realm_user update
	Person *User `json:"person,omitempty"`
}

// Queue identifies a registered event queue and the poll cursor into it.
type Queue struct {
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// Event type and op constants for the subscribed queue.
const (
	EventTypeMessage       = "message"
	EventTypeUpdateMessage = "update_message"
	EventTypeDeleteMessage = "delete_message"
	EventTypeReaction      = "reaction"
	EventTypeRealmUser     = "realm_user"
	EventTypeHeartbeat     = "heartbeat"

	OpAdd    = "add"
	OpRemove = "remove"
	OpUpdate = "update"

	MessageTypeStream  = "stream"
	MessageTypePrivate = "private"
)
