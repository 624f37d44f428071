// Package summary holds the value types shared by the summary pipeline,
// the message history and the LLM client.
package summary

import "time"

// ChatMessage is one stored group message.
type ChatMessage struct {
	MessageID int       `json:"message_id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Filters narrows which messages a summary covers. Zero means everything.
type Filters struct {
	UserIDs []int64 `json:"user_ids,omitempty"`
	Keyword string  `json:"keyword,omitempty"`
}

// Line is a processed message handed to the model.
type Line struct {
	Name    string
	Content string
}

// Target is where a summary is delivered.
type Target struct {
	ChatID   int64
	ThreadID int
}
