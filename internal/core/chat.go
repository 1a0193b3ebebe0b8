package core

import "time"

// ChatMessage is an ephemeral line of room chat.
type ChatMessage struct {
	SenderID   ParticipantID `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	Text       string        `json:"text"`
	ReceivedAt time.Time     `json:"received_at"`
	Local      bool          `json:"local"`
}
