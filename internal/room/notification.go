package room

import (
	"fmt"
	"time"
)

type Level string

const (
	Info    Level = "info"
	Warning Level = "warning"
	Failure Level = "error"
)

// Notification is an ephemeral toast for the UI.
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func joinedToast(name string) Notification {
	return toast(Info, fmt.Sprintf("%s joined the room", name))
}

func leftToast() Notification {
	return toast(Info, "A user left the room")
}

func messageToast(sender string) Notification {
	return toast(Info, fmt.Sprintf("New message from %s", sender))
}

func toast(level Level, msg string) Notification {
	return Notification{Level: level, Message: msg, At: time.Now().UTC()}
}
