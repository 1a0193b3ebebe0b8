// Package chat relays room chat over the presence channel broadcast.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/presence"
)

var ErrEmptyMessage = errors.New("chat: empty message")

type Broadcaster interface {
	Broadcast(ctx context.Context, name string, payload interface{}) error
}

// Relay keeps the ordered chat log of a room. Lines are appended in arrival
// order; own lines are appended before the broadcast is sent.
type Relay struct {
	self core.ParticipantID
	name string
	bc   Broadcaster

	mu  sync.RWMutex
	log []core.ChatMessage
}

func NewRelay(self core.ParticipantID, name string, bc Broadcaster) *Relay {
	return &Relay{
		self: self,
		name: core.PresenceRecord{DisplayName: name}.Normalize().DisplayName,
		bc:   bc,
	}
}

// Send appends text to the log and broadcasts it without waiting for delivery.
// A broadcast failure is returned but the line stays in the log.
func (r *Relay) Send(ctx context.Context, text string) (core.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.ChatMessage{}, ErrEmptyMessage
	}

	msg := r.append(core.ChatMessage{
		SenderID:   r.self,
		SenderName: r.name,
		Text:       text,
		Local:      true,
	})

	payload := presence.MessagePayload{UserID: r.self, Username: r.name, Text: text}
	if err := r.bc.Broadcast(ctx, presence.MessageEventName, payload); err != nil {
		log.Warn().Err(err).Str("service", "chat").Str("participant", r.self.String()).Msg("broadcast message failed")
		return msg, fmt.Errorf("broadcast message: %w", err)
	}

	return msg, nil
}

// Receive appends a line broadcast by another occupant.
func (r *Relay) Receive(ev presence.MessageEvent) core.ChatMessage {
	return r.append(core.ChatMessage{
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Text:       ev.Text,
	})
}

// Log returns a copy of the log in arrival order.
func (r *Relay) Log() []core.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]core.ChatMessage(nil), r.log...)
}

func (r *Relay) append(msg core.ChatMessage) core.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg.ReceivedAt = time.Now().UTC()
	r.log = append(r.log, msg)

	return msg
}
