package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"
)

const (
	FrameNotification = "notification"
	FrameSnapshot     = "snapshot"
)

// Frame is pushed to every connected page.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func WebsocketsHandler(websocket *melody.Melody) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := websocket.HandleRequestWithKeys(w, r, map[string]interface{}{}); err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("can't handle request")
		}
	}
}

// ConnectHandler greets a new page with the current snapshot.
func ConnectHandler(rm Room) func(session *melody.Session) {
	return func(session *melody.Session) {
		snap, err := rm.Snapshot(context.Background())
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("snapshot for new session")
			return
		}

		data, err := json.Marshal(Frame{Type: FrameSnapshot, Data: snap})
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("encode snapshot")
			return
		}
		if err := session.Write(data); err != nil {
			log.Debug().Err(err).Str("service", "websockets").Msg("write snapshot")
		}
	}
}

// push forwards notifications and snapshot changes to every page until ctx
// is done.
func (app *App) push(ctx context.Context) {
	for {
		var frame Frame

		select {
		case <-ctx.Done():
			return
		case n := <-app.Room.Notifications():
			frame = Frame{Type: FrameNotification, Data: n}
		case <-app.Room.Changes():
			snap, err := app.Room.Snapshot(ctx)
			if err != nil {
				log.Debug().Err(err).Str("service", "websockets").Msg("snapshot for push")
				continue
			}
			frame = Frame{Type: FrameSnapshot, Data: snap}
		}

		data, err := json.Marshal(frame)
		if err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("encode frame")
			continue
		}
		if err := app.websocket.Broadcast(data); err != nil {
			log.Debug().Err(err).Str("service", "websockets").Msg("broadcast frame")
		}
	}
}
