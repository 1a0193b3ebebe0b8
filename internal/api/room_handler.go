package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/chat"
	"github.com/isqad/livelook-meet/internal/localmedia"
	"github.com/isqad/livelook-meet/internal/room"
	"github.com/isqad/livelook-meet/internal/telemetry"
	"github.com/isqad/livelook-meet/internal/validate"
)

type MessageRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type errorResponse struct {
	Error  string                     `json:"error"`
	Errors []validate.ValidationError `json:"errors,omitempty"`
}

func SnapshotHandler(rm Room) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := rm.Snapshot(r.Context())
		if err != nil {
			fail(w, "snapshot", err)
			return
		}
		respond(w, http.StatusOK, snap)
	}
}

func ToggleMicHandler(rm Room) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := rm.ToggleMic(r.Context())
		if err != nil {
			fail(w, "toggle_mic", err)
			return
		}
		succeed("toggle_mic")
		respond(w, http.StatusOK, st)
	}
}

func ToggleCameraHandler(rm Room) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := rm.ToggleCamera(r.Context())
		if err != nil {
			fail(w, "toggle_camera", err)
			return
		}
		succeed("toggle_camera")
		respond(w, http.StatusOK, st)
	}
}

// StartScreenShareHandler accepts the switch. The capture itself finishes in
// the background and failures arrive as notifications.
func StartScreenShareHandler(rm Room) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rm.StartScreenShare(r.Context()); err != nil {
			fail(w, "start_screen_share", err)
			return
		}
		succeed("start_screen_share")
		w.WriteHeader(http.StatusAccepted)
	}
}

func StopScreenShareHandler(rm Room) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rm.StopScreenShare(r.Context()); err != nil {
			fail(w, "stop_screen_share", err)
			return
		}
		succeed("stop_screen_share")
		w.WriteHeader(http.StatusAccepted)
	}
}

func MessageCreateHandler(rm Room, v *validate.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Debug().Err(err).Str("service", "api").Msg("can't decode message")
			respond(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
			return
		}

		if errs, ok := v.Validate(&req); !ok {
			respond(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Errors: errs})
			return
		}

		msg, err := rm.SendMessage(r.Context(), req.Text)
		if err != nil && msg.Text == "" {
			fail(w, "send_message", err)
			return
		}
		if err != nil {
			// the line is in the log, only the broadcast failed
			telemetry.ServiceOperationCounter.WithLabelValues("send_message", "error", "broadcast").Add(1)
			respond(w, http.StatusAccepted, msg)
			return
		}

		succeed("send_message")
		respond(w, http.StatusCreated, msg)
	}
}

func LeaveHandler(rm Room) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rm.Leave(r.Context()); err != nil {
			fail(w, "leave", err)
			return
		}
		succeed("leave")
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrNotJoined),
		errors.Is(err, localmedia.ErrNotStarted),
		errors.Is(err, localmedia.ErrTransitionInProgress):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("service", "api").Str("operation", op).Msg("request failed")
	}
	telemetry.ServiceOperationCounter.WithLabelValues(op, "error", http.StatusText(status)).Add(1)
	respond(w, status, errorResponse{Error: err.Error()})
}

func succeed(op string) {
	telemetry.ServiceOperationCounter.WithLabelValues(op, "success", "").Add(1)
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}
