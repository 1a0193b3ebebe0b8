package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type notification struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type snapshot struct {
	Room             string `json:"room"`
	Joined           bool   `json:"joined"`
	ParticipantCount int    `json:"participant_count"`
	Sessions         []struct {
		DisplayName string `json:"display_name"`
	} `json:"sessions"`
	Media struct {
		Mode          string `json:"mode"`
		MicEnabled    bool   `json:"mic_enabled"`
		CameraEnabled bool   `json:"camera_enabled"`
	} `json:"media"`
}

func main() {
	app := &cli.App{
		Name:        "livelook-watch",
		Usage:       "Prints notifications and snapshots pushed by an agent",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "localhost:8080",
				Usage: "address of the agent page",
			},
		},
		Action: watch,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func watch(c *cli.Context) error {
	log.Logger = log.Output(zerolog.NewConsoleWriter())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", c.String("host")), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	defer conn.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if err := readFrame(conn); err != nil {
				log.Error().Err(err).Msg("read error")
				return
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-interrupt:
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			return err
		}

		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

func readFrame(conn *websocket.Conn) error {
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return err
	}

	switch f.Type {
	case "notification":
		var n notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			return err
		}
		log.Info().Str("level", n.Level).Msg(n.Message)
	case "snapshot":
		var s snapshot
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return err
		}
		names := make([]string, 0, len(s.Sessions))
		for _, sess := range s.Sessions {
			names = append(names, sess.DisplayName)
		}
		log.Info().
			Str("room", s.Room).
			Bool("joined", s.Joined).
			Int("participants", s.ParticipantCount).
			Strs("live", names).
			Str("mode", s.Media.Mode).
			Bool("mic", s.Media.MicEnabled).
			Bool("camera", s.Media.CameraEnabled).
			Msg("snapshot")
	default:
		log.Debug().Str("type", f.Type).Msg("unknown frame")
	}

	return nil
}
