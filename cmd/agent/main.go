package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-meet/internal/api"
	"github.com/isqad/livelook-meet/internal/config"
	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/presence"
	"github.com/isqad/livelook-meet/internal/render"
	"github.com/isqad/livelook-meet/internal/room"
	"github.com/isqad/livelook-meet/internal/rtc"
	"github.com/isqad/livelook-meet/internal/signal"
	"github.com/isqad/livelook-meet/internal/validate"
)

const leaveTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:        "livelook-agent",
		Usage:       "Joins a group call room and serves its page",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the config file",
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "room code, example: abc-def-123",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "display name shown to the other participants",
				Value: core.AnonymousName,
			},
			&cli.StringFlag{
				Name:  "participant",
				Usage: "stable participant key, random when empty",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port of the page, overrides the config",
			},
		},
		Action: startAgent,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startAgent(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("address"); addr != "" {
		conf.Address = addr
	}
	api.InitLogger(conf.Env)

	v := validate.NewValidator()
	if err := v.RoomCode(c.String("room")); err != nil {
		return err
	}

	self := core.ParticipantID(c.String("participant"))
	if self == "" {
		self = core.ParticipantID(uuid.NewString())
	}

	var rdb *redis.Client
	if conf.Presence.Driver == "redis" || conf.Signaling.Driver == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(c.Context).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	channel := presenceChannel(conf, rdb)

	transport, closeTransport, err := signalTransport(conf, rdb)
	if err != nil {
		return err
	}
	defer closeTransport()

	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return err
	}

	rm := room.New(room.Options{
		Room:         core.RoomID(c.String("room")),
		Self:         self,
		DisplayName:  c.String("name"),
		Capacity:     conf.Room.Capacity,
		CameraOnJoin: conf.Media.CameraOnJoin,
		Presence:     channel,
		Library: rtc.NewLibrary(transport, rtc.TransportParams{
			EnabledCodecs: conf.Peer.EnabledCodecs,
			Config:        rtcConf,
		}),
		Capturer: &media.FileCapturer{
			MicrophoneFile: conf.Media.MicrophoneFile,
			CameraFile:     conf.Media.CameraFile,
			ScreenFile:     conf.Media.ScreenFile,
		},
		Renderer: render.NewDrain(),
	})

	if err := rm.Join(c.Context); err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			log.Warn().Str("service", "agent").Str("room", c.String("room")).Msg("room is full")
		}
		return err
	}

	log.Info().
		Str("service", "agent").
		Str("room", c.String("room")).
		Str("participant", self.String()).
		Msg("joined room")

	page := api.New(api.AppOptions{
		Env:       conf.Env,
		Address:   conf.Address,
		Room:      rm,
		Validator: v,
		OnShutdown: func(ctx context.Context) {
			leave(ctx, rm)
		},
	})

	return serve(page, rm)
}

type starter interface {
	Start() error
}

type leaver interface {
	Leave(ctx context.Context) error
}

// serve runs the page and leaves the room when the page never comes up.
func serve(page starter, rm leaver) error {
	if err := page.Start(); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()

		leave(ctx, rm)
		return err
	}

	return nil
}

func leave(ctx context.Context, rm leaver) {
	if err := rm.Leave(ctx); err != nil && !errors.Is(err, room.ErrNotJoined) {
		log.Error().Err(err).Str("service", "agent").Msg("leave room")
	}
}

func presenceChannel(conf *config.Config, rdb *redis.Client) presence.Channel {
	if conf.Presence.Driver == "memory" {
		return presence.NewHub()
	}

	return presence.RedisPresence(rdb, presence.RedisOptions{
		HeartbeatInterval: conf.Presence.HeartbeatInterval,
		TTL:               conf.Presence.TTL,
		SyncInterval:      conf.Presence.SyncInterval,
	})
}

func signalTransport(conf *config.Config, rdb *redis.Client) (signal.Transport, func(), error) {
	switch conf.Signaling.Driver {
	case "nats":
		nc, err := nats.Connect(conf.NATS.URL, nats.Name("livelook-agent"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		return signal.NATSPubSub(nc), nc.Close, nil
	case "memory":
		return signal.NewMemoryTransport(), func() {}, nil
	default:
		return signal.RedisPubSub(rdb), func() {}, nil
	}
}
