// Package api is the local page surface of a room visit: a JSON API for the
// user's actions and a websocket pushing notifications and snapshots.
package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/localmedia"
	"github.com/isqad/livelook-meet/internal/room"
	"github.com/isqad/livelook-meet/internal/validate"
)

const (
	maxMessageSize  = 4 * 1024
	shutdownTimeout = 20 * time.Second
)

// Room is the part of a room visit the page drives.
type Room interface {
	Snapshot(ctx context.Context) (room.Snapshot, error)
	ToggleMic(ctx context.Context) (localmedia.State, error)
	ToggleCamera(ctx context.Context) (localmedia.State, error)
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	SendMessage(ctx context.Context, text string) (core.ChatMessage, error)
	Leave(ctx context.Context) error
	Notifications() <-chan room.Notification
	Changes() <-chan struct{}
}

// AppOptions is options of the application
type AppOptions struct {
	Env       core.Environment
	Address   string
	Room      Room
	Validator *validate.Validator

	// OnShutdown runs once the server stopped accepting requests.
	OnShutdown func(ctx context.Context)

	websocket *melody.Melody
}

// App serves the page of one room visit
type App struct {
	AppOptions
}

func New(options AppOptions) *App {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = maxMessageSize

	if options.Validator == nil {
		options.Validator = validate.NewValidator()
	}

	return &App{
		options,
	}
}

// Start serves until SIGINT or SIGTERM.
func (app *App) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	app.initLogger()
	router := app.Router()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.push(ctx)

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Address,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Str("service", "api").Msg("received signal to terminate the server")
		close(done)
	})

	go func() {
		<-quit
		log.Warn().Str("service", "api").Msg("the server is going shutting down")

		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if app.OnShutdown != nil {
			app.OnShutdown(waitIdleConnCtx)
		}

		if err := app.websocket.Close(); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("close websockets")
		}

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Fatal().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("service", "api").Str("address", app.Address).Msg("listening")

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Str("service", "api").Msg("server stopped")

	return nil
}

func (app *App) initLogger() {
	InitLogger(app.Env)
}

// InitLogger switches the global logger to console output. Development
// environments log at debug level.
func InitLogger(env core.Environment) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	app.websocket.HandleConnect(ConnectHandler(app.Room))
	app.websocket.HandleMessage(func(s *melody.Session, msg []byte) {
		log.Debug().Str("service", "websockets").Msg("ignoring client message")
	})
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "websockets").Msg("error in websocket session")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", WebsocketsHandler(app.websocket))

	r.Route("/api/v1/room", func(r chi.Router) {
		r.Get("/", SnapshotHandler(app.Room))
		r.Delete("/", LeaveHandler(app.Room))
		r.Post("/mic", ToggleMicHandler(app.Room))
		r.Post("/camera", ToggleCameraHandler(app.Room))
		r.Post("/screen", StartScreenShareHandler(app.Room))
		r.Delete("/screen", StopScreenShareHandler(app.Room))
		r.Post("/messages", MessageCreateHandler(app.Room, app.Validator))
	})

	return r
}
