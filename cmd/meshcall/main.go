package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/meshrtc/meshcall/internal/config"
	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/mesh"
	"github.com/meshrtc/meshcall/internal/rtc"
	"github.com/meshrtc/meshcall/internal/signaling"
)

func main() {
	app := &cli.App{
		Name:        "meshcall",
		Usage:       "Mesh video call peer",
		Description: "Joins a room (or creates one) and negotiates media sessions with every other participant.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "room",
				Usage: "room id to join; a new room is created when empty",
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "participant id; generated when empty",
			},
			&cli.BoolFlag{
				Name:  "no-media",
				Usage: "run without local capture devices",
			},
			&cli.StringFlag{
				Name:  "metrics-address",
				Usage: "listen address of the metrics endpoint",
				Value: ":9091",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func run(c *cli.Context) error {
	env := core.Environment(c.String("env"))
	initLogger(env)

	cfg, err := config.Load(env)
	if err != nil {
		return err
	}

	self := core.ParticipantID(c.String("id"))
	if self == "" {
		self = core.ParticipantID(uuid.NewString())
	}

	channel, err := buildChannel(c.Context, cfg)
	if err != nil {
		return err
	}
	defer channel.Close()

	var engineOptions []rtc.EngineOption
	var camera rtc.Bundle
	selector, err := rtc.NewCodecSelector()
	if err != nil {
		return err
	}
	if !c.Bool("no-media") {
		camera, err = rtc.CameraBundle(selector)
		if err != nil {
			return fmt.Errorf("can't acquire camera: %w", err)
		}
		defer camera.Close()
		engineOptions = append(engineOptions, rtc.SelectorEngineOption(selector))
	}

	factory, err := rtc.NewPCFactory(rtc.TransportParams{
		EnabledCodecs: cfg.Peer.EnabledCodecs,
		RTC:           cfg.RTC,
		EngineOptions: engineOptions,
	})
	if err != nil {
		return err
	}

	room := mesh.NewRoom(mesh.RoomParams{
		Channel:       channel,
		Factory:       factory,
		Self:          self,
		Camera:        camera,
		InviteTimeout: cfg.Signaling.InviteTimeout,
	})

	ctx := c.Context
	if roomID := c.String("room"); roomID != "" {
		if err := room.Join(ctx, core.RoomID(roomID)); err != nil {
			return err
		}
	} else {
		id, err := room.Create(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("room", string(id)).Msg("room created")
	}

	go serveMetrics(c.String("metrics-address"))

	waitForShutdown(room, selector, c.Bool("no-media"))

	return room.Leave(context.Background())
}

func buildChannel(ctx context.Context, cfg *config.Config) (signaling.Channel, error) {
	switch cfg.Signaling.Backend {
	case "relay":
		return signaling.DialRelay(ctx, cfg.Signaling.RelayURL)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Signaling.RedisAddr,
			DB:   cfg.Signaling.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return signaling.NewRedisChannel(rdb, cfg.Signaling.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown signaling backend %q", cfg.Signaling.Backend)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM. SIGUSR1 toggles screen
// sharing on the way.
func waitForShutdown(room *mesh.Room, selector *mediadevices.CodecSelector, noMedia bool) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig != syscall.SIGUSR1 {
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			return
		}
		if noMedia {
			continue
		}
		if room.Router().Sharing() {
			room.Router().EndScreenShare()
			continue
		}
		screen, err := rtc.ScreenBundle(selector)
		if err != nil {
			log.Error().Err(err).Msg("can't acquire screen capture")
			continue
		}
		room.Router().ShareScreen(screen, mesh.ShareOptions{})
	}
}

func serveMetrics(address string) {
	r := chi.NewRouter()
	r.Method("GET", "/metrics", promhttp.Handler())
	if err := http.ListenAndServe(address, r); err != nil {
		log.Error().Err(err).Msg("metrics endpoint stopped")
	}
}

func initLogger(env core.Environment) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if env.IsDevelopment() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
