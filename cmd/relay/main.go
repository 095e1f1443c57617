package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/urfave/cli/v2"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/relay"
)

func main() {
	app := &cli.App{
		Name:        "meshcall-relay",
		Usage:       "Websocket signaling relay",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':3001' (default value) for listen on 0.0.0.0:3001",
				Value: ":3001",
			},
		},
		Action: startRelay,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startRelay(c *cli.Context) error {
	relayApp := relay.New(relay.AppOptions{
		Address: c.String("address"),
		Env:     core.Environment(c.String("env")),
	})

	return relayApp.Start()
}
