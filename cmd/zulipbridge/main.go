// Copyright 2024-2026 Aiku AI

// Command zulipbridge is a Matrix appservice that bridges Zulip
// organizations into Matrix rooms. Each subscribed stream becomes a
// portal room, each topic a thread, and each Zulip user a puppet.
// Everything is driven by chat commands in the control and organization
// rooms.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/zulipbridge/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("Starting zulipbridge")

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	store, err := bridge.LoadStore(cfg.Bridge.StateFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load state")
	}
	matrix, err := bridge.NewMatrixClient(log, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up appservice")
	}

	br := bridge.New(log, cfg, matrix, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	as := matrix.AppService()
	ep := appservice.NewEventProcessor(as)
	ep.On(event.EventMessage, br.HandleMatrixEvent)
	ep.On(event.EventReaction, br.HandleMatrixEvent)
	ep.On(event.EventRedaction, br.HandleMatrixEvent)
	ep.On(event.StateMember, matrix.HandleMemberEvent)

	go as.Start()
	go ep.Start(ctx)

	if err := br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}
	log.Info().Msg("Bridge running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	cancel()
	ep.Stop()
	as.Stop()
	br.Stop()
}
