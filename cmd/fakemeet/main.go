// Command fakemeet serves a minimal conference for running the torture
// harness locally.
//
// Usage:
//
//	go run ./cmd/fakemeet --addr :8080
//	go run ./cmd/longlived --server-url http://localhost:8080 --participants 3
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/thesyncim/torture/cmd/fakemeet/server"
)

func main() {
	defaults := server.DefaultConfig()
	addr := pflag.String("addr", ":8080", "listen address")
	pli := pflag.Duration("pli-interval", defaults.PLIInterval, "keyframe request period for received video (0 disables)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg := defaults
	cfg.Addr = *addr
	cfg.PLIInterval = *pli
	cfg.Logger = log.Logger

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	if _, err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
