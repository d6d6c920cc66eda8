package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/babachat/relay/internal/server"
)

var configPath = flag.String("config", "", "optional JSON configuration file")

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		*configPath = envPath
	}

	cfg := server.MustLoadConfig(*configPath)
	setupLogging(cfg.LogLevel)
	server.SetConfig(cfg)

	hub := server.NewHub()
	go hub.Run()

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(cfg.Addr(), mux)

	go func() {
		if err := server.StartServer(httpServer); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("Hub shutdown error")
	}
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
