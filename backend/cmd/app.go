package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/collab-relay/backend/config"
	httpServer "github.com/adwski/collab-relay/backend/server/http"
	websocketServer "github.com/adwski/collab-relay/backend/server/websocket"
	"github.com/adwski/collab-relay/backend/service"
	store "github.com/adwski/collab-relay/backend/storage/memory"
	sw "github.com/adwski/collab-relay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RoomService:    svc,
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		AllowedOrigins:   cfg.AllowedOrigins,
		SendBuffer:       cfg.SendBuffer,
		MaxMessageSize:   cfg.MaxMessageSize,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		PingInterval:     cfg.PingInterval,
		PongWait:         cfg.PongWait,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
