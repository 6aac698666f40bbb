package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/roomchat/internal/config"
	"github.com/zhouzirui/roomchat/internal/handler"
	"github.com/zhouzirui/roomchat/internal/service/auth"
	"github.com/zhouzirui/roomchat/internal/service/chat"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("[devserver] exited")
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		addr  string
		rooms []string
	)
	cmd := &cobra.Command{
		Use:          "devserver",
		Short:        "Reference chat backend for local development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevserver(cmd.Context(), addr, rooms)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides PORT)")
	cmd.Flags().StringSliceVar(&rooms, "room", []string{"General", "Random"}, "Public rooms to create at startup")
	return cmd
}

func runDevserver(parent context.Context, addr string, seedRooms []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("[devserver] no .env file, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := config.SetupLogging(cfg.Log, os.Stderr); err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	chatSvc := chat.NewService()
	for _, name := range seedRooms {
		room, err := chatSvc.CreateRoom(ctx, 0, name, "", false, 0)
		if err != nil {
			return fmt.Errorf("seed room %q: %w", name, err)
		}
		log.Info().Msgf("[devserver] seeded room %s", room.Slug)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	issuer := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.AccessTTL)
	router := handler.NewRouter(chatSvc, issuer, reg)

	return startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Msgf("[devserver] listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("[devserver] stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
