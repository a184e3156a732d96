package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cryptosim/sim-engine/internal/api"
	"github.com/cryptosim/sim-engine/internal/config"
	"github.com/cryptosim/sim-engine/internal/logging"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "simengine",
		Short:         "Virtual trading simulator",
		Long:          "simengine runs a paper-trading ledger with an optional signal-driven auto trader behind an HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Close all positions and reset the ledger and auto trader counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "simengine %s\n", version)
		},
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), exitWith(exitConfig, err)
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := api.NewServer(a.engine, a.ledger, a.trader, a.oracle, a.clock, logger, api.Options{
		TradesTail: cfg.TradesTail,
		JWTSecret:  cfg.JWTSecret,
		Hub:        a.hub,
	})
	httpSrv := &http.Server{
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return exitWith(exitBind, fmt.Errorf("listen on %s: %w", cfg.BindAddr, err))
	}

	go a.hub.Run(ctx)
	go a.engine.Run(ctx, cfg.MarkInterval)
	go a.trader.Run(ctx, cfg.TickInterval)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("simengine listening")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down simengine")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	fmt.Fprintln(os.Stderr, "simengine stopped")
	return nil
}

func runReset(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(parent, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.Reset(parent); err != nil {
		return exitWith(exitPersistence, err)
	}
	if _, err := a.trader.Reset(parent); err != nil {
		return exitWith(exitPersistence, err)
	}
	fmt.Printf("ledger reset, cash %s\n", a.ledger.Cash())
	return nil
}
