// Copyright 2025 The envelop-relayer Authors
// This file is part of envelop-relayer.
//
// envelop-relayer is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// envelop-relayer is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with envelop-relayer. If not, see <http://www.gnu.org/licenses/>.

// relayer is the confirmation-gated settlement relayer daemon.
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

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	relayer "github.com/envelop-finance/relayer"
	"github.com/envelop-finance/relayer/api"
	"github.com/envelop-finance/relayer/config"
)

func main() {
	app := &cli.App{
		Name:  "relayer",
		Usage: "confirmation-gated settlement relayer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   "relayer.yaml",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "optional .env file loaded before the config",
			},
			&cli.IntFlag{
				Name:  "verbosity",
				Usage: "log verbosity (0=crit .. 5=trace)",
				Value: 3,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relayer:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr,
		log.FromLegacyLevel(c.Int("verbosity")), false)
	log.SetDefault(log.NewLogger(handler))

	if envFile := c.String("env"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		// Best effort; a missing .env is not an error.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := relayer.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	core.StartDispatcher(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(core.Submitter, core.Oracle, core.Gate, core.Storage),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown incomplete", "err", err)
	}
	return nil
}
