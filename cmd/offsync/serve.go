// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-offsync/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST record server backed by Postgres",
		Long: `Starts the REST API the offline client replays against:
  POST   /rest/{table}       - create a record
  PATCH  /rest/{table}/{id}  - update a record
  DELETE /rest/{table}/{id}  - delete a record
  GET    /rest/{table}       - fetch records (query params filter fields)
  GET    /health             - liveness probe (no auth)

Requests require "Authorization: Bearer <jwt>" carrying sub and tid claims.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := c.cfg.Server
	components, err := server.SetupServer(ctx, &server.SetupConfig{
		DatabaseURL:    sc.DatabaseURL,
		JWTSecret:      sc.JWTSecret,
		Schema:         sc.Schema,
		AllowedOrigins: sc.AllowedOrigins,
		DummySignin:    sc.DummySignin,
		LogRequests:    sc.LogRequests,
		Logger:         c.logger,
	})
	if err != nil {
		return err
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:              sc.Addr,
		Handler:           components.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("Starting record server", "addr", httpServer.Addr, "dummy_signin", sc.DummySignin)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Info("Server exited")
	return nil
}
