// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command offsync runs the reference REST server and operates the local
// offline store (queue, cache, sync) from the command line.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mobiletoly/go-offsync/internal/config"
	"github.com/spf13/cobra"
)

// cli carries state shared by all commands of one invocation
type cli struct {
	configPath string
	dbPath     string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "offsync",
		Short: "Offline pending-action cache and sync reconciler",
		Long: `offsync keeps mutations made without connectivity in a durable local queue
and replays them against the record store once the network is back.

Run "offsync serve" to start the REST record server, and the other commands
to inspect or drive the local offline store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "offsync.yaml", "path to YAML config file")
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "local SQLite database (overrides database.path)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.serveCmd(),
		c.enqueueCmd(),
		c.mutateCmd(),
		c.listCmd(),
		c.discardCmd(),
		c.retryCmd(),
		c.syncCmd(),
		c.statusCmd(),
		c.fetchCmd(),
		c.cacheCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) init(logOut io.Writer) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}
	if c.verbose {
		cfg.Log.Level = "debug"
	}
	c.cfg = cfg

	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.logger = logger
	slog.SetDefault(logger)
	return nil
}

func newLogger(lc config.LogConfig, out io.Writer) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}
