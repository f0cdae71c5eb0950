// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
	"github.com/mobiletoly/go-offsync/server"
	"github.com/spf13/cobra"
)

// readPayload returns the JSON argument, or stdin when it is "-"
func readPayload(cmd *cobra.Command, arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if arg == "-" {
		var err error
		if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", offsync.ErrBadPayload)
	}
	return raw, nil
}

func parseActionType(s string) (offsync.ActionType, error) {
	t := offsync.ActionType(strings.ToLower(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q (want create, update or delete)", s)
	}
	return t, nil
}

func (c *cli) enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <create|update|delete> <table> <json|->",
		Short: "Record a mutation in the pending-action queue without contacting the server",
		Example: `  offsync enqueue create jobs '{"title":"Replace impeller","priority":"high"}'
  offsync enqueue update vessels '{"id":"v-1","status":"in_port"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseActionType(args[0])
			if err != nil {
				return err
			}
			data, err := readPayload(cmd, args[2])
			if err != nil {
				return err
			}
			a, err := c.openStores()
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.queue.Enqueue(cmd.Context(), typ, args[1], data)
			if err != nil {
				return err
			}
			action, err := a.queue.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), action)
		},
	}
}

func (c *cli) mutateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mutate <create|update|delete> <table> <json|->",
		Short: "Apply a mutation remotely when online, queueing it otherwise",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseActionType(args[0])
			if err != nil {
				return err
			}
			data, err := readPayload(cmd, args[2])
			if err != nil {
				return err
			}
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.manager.Mutate(cmd.Context(), typ, args[1], data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [table]",
		Short: "List unsynced pending actions, oldest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			a, err := c.openStores()
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.queue.List(cmd.Context(), table))
		},
	}
}

func (c *cli) discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <action-id>",
		Short: "Drop a pending action that cannot be applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openStores()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.queue.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <action-id>",
		Short: "Release a pending action held after a conflict so the next sync replays it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openStores()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.queue.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay pending actions against the server and refresh the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.manager.SyncNow(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("sync incomplete: %d failed, %d skipped", res.FailedActions, res.SkippedActions)
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending actions, cache size and last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.manager.Status(cmd.Context()))
		},
	}
}

func (c *cli) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <table>",
		Short: "Fetch a table from the server into the cache, falling back to the cached copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.manager.Fetch(cmd.Context(), args[0]))
		},
	}
}

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local structured cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <table> [id]",
		Short: "Print cached entities of a table",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			a, err := c.openStores()
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(cmd.OutOrStdout(), a.cache.Get(cmd.Context(), args[0], id))
		},
	}, &cobra.Command{
		Use:   "clear [table]",
		Short: "Evict a table, or the whole cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			a, err := c.openStores()
			if err != nil {
				return err
			}
			defer a.Close()
			a.cache.Clear(cmd.Context(), table)
			return nil
		},
	})
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		user, tenant string
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for a user and tenant using the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = c.cfg.Remote.User
			}
			if tenant == "" {
				tenant = c.cfg.Remote.Tenant
			}
			if user == "" || tenant == "" {
				return fmt.Errorf("user and tenant are required")
			}
			if c.cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret (or JWT_SECRET) is not set")
			}
			tok, err := server.NewJWTAuth(c.cfg.Server.JWTSecret).GenerateToken(user, tenant, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (sub claim)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (tid claim)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
