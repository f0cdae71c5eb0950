// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mobiletoly/go-offsync/offsync"
)

func main() {
	fmt.Println("go-offsync - Offline Pending-Action Cache and Sync Reconciler")
	fmt.Println("==============================================================")
	fmt.Println()
	fmt.Println("Mutations made without connectivity are queued durably in SQLite and replayed")
	fmt.Println("against the record store, in order, once the network is back.")
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Package\tRole")
	fmt.Fprintln(w, "offsync/\tcore types, typed payloads, error taxonomy, retry policy")
	fmt.Fprintln(w, "offsqlite/\tSQLite cache, pending-action queue, sync state")
	fmt.Fprintln(w, "netmon/\tconnectivity monitor (online-fast / online-slow / offline)")
	fmt.Fprintln(w, "reconcile/\tFIFO replay of queued actions, cache refresh")
	fmt.Fprintln(w, "offline/\tmanager wiring everything for an application")
	fmt.Fprintln(w, "remote/httpremote/\tREST client for the record server")
	fmt.Fprintln(w, "remote/pgremote/\tdirect Postgres record store (pgx)")
	fmt.Fprintln(w, "server/\tREST record server with JWT auth")
	fmt.Fprintln(w, "cmd/offsync/\tCLI: serve, enqueue, mutate, list, retry, sync, status, cache, token")
	w.Flush()

	fmt.Println()
	fmt.Println("Tables with typed payloads:")
	for _, table := range offsync.RegisteredTables() {
		fmt.Printf("  - %s\n", table)
	}
	fmt.Println()
	fmt.Println("Quick start:")
	fmt.Println("  DATABASE_URL=postgres://... JWT_SECRET=... go run ./cmd/offsync serve")
	fmt.Println("  go run ./cmd/offsync enqueue create jobs '{\"title\":\"Troca de óleo\"}'")
	fmt.Println("  go run ./cmd/offsync sync")
}
