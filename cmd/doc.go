// Package cmd implements the command-line interface of ctxd. It provides
// commands for running the context service and for talking to it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts the context service with its providers and database
//   - ctx: Client commands (subscribe, read, read-sync, write, support)
//   - db: Direct access to a context database file (create-table, insert, query)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set as environment variables CTXD_<FLAG>, e.g.
// CTXD_DB_PATH=/var/lib/ctxd/context.db. .env and .env.local are loaded if present.
//
// See ctxd -help for a list of all commands.
package cmd
