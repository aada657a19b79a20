// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Command bridgesh runs SQL through a bridge connection and prints the
// results.
//
//	bridgesh query --adapter sqlite --uri file:app.db "SELECT * FROM t"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/adapter/postgres"
	"github.com/zycgit/dbvisitor-sub003/adapter/sqlite"
	"github.com/zycgit/dbvisitor-sub003/telemetry"
)

// Version is set at build time.
var Version = "dev"

type globalOptions struct {
	adapter  string
	uri      string
	logLevel string
}

var factories = map[string]func(ctx context.Context, opts map[string]string, logger *slog.Logger) (bridge.Backend, error){
	"sqlite":   sqlite.Factory,
	"postgres": postgres.Factory,
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func openBackend(ctx context.Context, g *globalOptions, logger *slog.Logger) (bridge.Backend, error) {
	factory, ok := factories[strings.ToLower(g.adapter)]
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q", g.adapter)
	}
	return factory(ctx, map[string]string{bridge.OptionKeyURI: g.uri}, logger)
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "bridgesh",
		Short:         "Run SQL through a bridge connection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.adapter, "adapter", "sqlite", "backend adapter, sqlite or postgres")
	root.PersistentFlags().StringVar(&g.uri, "uri", "", "connection string handed to the adapter")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(newQueryCmd(g), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bridgesh", Version)
		},
	})
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tracer, shutdown, err := telemetry.NewTracer(ctx, "bridgesh", Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx = withTracer(ctx, tracer)

	err = newRootCmd().ExecuteContext(ctx)
	if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
		fmt.Fprintln(os.Stderr, "trace shutdown:", shutdownErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
