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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/arrowcursor"
	"github.com/zycgit/dbvisitor-sub003/scheduler"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	formatTable = "table"
	formatArrow = "arrow"
)

type tracerKey struct{}

func withTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, tracer)
}

func tracerFrom(ctx context.Context) trace.Tracer {
	if tracer, ok := ctx.Value(tracerKey{}).(trace.Tracer); ok {
		return tracer
	}
	return noop.NewTracerProvider().Tracer("bridgesh")
}

type queryOptions struct {
	timeout float64
	maxRows int64
	format  string
}

func newQueryCmd(g *globalOptions) *cobra.Command {
	opts := &queryOptions{}
	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Execute SQL and print every result",
		Long: "Execute SQL and print every result. Several statements may be separated " +
			"with semicolons. Without an argument, or with \"-\", the SQL is read from stdin.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := readQuery(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			logger, err := newLogger(g.logLevel)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			backend, err := openBackend(ctx, g, logger)
			if err != nil {
				return err
			}
			return runQuery(ctx, backend, cmd.OutOrStdout(), opts, query,
				bridge.WithLogger(logger), bridge.WithTracer(tracerFrom(ctx)))
		},
	}
	cmd.Flags().Float64Var(&opts.timeout, "timeout", 0, "query timeout in seconds, 0 waits forever")
	cmd.Flags().Int64Var(&opts.maxRows, "max-rows", 0, "maximum number of rows per result, 0 for all")
	cmd.Flags().StringVar(&opts.format, "format", formatTable, "output format, table or arrow (IPC stream)")
	return cmd
}

func readQuery(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("no SQL given")
	}
	return string(data), nil
}

// runQuery executes query on a connection over backend and writes every
// response to out. The backend is closed before returning.
func runQuery(ctx context.Context, backend bridge.Backend, out io.Writer, opts *queryOptions, query string, cnxnOpts ...bridge.ConnectionOption) (err error) {
	if opts.format != formatTable && opts.format != formatArrow {
		return errors.Join(fmt.Errorf("unknown format %q", opts.format), backend.Close())
	}

	sched := scheduler.New()
	if err := sched.Start(); err != nil {
		return errors.Join(err, backend.Close())
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, sched.Stop(stopCtx))
	}()

	cnxn, err := bridge.NewConnection(backend, sched, cnxnOpts...)
	if err != nil {
		return errors.Join(err, backend.Close())
	}
	defer func() { err = errors.Join(err, cnxn.Close()) }()

	stmt, err := cnxn.NewStatement()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, stmt.Close()) }()

	if err := stmt.SetMaxRows(opts.maxRows); err != nil {
		return err
	}
	if opts.timeout > 0 {
		if err := stmt.SetQueryTimeout(int(math.Ceil(opts.timeout))); err != nil {
			return err
		}
	}

	if _, err := stmt.Execute(ctx, query); err != nil {
		return err
	}
	for more := true; more; {
		resp, err := stmt.CurrentResponse()
		if errors.Is(err, bridge.ErrNoResults) {
			break
		} else if err != nil {
			return err
		}

		switch {
		case resp.IsError():
			return resp.Err
		case resp.IsResult():
			if opts.format == formatArrow {
				err = writeArrow(out, resp.Cursor)
			} else {
				err = writeTable(out, resp.Cursor)
			}
			if err != nil {
				return err
			}
		case resp.IsUpdateCount() && opts.format == formatTable:
			fmt.Fprintf(out, "%d row(s) affected\n", resp.UpdateCount)
		}

		if more, err = stmt.NextResult(ctx); err != nil {
			return err
		}
	}

	if opts.format == formatTable {
		return writeOutParameters(out, stmt.OutParameters())
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("\\x%x", v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func writeTable(out io.Writer, cursor bridge.Cursor) (err error) {
	defer func() { err = errors.Join(err, cursor.Close()) }()

	cols := cursor.Columns()
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.Name
	}
	data := pterm.TableData{header}
	for cursor.Next() {
		row := make([]string, len(cols))
		for i := range row {
			v, err := cursor.Value(i)
			if err != nil {
				return err
			}
			row[i] = formatValue(v)
		}
		data = append(data, row)
	}
	if err := cursor.Err(); err != nil {
		return err
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, table)
	fmt.Fprintf(out, "(%d row(s))\n", len(data)-1)
	for _, w := range cursor.Warnings() {
		fmt.Fprintln(out, pterm.Warning.Sprint(w))
	}
	return nil
}

func writeArrow(out io.Writer, cursor bridge.Cursor) error {
	rdr, err := arrowcursor.NewRecordReader(memory.DefaultAllocator, cursor, arrowcursor.DefaultBatchSize)
	if err != nil {
		return errors.Join(err, cursor.Close())
	}
	defer rdr.Release()

	w := ipc.NewWriter(out, ipc.WithSchema(rdr.Schema()))
	for rdr.Next() {
		if err := w.Write(rdr.Record()); err != nil {
			return errors.Join(err, w.Close())
		}
	}
	return errors.Join(rdr.Err(), w.Close())
}

// writeOutParameters prints the output parameters, if the request
// produced any.
func writeOutParameters(out io.Writer, params bridge.Cursor) error {
	if params == nil || len(params.Columns()) == 0 {
		return nil
	}
	fmt.Fprintln(out, "output parameters:")
	return writeTable(out, params)
}

