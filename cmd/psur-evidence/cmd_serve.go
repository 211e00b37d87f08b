// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/api"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/tool"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as an MCP or HTTP server",
	}
	serve.AddCommand(newServeMCPCmd(root))
	serve.AddCommand(newServeHTTPCmd(root))
	return serve
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newServeMCPCmd(root *rootFlags) *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio, or streamable HTTP with --http",
		Long: `Registers discover_evidence_schema, validate_evidence_records and
list_evidence_types. With --provider=sampling the classifier requests are sent
back to the connected client's model.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			h, err := a.handlers()
			if err != nil {
				return err
			}
			srv := tool.NewServer(h)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if httpAddr == "" {
				a.log.Info("starting psur-evidence MCP server over stdio")
				return srv.Run(ctx)
			}
			a.log.WithField("addr", httpAddr).Info("starting psur-evidence MCP server over streamable HTTP")
			return srv.RunHTTP(ctx, httpAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "listen address for streamable HTTP instead of stdio")
	return cmd
}

func newServeHTTPCmd(root *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve the JSON HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			h, err := a.handlers()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.HTTPAddr
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return api.NewAPI(h, a.log).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.httpAddr)")
	return cmd
}
