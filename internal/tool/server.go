// SPDX-License-Identifier: Apache-2.0

// Package tool exposes evidence discovery and validation as MCP tools.
package tool

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is the MCP server version.
const Version = "0.1.0"

// Server is the MCP server for the evidence engine.
type Server struct {
	handlers *Handlers
	server   *mcp.Server
}

// NewServer creates an MCP server with all evidence tools registered.
func NewServer(h *Handlers) *Server {
	s := &Server{
		handlers: h,
		server:   mcp.NewServer(&mcp.Implementation{Name: "psur-evidence", Version: Version}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, MetadataDiscoverEvidenceSchema, s.handlers.DiscoverEvidenceSchema)
	mcp.AddTool(s.server, MetadataValidateEvidenceRecords, s.handlers.ValidateEvidenceRecords)
	mcp.AddTool(s.server, MetadataListEvidenceTypes, s.handlers.ListEvidenceTypes)
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns a streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// RunHTTP serves streamable HTTP on addr until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background()) //nolint:errcheck
	}()

	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
