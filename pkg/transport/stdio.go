// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport owns transport selection and lifecycle: it builds the
// configured transport, enforces the MCP-spec compliance rules around OAuth and
// transport pairing, and aggregates health and metrics.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
)

// stdioScannerBuffer sizes the line scanner; MCP messages can carry large
// embedded payloads.
const stdioScannerBuffer = 4 * 1024 * 1024

// StdioTransport is line-delimited JSON-RPC over stdin/stdout. It is
// single-threaded: one message is handled at a time, in arrival order.
// Logging goes to stderr only; stdout carries nothing but responses.
type StdioTransport struct {
	engine types.MCPEngine
	in     io.Reader
	out    io.Writer

	healthy        atomic.Bool
	requestsServed atomic.Uint64
}

// NewStdioTransport creates a transport over the process stdin/stdout.
func NewStdioTransport() *StdioTransport {
	return NewStdioTransportWithStreams(os.Stdin, os.Stdout)
}

// NewStdioTransportWithStreams creates a transport over explicit streams.
func NewStdioTransportWithStreams(in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{in: in, out: out}
}

// Mode returns the transport type.
func (*StdioTransport) Mode() types.TransportType {
	return types.TransportTypeStdio
}

// Initialize binds the MCP engine.
func (t *StdioTransport) Initialize(_ context.Context, engine types.MCPEngine) error {
	if engine == nil {
		return fmt.Errorf("mcp engine is required")
	}
	t.engine = engine
	return nil
}

// Start reads messages until EOF or cancellation.
func (t *StdioTransport) Start(ctx context.Context) error {
	if t.engine == nil {
		return fmt.Errorf("transport not initialized")
	}
	t.healthy.Store(true)
	defer t.healthy.Store(false)

	logger.Info("starting STDIO transport")

	// The reader feeds a channel so cancellation does not hang on a
	// blocked Read.
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 64*1024), stdioScannerBuffer)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("STDIO transport stopped")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("stdin read failed: %w", err)
					}
				default:
				}
				logger.Info("STDIO transport reached EOF")
				return nil
			}
			t.handleLine(ctx, line)
		}
	}
}

// handleLine processes one inbound message and writes the response line.
func (t *StdioTransport) handleLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}
	t.requestsServed.Add(1)

	if !json.Valid(line) {
		logger.Warnw("dropping malformed JSON-RPC line", "bytes", len(line))
		return
	}

	response := t.engine.HandleMessage(ctx, line)
	if response == nil {
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err)
		return
	}
	if _, err := t.out.Write(append(payload, '\n')); err != nil {
		logger.Errorw("failed to write response", "error", err)
	}
}

// Cleanup is a no-op; the reader goroutine exits with the context.
func (*StdioTransport) Cleanup(_ context.Context) error {
	logger.Info("STDIO transport cleaned up")
	return nil
}

// IsHealthy reports whether the loop is running.
func (t *StdioTransport) IsHealthy() bool {
	return t.healthy.Load()
}

// Metrics returns a snapshot of the transport counters.
func (t *StdioTransport) Metrics() types.Metrics {
	return types.Metrics{
		ActiveSessions: 1,
		RequestsServed: t.requestsServed.Load(),
	}
}

// Compile-time interface compliance check
var _ types.Transport = (*StdioTransport)(nil)
