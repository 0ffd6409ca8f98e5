// Pipulate: a local-first workflow engine exposing its Host Adapter
// over HTTP and its CLI surface over MCP stdio.
//
// Usage:
//
//	pipulate serve    # Start the HTTP + MCP server
//	pipulate version  # Print the build version
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mcpserverlib "github.com/mark3labs/mcp-go/server"
	"github.com/pipulate-dev/pipulate/internal/server"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("pipulate v%s\n", server.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	core, cleanup, err := server.New(log)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	addr := httpAddr()
	httpSrv := &http.Server{Addr: addr, Handler: core.HTTP}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", addr).Msg("serving Host Adapter over HTTP")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info().Msg("serving CLI surface over MCP stdio")
		if err := mcpserverlib.ServeStdio(core.MCP); err != nil {
			errCh <- fmt.Errorf("mcp server: %w", err)
		}
	}()

	select {
	case <-sigCh:
		cancel()
		return httpSrv.Shutdown(context.Background())
	case <-core.RebootCh:
		cancel()
		_ = httpSrv.Shutdown(context.Background())
		return fmt.Errorf("reboot requested: restart the process")
	case err := <-errCh:
		return err
	}
}

func httpAddr() string {
	if addr := os.Getenv("PIPULATE_HTTP_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:5001"
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Pipulate v%s — local-first workflow engine

Usage:
  pipulate serve     Start the HTTP Host Adapter + MCP stdio server
  pipulate version    Print the build version

Configuration via PIPULATE_* environment variables; see internal/config.
`, server.Version)
}
