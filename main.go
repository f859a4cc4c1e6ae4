package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to the proxy configuration file")
	toolGatePath := flag.String("tool-gate", "", "optional path to a tool/server visibility gate file, overriding tool_gate_path in the config")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-aggregator: %v\n", err)
		return 1
	}

	log, level, err := newLogger(cfg.LogLevel, cfg.StructuredLogging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-aggregator: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	sessionID := uuid.NewString()
	log = log.With("session_id", sessionID)

	gatePath := *toolGatePath
	if gatePath == "" {
		gatePath = cfg.ToolGatePath.OrElse("")
	}
	if gatePath != "" && envEnabled("MCP_AGGREGATOR_ALLOW_UNGUARDED_TOOL_GATE") {
		log.Warnw("tool gate containment check disabled by environment, using path as given", "path", gatePath)
	} else if gatePath != "" {
		if resolved, err := requireUnder(filepath.Dir(*configPath), gatePath); err == nil {
			gatePath = resolved
		} else {
			log.Warnw("tool gate path escapes config directory, using as given", "path", gatePath, "error", err)
		}
	}
	gate, err := LoadToolGate(gatePath)
	if err != nil {
		log.Errorw("failed to load tool gate", "error", err)
		return 1
	}

	client := NewFrameStream(os.Stdin, os.Stdout, "client", false, log)
	router := NewRouter(cfg, gate, client, log, level)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- router.Serve() }()

	select {
	case err := <-done:
		if err != nil {
			log.Errorw("router exited with error", "error", err)
			return 2
		}
		return 0
	case s := <-sig:
		log.Infow("shutdown signal received", "signal", s.String())
		router.shutdownAll()
		return 0
	}
}
