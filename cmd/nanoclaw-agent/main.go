// Command nanoclaw-agent is the default agent program. It reads one input
// document on stdin and prints the marker-delimited result on stdout.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/linkerlin/groupclaw/internal/agent"
	"github.com/linkerlin/groupclaw/internal/bridge"
)

func main() {
	// stdout carries the result document, logs go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, code := run(ctx, os.Stdin)
	if err := agent.WriteResult(os.Stdout, res); err != nil {
		slog.Error("write result", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, stdin io.Reader) (bridge.Result, int) {
	var in bridge.Input
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		slog.Error("read input", "error", err)
		return bridge.Result{Status: bridge.StatusError, Error: "invalid input: " + err.Error()}, 1
	}

	opts := agent.OptionsFromEnv()
	slog.Info("agent started", "group", in.GroupFolder, "main", in.IsMain, "session", in.SessionID, "model", opts.Model)

	model := agent.Gemini{Name: in.GroupFolder, APIKey: opts.APIKey, Model: opts.Model}
	res := agent.Run(ctx, in, opts, model)
	if !res.OK() {
		slog.Error("agent failed", "error", res.Error)
	}
	return res, 0
}
