package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"codeindex/internal/config"
	"codeindex/internal/errors"
	"codeindex/internal/query"
	"codeindex/internal/slogutil"
)

// session is an engine with the project from --project already open.
type session struct {
	engine  *query.Engine
	logger  *slog.Logger
	logFile io.Closer
}

func (s *session) Close() {
	s.engine.Close()
	if s.logFile != nil {
		s.logFile.Close()
	}
}

// openSession loads the project configuration, builds the logger and opens
// the project.
func openSession(ctx context.Context) (*session, error) {
	root := projectFlag
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}

	cfg, cfgErr := config.LoadConfig(root)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	logger, logFile, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if cfgErr != nil {
		logger.Warn("Failed to load config, using defaults", "error", cfgErr.Error())
	}

	engine, err := query.NewEngine(cfg, query.Options{}, logger)
	if err != nil {
		return nil, err
	}
	if _, err := engine.Open(ctx, root, excludeFlag); err != nil {
		engine.Close()
		return nil, err
	}
	return &session{engine: engine, logger: logger, logFile: logFile}, nil
}

// newLogger writes to stderr in the configured format, and additionally
// as JSON to --log-file when set.
func newLogger(lc config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level := slogutil.LevelFromVerbosity(verboseFlag, quietFlag, slogutil.LevelFromString(lc.Level))
	if logFileFlag == "" {
		if lc.Format == "json" {
			return slogutil.NewJSONLogger(os.Stderr, level), nil, nil
		}
		return slogutil.NewLogger(os.Stderr, level), nil, nil
	}

	opts := &slog.HandlerOptions{Level: level}
	var stderr slog.Handler = slogutil.NewTextHandler(os.Stderr, opts)
	if lc.Format == "json" {
		stderr = slog.NewJSONHandler(os.Stderr, opts)
	}

	f, err := os.OpenFile(logFileFlag, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(slogutil.NewTeeHandler(stderr, file)), f, nil
}

// run opens a session, calls fn and prints its result. Errors are printed
// with their code and suggested fixes; the process exits non-zero.
func run(fn func(ctx context.Context, s *session) (interface{}, error)) {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		exitWithError(err)
	}
	resp, err := fn(ctx, s)
	s.Close()
	if err != nil {
		exitWithError(err)
	}
	printResponse(resp)
}

func printResponse(resp interface{}) {
	out, err := FormatResponse(resp, OutputFormat(formatFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(out)
}

func exitWithError(err error) {
	code := errors.CodeOf(err)
	if code == "" {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", code, err)
	for _, fix := range errors.GetSuggestedFixes(code) {
		switch {
		case fix.Command != "":
			fmt.Fprintf(os.Stderr, "  try: %s\n", fix.Command)
		case fix.Description != "":
			fmt.Fprintf(os.Stderr, "  hint: %s\n", fix.Description)
		}
	}
	os.Exit(exitCode(code))
}

// exitCode separates caller mistakes (2) from runtime failures (1).
func exitCode(code errors.ErrorCode) int {
	switch code {
	case errors.InvalidParameter, errors.InvalidPattern, errors.InvalidCursor,
		errors.RegexRejected, errors.ProjectNotFound:
		return 2
	}
	return 1
}
