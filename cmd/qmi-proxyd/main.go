// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Command qmi-proxyd runs the QMI multiplexing proxy server, listening
// on the well-known abstract socket and sharing modem control channels
// across every connecting process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/grid-x/qmi/qmiproxy"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to an optional YAML config file")
		commandTimeout = flag.Duration("command-timeout", 10*time.Second, "timeout applied to every forwarded command and CTL operation")
	)
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("QMI_TRACE") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []qmiproxy.ServerOption{
		qmiproxy.WithLogger(logger),
		qmiproxy.WithCommandTimeout(*commandTimeout),
	}

	if *configPath != "" {
		cfg, err := qmiproxy.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load config", "err", err)
			os.Exit(1)
		}
		if cfg.CommandTimeout > 0 {
			opts = append(opts, qmiproxy.WithCommandTimeout(cfg.CommandTimeout))
		}
		if auth := cfg.Authorizer(); auth != nil {
			opts = append(opts, qmiproxy.WithAuthorizer(auth))
		}
	}

	server := qmiproxy.NewServer(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("qmi-proxyd listening")
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("proxy server exited", "err", err)
		os.Exit(1)
	}
}
