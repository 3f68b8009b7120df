// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Command kodiakd is kodiak's operations CLI: it runs the always-on
// infrastructure processes (the Scheduler's delay-promotion/stalled-recovery
// sweep, the read-only inspection HTTP API) that don't require a
// caller-supplied Handler, and prints queue stats for scripting.
//
// Running Workers is left to application code linking package kodiak
// directly, since a Handler is domain logic kodiakd cannot supply generically
// (the teacher's own asynq is a library for the same reason; only its admin
// surface justifies a standalone binary).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xalsie/kodiak/inspect"
	"github.com/xalsie/kodiak/internal/log"
	kodiak "github.com/xalsie/kodiak"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "kodiakd",
		Short: "kodiak operations CLI",
		Long:  "kodiakd runs kodiak's scheduler and inspection processes and prints queue stats.",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a yaml config file")

	rootCmd.AddCommand(newSchedulerCmd(&cfgPath))
	rootCmd.AddCommand(newInspectCmd(&cfgPath))
	rootCmd.AddCommand(newStatsCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustLoad(cfgPath string) *config {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kodiakd: failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func redisOpt(cfg *config) kodiak.RedisConnOpt {
	return kodiak.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
}

func newSchedulerCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the delay-promotion and stalled-recovery scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustLoad(*cfgPath)
			logger := log.NewLogger(nil)
			logger.SetLevel(parseLevel(cfg.LogLevel))

			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			sched := kodiak.NewScheduler(client, cfg.Prefix, cfg.Queues, logger)
			sched.Start()
			logger.Infof("kodiakd: scheduler running for queues %v", cfg.Queues)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()

			logger.Info("kodiakd: scheduler shutting down")
			sched.Shutdown()
			return nil
		},
	}
}

func newInspectCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Serve the read-only inspection HTTP API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustLoad(*cfgPath)
			logger := log.NewLogger(nil)
			logger.SetLevel(parseLevel(cfg.LogLevel))

			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			insp := inspect.NewInspector(client, cfg.Prefix)
			srv := inspect.NewServer(insp, cfg.Queues)

			logger.Infof("kodiakd: inspection API listening on %s", addr)
			return http.ListenAndServe(addr, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "HTTP listen address")
	return cmd
}

func newStatsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print current waiting/delayed/active counts for every configured queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustLoad(*cfgPath)
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			insp := inspect.NewInspector(client, cfg.Prefix)

			infos, err := insp.GetQueues(context.Background(), cfg.Queues)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		},
	}
}
