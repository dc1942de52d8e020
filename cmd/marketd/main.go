// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Command marketd runs a marketplace message processing node: it replays
// stored protocol messages into the local projection, retallies governance
// proposals and serves Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/marketmesh/engine/pkg/marketplace"
	metrics "github.com/marketmesh/engine/pkg/metrics/prometheus"
	"github.com/marketmesh/engine/pkg/types"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "marketd",
		Short:        "Marketplace message processing daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if cfg := v.GetString("config"); cfg != "" {
				v.SetConfigFile(cfg)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}
			v.SetEnvPrefix("MARKETD")
			v.AutomaticEnv()
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a config file")
	flags.String("db", "marketd.db", "path to the SQLite database")
	flags.String("listen", ":9470", "metrics listen address")
	flags.Bool("dev-logging", false, "human-readable logs")
	flags.Duration("poll-interval", types.DefaultConfig.PollInterval, "interval between envelope polls")
	flags.Int("batch-size", types.DefaultConfig.BatchSize, "envelopes processed per poll")
	flags.Duration("recalc-interval", types.DefaultConfig.RecalcInterval, "interval between proposal recalculation cycles")
	flags.Duration("recalc-staleness", types.DefaultConfig.RecalcStaleness, "age at which a tally snapshot is recomputed")
	flags.Float64("removal-threshold", types.DefaultConfig.RemovalVoteThreshold, "vote weight fraction that removes a listing")
	flags.Bool("paid-messages", false, "send paid messages")
	flags.String("record", "", "append inbound envelopes to this file")
	flags.String("replay", "", "feed a recorded envelope stream back in at startup")
	return cmd
}

func run(v *viper.Viper) error {
	var core *zap.Logger
	var err error
	if v.GetBool("dev-logging") {
		core, err = zap.NewDevelopment()
	} else {
		core, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer core.Sync()
	logger := core.Sugar()

	var recordTo io.Writer
	if path := v.GetString("record"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		recordTo = f
	}

	registry := prometheus.NewRegistry()
	node := &marketplace.Node{
		Logger:          logger,
		MetricsProvider: metrics.NewProvider(registry),
		DBPath:          v.GetString("db"),
		RecordTo:        recordTo,
		Config: types.Configuration{
			PollInterval:         v.GetDuration("poll-interval"),
			BatchSize:            v.GetInt("batch-size"),
			RecalcInterval:       v.GetDuration("recalc-interval"),
			RecalcStaleness:      v.GetDuration("recalc-staleness"),
			RemovalVoteThreshold: v.GetFloat64("removal-threshold"),
			PaidMessages:         v.GetBool("paid-messages"),
		},
	}
	if err := node.Start(); err != nil {
		return err
	}

	if path := v.GetString("replay"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			node.Stop()
			return err
		}
		delivered, err := node.Replay(context.Background(), f)
		f.Close()
		if err != nil {
			node.Stop()
			return err
		}
		logger.Infof("Replayed %d envelopes from %s", delivered, path)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: v.GetString("listen"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received %v, shutting down", sig)

	srv.Close()
	return node.Stop()
}
