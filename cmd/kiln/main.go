package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/kiln/pkg/api"
	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/config"
	"github.com/cuemby/kiln/pkg/instance"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - Content-addressed remote execution farm",
	Long: `Kiln is a sharded remote-execution build farm implementing the
Remote Execution API: clients submit content-addressed actions, the farm
dispatches them to workers, serves cached results and streams results back.

A shared Redis backplane carries all scheduling state, so any number of
frontends and workers form one farm.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kiln version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(frontendCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Setup(log.Options{
		Level: logLevel,
		JSON:  logJSON,
	})
}

var frontendCmd = &cobra.Command{
	Use:   "frontend",
	Short: "Run a frontend shard",
	Long: `Run one frontend shard of the farm: it validates and transforms
execute requests, serves cached results, watches operations and fans blob
reads out across the workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		port, _ := cmd.Flags().GetString("port")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		applyLogConfig(cfg)
		if port != "" {
			cfg.Frontend.Listen = ":" + port
		}
		metrics.Init()

		bp, err := backplane.NewRedisBackplane(cfg.Redis.URL, cfg.Queue)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := bp.Start(ctx); err != nil {
			return err
		}
		defer bp.Stop()

		in := instance.New(cfg.Frontend.Instance, bp)
		if err := in.Start(ctx); err != nil {
			return err
		}
		defer in.Stop()

		startMetrics(cfg.Frontend.MetricsListen)

		srv := api.NewServer(cfg.Frontend.Listen, in, bp)
		go func() {
			waitForShutdown(ctx)
			srv.Stop()
		}()
		return srv.Start()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an execution worker",
	Long: `Run one execution worker: it matches queued operations, stages
their inputs out of the local CAS cache, runs the command and reports the
result, while serving its cache to the rest of the farm.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		port, _ := cmd.Flags().GetString("port")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		applyLogConfig(cfg)
		if port != "" {
			cfg.Worker.Listen = ":" + port
			if cfg.Worker.PublicName == "" {
				cfg.Worker.PublicName = cfg.Worker.Listen
			}
		}
		metrics.Init()

		bp, err := backplane.NewRedisBackplane(cfg.Redis.URL, cfg.Queue)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := bp.Start(ctx); err != nil {
			return err
		}
		defer bp.Stop()

		w, err := worker.New(cfg.Worker, bp)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		startMetrics(cfg.Worker.MetricsListen)

		waitForShutdown(ctx)
		w.Stop()
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{frontendCmd, workerCmd} {
		cmd.Flags().String("config", "kiln.yaml", "Path to the config file")
		cmd.Flags().String("port", "", "Override the configured listen port")
	}
}

// applyLogConfig lets the config file set logging when flags did not
func applyLogConfig(cfg *config.Config) {
	changed := rootCmd.PersistentFlags().Changed("log-level") || rootCmd.PersistentFlags().Changed("log-json")
	if !changed && (cfg.Log.Level != "" || cfg.Log.JSON) {
		log.Setup(cfg.Log.LogOptions())
	}
}

func startMetrics(listen string) {
	if listen == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}

// waitForShutdown blocks until a termination signal or context cancellation
func waitForShutdown(ctx context.Context) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		log.Logger.Warn().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
	}
}
