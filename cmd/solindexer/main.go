package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/solidx/indexer-sdk/core"
	"github.com/solidx/indexer-sdk/core/solana"
	"github.com/solidx/indexer-sdk/pkg/config"
	"github.com/solidx/indexer-sdk/pkg/utils"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "solindexer"}
	root.AddCommand(runCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start an indexer wired from a YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config overlay name (e.g. production)")
	return cmd
}

func run(env string) error {
	file, err := config.Load(env)
	if err != nil {
		return err
	}

	switch file.Logging.Level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	if utils.EnvOrDefault("SOLANA_INDEXER_SILENT", "") == "1" {
		logrus.SetOutput(io.Discard)
	}

	cfg := file.ToCoreConfig()

	store, err := core.OpenPostgresStore(context.Background(), file.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	client := solana.New(file.RPC.Endpoint)
	registry := prometheus.NewRegistry()
	deps := core.IndexerDeps{
		SignatureLister:     client,
		TransactionResolver: client,
		ChainTip:            client,
		Registerer:          registry,
	}
	if cfg.UseStreaming && file.RPC.WSEndpoint != "" {
		deps.Subscriber = solana.NewLogsStreamClient(file.RPC.WSEndpoint)
	}

	serveMetrics(file.MetricsAddr, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx, err := core.NewIndexer(ctx, store, deps, cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("indexer: shutdown signal received")
		cancel()
	}()

	logrus.WithField("programs", cfg.ProgramIDs).Info("indexer: starting")
	return idx.Start(ctx)
}
