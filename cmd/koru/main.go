// Command koru is the CLI collaborator for the koru-delta engine: put,
// get, time travel, history, similarity search, stats, and a serve mode
// that keeps the replication mesh running.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	koru "github.com/swyrknt/koru-delta"
	"github.com/swyrknt/koru-delta/internal/config"
	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/metrics"
)

// Exit codes: 0 success, 1 usage error, 2 not found, 3 internal error.
const (
	exitOK       = 0
	exitUsage    = 1
	exitNotFound = 2
	exitInternal = 3
)

var (
	flagConfig  string
	flagData    string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "koru",
		Short:         "Content-addressed, versioned key-value engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			debug.SetVerbose(flagVerbose)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagData, "data", "", "data directory (overrides config)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug output")

	root.AddCommand(
		newInitCmd(),
		newPutCmd(),
		newGetCmd(),
		newHistoryCmd(),
		newDeleteCmd(),
		newKeysCmd(),
		newNamespacesCmd(),
		newSimilarCmd(),
		newStatsCmd(),
		newServeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "koru: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, koru.ErrNotFound):
		return exitNotFound
	case errors.Is(err, koru.ErrInvalidValue), errors.Is(err, koru.ErrInvalidVector):
		return exitUsage
	default:
		return exitInternal
	}
}

// loadConfig resolves the effective configuration: file, environment,
// then command-line overrides.
func loadConfig() (koru.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("KORU_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return koru.Config{}, err
	}
	if flagData != "" {
		cfg.DataPath = flagData
	}
	return cfg, nil
}

// withDB opens the engine, runs fn, and closes it.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, db *koru.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := koru.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				fmt.Printf("initialized node %s\n", db.NodeID())
				return nil
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted, gossiping with peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shutdownMetrics, err := metrics.Init(cfg.Metrics.StdoutInterval)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := koru.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Printf("koru node %s serving (data=%s)\n", db.NodeID(), cfg.DataPath)

			// Hot-reload the dynamic config subset while serving.
			if flagConfig != "" {
				go func() {
					_ = config.Watch(ctx, flagConfig, func(next config.Config) {
						db.ApplyConfig(next)
						fmt.Fprintln(os.Stderr, "koru: configuration reloaded")
					})
				}()
			}

			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "koru: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdownMetrics(shutdownCtx)
		},
	}
}
