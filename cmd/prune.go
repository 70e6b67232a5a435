package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/statecast-project/statecast/internal/config"
	bboltStore "github.com/statecast-project/statecast/internal/store/bbolt"
	"github.com/statecast-project/statecast/pkg/instance"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop old entries from the update log",
	Long: `Prune removes update log entries older than the given age from the bbolt
database. Instance state is kept; only the replay history shrinks. Subscribers
resuming from a timestamp older than the kept window should reconnect without
a resume point instead.

The daemon must not hold the database open while prune runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPrune(cmd.Context())
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 72*time.Hour,
		"drop update log entries older than this")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(ctx context.Context) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.Store.Backend != config.BackendBBolt {
		return fmt.Errorf("prune works on the %s backend only", config.BackendBBolt)
	}

	st, err := bboltStore.New(cfg.Store.Path, nil)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	cutoff := instance.At(time.Now().Add(-pruneOlderThan))
	removed, err := st.PruneUpdates(ctx, cutoff)
	if err != nil {
		return err
	}

	fmt.Printf("removed %s older than %s\n",
		english.Plural(removed, "update log entry", "update log entries"), pruneOlderThan)
	if info, statErr := os.Stat(cfg.Store.Path); statErr == nil {
		fmt.Printf("database file is %s, freed pages are reused by later writes\n",
			humanize.Bytes(uint64(info.Size())))
	}
	return nil
}
