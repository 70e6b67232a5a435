package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/statecast-project/statecast/internal/config"
	"github.com/statecast-project/statecast/internal/hub"
	"github.com/statecast-project/statecast/internal/relay"
	"github.com/statecast-project/statecast/internal/server"
	"github.com/statecast-project/statecast/internal/source"
	"github.com/statecast-project/statecast/internal/store"
	bboltStore "github.com/statecast-project/statecast/internal/store/bbolt"
	memoryStore "github.com/statecast-project/statecast/internal/store/memory"
	"github.com/statecast-project/statecast/pkg/instance"
)

var (
	// persistent flags
	cfgFile      string
	storePath    string
	storeBackend string

	// serve flags
	listenAddr   string
	channelsFile string
	sourceDir    string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "statecast",
	Short: "Field-level state relay",
	Long: `Statecast keeps subscribers in sync with server-held JSON state. Producers
publish full records into a channel; the daemon diffs each record against the
stored copy, persists the changed fields, and fans them out to live ndjson
streams. Subscribers get the current state on connect followed by every
field-level change, and can resume from a timestamp after a dropped connection.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var setupLog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
	Timestamp().
	Caller().
	Logger()

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	cobra.OnInitialize(initConfig)

	// global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.statecast.yaml)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store-path",
		filepath.Join(xdg.DataHome, "statecast", "state.db"),
		"bbolt database file")
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store-backend", config.BackendBBolt,
		"state store backend (bbolt or memory)")

	// serve flags
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8094",
		"HTTP listen address")
	rootCmd.Flags().StringVarP(&channelsFile, "channels", "c", "channels.yaml",
		"path to the channel catalog file")
	rootCmd.Flags().StringVar(&sourceDir, "source-dir", "",
		"publish *.json files from this directory tree as records")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info",
		"log level (trace, debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", config.FormatAuto,
		"log output format (auto, console, json)")

	// allow flags to be set via environment variables / config file
	mustBind("store-path",
		viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store-path")))
	mustBind("store-backend",
		viper.BindPFlag("store.backend", rootCmd.PersistentFlags().Lookup("store-backend")))
	mustBind("listen",
		viper.BindPFlag("listen", rootCmd.Flags().Lookup("listen")))
	mustBind("channels",
		viper.BindPFlag("channels", rootCmd.Flags().Lookup("channels")))
	mustBind("source-dir",
		viper.BindPFlag("source.dir", rootCmd.Flags().Lookup("source-dir")))
	mustBind("log-level",
		viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level")))
	mustBind("log-format",
		viper.BindPFlag("log.format", rootCmd.Flags().Lookup("log-format")))

	cobra.CheckErr(rootCmd.RegisterFlagCompletionFunc("store-backend", cobra.FixedCompletions(
		[]string{config.BackendBBolt, config.BackendMemory}, cobra.ShellCompDirectiveNoFileComp)))
	cobra.CheckErr(rootCmd.RegisterFlagCompletionFunc("log-level", cobra.FixedCompletions(
		[]string{"trace", "debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp)))
	cobra.CheckErr(rootCmd.RegisterFlagCompletionFunc("log-format", cobra.FixedCompletions(
		[]string{config.FormatAuto, config.FormatConsole, config.FormatJSON}, cobra.ShellCompDirectiveNoFileComp)))
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".statecast")
	}

	viper.SetEnvPrefix("STATECAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper())

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		setupLog.Info().Msgf("Using config file: %s", viper.ConfigFileUsed())
	}
}

// run starts the daemon and blocks until the context is done or the
// listener fails.
func run(ctx context.Context) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	registry, err := config.LoadChannels(cfg.Channels)
	if err != nil {
		return fmt.Errorf("load channel catalog: %w", err)
	}
	logger.Info().
		Str("catalog", cfg.Channels).
		Strs("channels", registry.Names()).
		Msg("Channel catalog loaded")

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("Error closing state store")
		}
	}()

	h := hub.New(hub.WithLogger(logger.With().Str("component", "hub").Logger()))
	rl := relay.New(registry, st, h,
		relay.WithLogger(logger.With().Str("component", "relay").Logger()))
	defer rl.Close()

	srv := server.New(registry, st, rl, h,
		server.WithTokens(cfg.Auth.Tokens),
		server.WithLogger(logger.With().Str("component", "http").Logger()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if cfg.Source.Dir != "" {
		src, srcErr := source.New(cfg.Source.Dir, rl,
			source.WithLogger(logger.With().Str("component", "source").Logger()))
		if srcErr != nil {
			return fmt.Errorf("start file source: %w", srcErr)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if runErr := src.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				logger.Error().Err(runErr).Msg("File source stopped")
			}
		}()
	}

	if cfg.Retention.MaxAge > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRetention(ctx, st, cfg.Retention,
				logger.With().Str("component", "retention").Logger())
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("Serving")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal, draining...")
	}

	// closing the hub ends the live streams, so Shutdown can drain the
	// subscribe handlers instead of waiting them out
	h.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("Error shutting down HTTP server")
	}

	wg.Wait()
	logger.Info().Msg("Statecast stopped, bye!")

	return nil
}

// newLogger builds the runtime logger from the resolved log settings.
func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}

	console := cfg.Format == config.FormatConsole
	if cfg.Format == config.FormatAuto {
		console = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	}

	var out io.Writer = os.Stderr
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// openStore opens the configured state store backend.
func openStore(cfg config.StoreConfig) (store.StateStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memoryStore.New(nil), nil
	case config.BackendBBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return bboltStore.New(cfg.Path, nil)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// runRetention drops update log entries older than MaxAge on every sweep.
func runRetention(ctx context.Context, st store.StateStore, cfg config.RetentionConfig, log zerolog.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := instance.At(time.Now().Add(-cfg.MaxAge))
			removed, err := st.PruneUpdates(ctx, cutoff)
			if err != nil {
				log.Error().Err(err).Msg("Error pruning update log")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("Pruned update log")
			}
		}
	}
}

func mustBind(flagName string, err error) {
	if err != nil {
		setupLog.Fatal().Err(err).Msgf("Failed to bind flag %s", flagName)
	}
}
