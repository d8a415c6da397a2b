package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/echodb/automirror/internal/appconfig"
)

var (
	cfg       appconfig.Config
	logger    zerolog.Logger
	logOutput io.Writer
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "automirrord",
	Short: "Postgres-to-ClickHouse mirror control plane",
	Long: `automirrord listens for mirror-lifecycle notifications on a source
Postgres database and drives CREATE/DROP MIRROR commands against a
replicator, verifying row-count consistency against ClickHouse and
electing a single active leader across a fleet of replicas.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := appconfig.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		switch cfg.Logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "Path to a TOML config file (default: $AUTOMIRROR_CONFIG or ~/.automirror/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
