package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/faceverify/internal/config"
	"github.com/andresmejia3/faceverify/internal/logging"
	"github.com/andresmejia3/faceverify/internal/store"
)

// annotationNeedsDB marks commands that cannot run without the ledger.
const annotationNeedsDB = "needs-db"

var (
	// Cfg is the configuration shared by subcommands. Commands copy it before
	// applying their own flag overrides.
	Cfg config.Config
	// Logger is the structured logger built from --verbose / --log-file
	Logger *zap.Logger = zap.NewNop()
	// DB is the optional audit ledger; nil when no database is configured
	DB *store.Store

	configPath string
	dbURL      string
	verbose    bool
	logFile    string
	quiet      bool
)

// errSilent is returned by commands that already printed their error.
var errSilent = errors.New("silent")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "faceverify",
	Short:         "One-shot face verification between a reference and a query image",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if Cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if cmd.Flags().Changed("log-file") {
			Cfg.LogFile = logFile
		}

		if Logger, err = logging.NewLogger(logging.Options{Verbose: verbose, LogFile: Cfg.LogFile}); err != nil {
			return err
		}

		url := resolveDBURL(dbURL, Cfg.DatabaseURL)
		if url == "" {
			if cmd.Annotations[annotationNeedsDB] != "" {
				return fmt.Errorf("no database configured (use --db, database_url or POSTGRES_HOST)")
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			if cmd.Annotations[annotationNeedsDB] != "" {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			// The report file is the record of truth; run without the ledger.
			Logger.Warn("audit ledger unavailable", zap.Error(err))
			DB = nil
		}
		return nil
	},
}

// resolveDBURL picks the flag, then the config file, then POSTGRES_* variables.
// An empty result disables the ledger.
func resolveDBURL(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return ""
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	// Release on every exit path, including failed commands.
	closeResources()
	if err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

// closeResources closes the ledger and flushes the logger.
func closeResources() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
	Logger.Sync()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the audit ledger (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging and worker logs on failure")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to a daily rotated file at this path")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
}
