package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/melih-ucgun/rumi/internal/config"
	"github.com/melih-ucgun/rumi/internal/logger"
)

var (
	cfgFile string
	verbose bool
	dryRun  bool

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "rumi",
	Short: "Deploy websites and servers over SSH, with backups.",
	Long: `Rumi provisions static websites and binary servers behind nginx on remote
hosts over SSH, and keeps a catalog of compressed backups on each host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})
	slog.SetDefault(slog.New(handler))

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "show what would change without touching the host")
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func loadConfig(cmd *cobra.Command) error {
	loaded, err := config.Load(configPath())
	if err != nil {
		return err
	}
	cfg = loaded
	if cmd.Flags().Changed("dry-run") {
		cfg.Settings.DryRun = dryRun
	}

	closer, err := logger.Configure(logger.Options{
		Level:   cfg.Settings.LogLevel,
		Verbose: verbose,
		File:    cfg.Settings.LogFile,
	})
	if err != nil {
		return err
	}
	logCloser = closer

	if verbose {
		pterm.EnableDebugMessages()
	}
	if cfg.Settings.DryRun {
		pterm.Warning.Println("Dry-run mode: no changes will be made on the host.")
	}
	return nil
}

// updateConfig applies mutate to the loaded configuration and validates it,
// then applies it to the file as written (no env expansion or decrypted
// secrets) and saves that.
func updateConfig(mutate func(*config.Config)) error {
	mutate(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := config.LoadRaw(configPath())
	if err != nil {
		return err
	}
	mutate(raw)
	return raw.Save(configPath())
}
