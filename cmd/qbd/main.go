package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/qbsync/internal/daemon"
	"github.com/openmined/qbsync/internal/utils"
	"github.com/openmined/qbsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configFileName = "config"

var rootCmd = &cobra.Command{
	Use:     "qbd",
	Short:   "qbsync daemon",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &daemon.Config{
			Path:         viper.ConfigFileUsed(),
			DataDir:      viper.GetString("data_dir"),
			Socket:       viper.GetString("socket"),
			Stdio:        viper.GetBool("stdio"),
			Token:        viper.GetString("token"),
			Policy:       viper.GetString("policy"),
			PollInterval: viper.GetDuration("poll_interval"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		closeLog, err := setupLogging(cfg, viper.GetString("log_level"))
		if err != nil {
			return err
		}
		defer closeLog()

		// stdout carries the control protocol in stdio mode
		if !cfg.Stdio {
			showHeader(cmd.OutOrStdout())
		}
		slog.Info("qbd", "version", version.Version, "revision", version.Revision, "build", version.BuildDate, "config", cfg.Path)

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		if err := d.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", daemon.DefaultDataDir, "qbsync data directory")
	rootCmd.Flags().StringP("socket", "s", "", "control socket (default <datadir>/qbd.sock)")
	rootCmd.Flags().Bool("stdio", false, "serve one control connection on stdin/stdout")
	rootCmd.Flags().StringP("token", "t", "", "token control clients must present")
	rootCmd.Flags().String("policy", "surface", "conflict policy (surface, newest-wins)")
	rootCmd.Flags().Duration("poll-interval", 0, "how often interfaces are pulled without a change signal")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("config", "c", daemon.DefaultConfigPath, "qbd config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(daemon.DefaultDataDir)
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("socket", cmd.Flags().Lookup("socket"))
	viper.BindPFlag("stdio", cmd.Flags().Lookup("stdio"))
	viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	viper.BindPFlag("policy", cmd.Flags().Lookup("policy"))
	viper.BindPFlag("poll_interval", cmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	viper.SetEnvPrefix("QBSYNC")
	viper.AutomaticEnv()
	return nil
}

// setupLogging writes to the console and to <datadir>/qbd.log. The log file
// is truncated on every start.
func setupLogging(cfg *daemon.Config, level string) (func(), error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logFile := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	console := os.Stdout
	if cfg.Stdio {
		console = os.Stderr
	}
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      lvl,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(console.Fd()),
	})

	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	return func() {
		interceptor.Close()
		file.Close()
	}, nil
}

const art = `
  ____  ___  _______  ______  _____
 / __ \/ _ )/ __/\ \/ / |/ / ___/
/ /_/ / _  |\ \   \  /    / /__
\___\_\____/___/  /_/_/|_/\___/
`

func showHeader(w io.Writer) {
	color.New(color.FgHiCyan, color.Bold).Fprint(w, art+"\n")
}
