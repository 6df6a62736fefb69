// Command stereo-capture discovers cameras and runs a stereo rig.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/e7canasta/stereo-capture/config"
	_ "github.com/e7canasta/stereo-capture/driver/fake"
	_ "github.com/e7canasta/stereo-capture/driver/gstreamer"
)

const version = "v0.1.0"

var v = viper.New()

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "stereo-capture",
		Short: "Synchronized stereo capture from two cameras",
		Long: `stereo-capture opens two cameras through a vendor driver, keeps a pool of
frame buffers queued on each and pairs their frames into stereo pairs.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Rig configuration file (YAML)")
	flags.String("driver", "", "Driver name (fake, gstreamer)")
	flags.String("left", "", "Left camera id")
	flags.String("right", "", "Right camera id")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text, json")

	for _, name := range []string{"config", "driver", "left", "right", "log-level", "log-format"} {
		v.BindPFlag(name, flags.Lookup(name))
	}
	v.SetEnvPrefix("STEREO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newDiscoverCommand())
	root.AddCommand(newCaptureCommand())
	root.AddCommand(newStreamCommand())
	root.AddCommand(newCheckCommand())
	return root
}

// loadConfig reads the configuration file, if any, and applies flag and
// environment overrides. Without a file the fake stereo pair is used.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg.Left.ID = "fake-0"
		cfg.Right.ID = "fake-1"
	}

	if s := v.GetString("driver"); s != "" {
		cfg.Driver = s
	}
	if s := v.GetString("left"); s != "" {
		cfg.Left.ID = s
	}
	if s := v.GetString("right"); s != "" {
		cfg.Right.ID = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Log.Level = s
	}
	if s := v.GetString("log-format"); s != "" {
		cfg.Log.Format = s
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the slog default handler. Logs go to stderr so
// stdout stays free for pair streams.
func setupLogging(w io.Writer, cfg config.LogConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
