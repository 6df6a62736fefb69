package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/config"
	"github.com/e7canasta/stereo-capture/telemetry"
)

type captureOptions struct {
	Duration      time.Duration
	MaxPairs      uint64
	StatsInterval time.Duration
}

func newCaptureCommand() *cobra.Command {
	opts := &captureOptions{}

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run the rig and report pair statistics",
		Example: `  stereo-capture capture
  stereo-capture capture --config rig.yaml --duration 30s
  stereo-capture capture --driver gstreamer --left test-0 --right test-1 --max-pairs 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(os.Stderr, cfg.Log)
			return runCapture(cmd.Context(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.Duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	flags.Uint64Var(&opts.MaxPairs, "max-pairs", 0, "Stop after this many pairs (0 = unlimited)")
	flags.DurationVar(&opts.StatsInterval, "stats-interval", 10*time.Second, "Time between stats reports")
	return cmd
}

func runCapture(ctx context.Context, cfg *config.Config, opts *captureOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	var pairs atomic.Uint64
	onPair := func(p stereocapture.StereoPair) {
		n := pairs.Add(1)
		slog.Debug("stereo-capture: pair",
			"seq", p.Seq,
			"left_frame", p.Left.FrameID,
			"right_frame", p.Right.FrameID,
			"skew", p.Skew(),
			"trace_id", p.TraceID,
		)
		if opts.MaxPairs > 0 && n >= opts.MaxPairs {
			cancel()
		}
	}

	s, err := openSession(ctx, cfg, onPair, false)
	if err != nil {
		return err
	}
	defer s.shutdown()

	if cfg.MQTT.Broker != "" {
		emitter := telemetry.NewEmitter(telemetry.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		})
		if err := emitter.Connect(ctx); err != nil {
			slog.Warn("stereo-capture: telemetry disabled", "error", err)
		} else {
			defer emitter.Disconnect()
			go emitter.Run(ctx, s.rig, cfg.StatsInterval())
		}
	}

	startTime := time.Now()
	if err := s.start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Capturing, press Ctrl+C to stop\n")

	ticker := time.NewTicker(opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.rig.Stop(); err != nil {
				slog.Error("stereo-capture: stop rig", "error", err)
			}
			fmt.Fprintf(os.Stderr, "\nFinal statistics (uptime %s)\n", time.Since(startTime).Round(time.Second))
			printStats(s.rig.Stats())
			return nil
		case <-ticker.C:
			fmt.Fprintf(os.Stderr, "\nStatistics (uptime %s)\n", time.Since(startTime).Round(time.Second))
			printStats(s.rig.Stats())
		}
	}
}
