package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/config"
	"github.com/e7canasta/stereo-capture/pairbus"
	"github.com/e7canasta/stereo-capture/trigger"
)

// session is a started driver context plus an opened rig.
type session struct {
	cfg     *config.Config
	dc      *stereocapture.DriverContext
	rig     *stereocapture.StereoRig
	bus     *pairbus.Bus[stereocapture.StereoPair]
	trigger *trigger.Trigger
}

// openSession starts the driver, opens both cameras and, when configured,
// the serial trigger. withBus forces a pair bus even if the configuration
// does not enable one.
func openSession(ctx context.Context, cfg *config.Config, onPair stereocapture.PairHandler, withBus bool) (*session, error) {
	s := &session{cfg: cfg}

	s.dc = stereocapture.NewDriverContext(cfg.Driver, stereocapture.WithDiscoveryTimeout(cfg.DiscoveryTimeout()))
	if err := s.dc.Startup(ctx); err != nil {
		return nil, err
	}

	var opts []stereocapture.RigOption
	if withBus || cfg.Bus.Enabled {
		s.bus = pairbus.New[stereocapture.StereoPair]()
		opts = append(opts, stereocapture.WithPairBus(s.bus))
	}
	if cfg.Trigger.Port != "" {
		trig, err := trigger.Open(cfg.Trigger.Port, cfg.Trigger.BaudRate)
		if err != nil {
			s.shutdown()
			return nil, err
		}
		s.trigger = trig
		opts = append(opts, stereocapture.WithTrigger(trig))
	}

	s.rig = stereocapture.NewStereoRig(s.dc, cfg.Rig(), onPair, opts...)
	if err := s.rig.Open(ctx); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

// start starts the rig and runs the configured warmup.
func (s *session) start(ctx context.Context) error {
	if err := s.rig.Start(); err != nil {
		return err
	}
	if s.cfg.Warmup() <= 0 {
		return nil
	}

	ws, err := s.rig.Warmup(ctx, s.cfg.Warmup())
	if err != nil {
		return fmt.Errorf("warmup failed: %w", err)
	}
	printWarmup(ws)
	if !ws.IsStable {
		slog.Warn("stereo-capture: pair stream is unstable after warmup",
			"fps_stddev", ws.FPSStdDev,
			"jitter_max", ws.JitterMax,
		)
	}
	return nil
}

// shutdown closes everything that was opened, in reverse order.
func (s *session) shutdown() {
	if s.rig != nil {
		if err := s.rig.Close(); err != nil {
			slog.Error("stereo-capture: close rig", "error", err)
		}
	}
	if s.trigger != nil {
		if err := s.trigger.Close(); err != nil {
			slog.Error("stereo-capture: close trigger", "error", err)
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if err := s.dc.Shutdown(); err != nil {
		slog.Error("stereo-capture: driver shutdown", "error", err)
	}
}

func printWarmup(ws *stereocapture.WarmupStats) {
	w := os.Stderr
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "╭─────────────────────────────────────────────────────────╮\n")
	fmt.Fprintf(w, "│ Warmup Complete\n")
	fmt.Fprintf(w, "├─────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(w, "│ Pairs Received:     %6d pairs\n", ws.PairsReceived)
	fmt.Fprintf(w, "│ Duration:           %6.1f seconds\n", ws.Duration.Seconds())
	fmt.Fprintf(w, "│ FPS Mean:           %6.2f fps\n", ws.FPSMean)
	fmt.Fprintf(w, "│ FPS StdDev:         %6.2f fps\n", ws.FPSStdDev)
	fmt.Fprintf(w, "│ FPS Range:          %6.1f - %.1f fps\n", ws.FPSMin, ws.FPSMax)
	fmt.Fprintf(w, "│ Jitter Mean:        %6.3f s\n", ws.JitterMean)
	fmt.Fprintf(w, "│ Jitter Max:         %6.3f s\n", ws.JitterMax)
	fmt.Fprintf(w, "│ Skew Mean:          %9s\n", ws.SkewMean)
	fmt.Fprintf(w, "│ Skew Max:           %9s\n", ws.SkewMax)
	fmt.Fprintf(w, "│ Stable:             %6v\n", ws.IsStable)
	fmt.Fprintf(w, "╰─────────────────────────────────────────────────────────╯\n")
	fmt.Fprintf(w, "\n")
}

func printStats(st stereocapture.RigStats) {
	w := os.Stderr
	fmt.Fprintf(w, "╭─────────────────────────────────────────────────────────╮\n")
	for _, c := range []stereocapture.CameraStats{st.Left, st.Right} {
		fmt.Fprintf(w, "│ %-6s delivered %8d  invalid %5d  missed %5d  %6.2f fps\n",
			c.Name, c.FramesDelivered, c.FramesInvalid, c.FramesMissed, c.FPS)
	}
	fmt.Fprintf(w, "├─────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(w, "│ Pairs:              %8d\n", st.Sync.Pairs)
	fmt.Fprintf(w, "│ Dropped (L/R):      %8d / %d\n", st.Sync.LeftDropped, st.Sync.RightDropped)
	if st.Bus != nil {
		for id, sub := range st.Bus.Subscribers {
			fmt.Fprintf(w, "│ Bus %-14s  sent %8d  dropped %d (%s)\n", id, sub.Sent, sub.Dropped, sub.Policy)
		}
	}
	fmt.Fprintf(w, "╰─────────────────────────────────────────────────────────╯\n")
}
