package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/config"
	"github.com/e7canasta/stereo-capture/cvmat"
)

type checkOptions struct {
	Pairs     int
	Timeout   time.Duration
	Tolerance float64
	SaveDir   string
}

func newCheckCommand() *cobra.Command {
	opts := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Grab a few pairs and report exposure, focus and balance",
		Example: `  stereo-capture check
  stereo-capture check --config rig.yaml --pairs 10 --save ./snapshots`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(os.Stderr, cfg.Log)
			return runCheck(cmd.Context(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.Pairs, "pairs", "n", 5, "Number of pairs to inspect")
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Give up if the pairs do not arrive in time")
	flags.Float64Var(&opts.Tolerance, "tolerance", 0.15, "Allowed left/right brightness mismatch")
	flags.StringVar(&opts.SaveDir, "save", "", "Write each inspected pair as PNG files to this directory")
	return cmd
}

func runCheck(ctx context.Context, cfg *config.Config, opts *checkOptions) error {
	if opts.Pairs <= 0 {
		return fmt.Errorf("--pairs must be positive")
	}
	if opts.SaveDir != "" {
		if err := os.MkdirAll(opts.SaveDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", opts.SaveDir, err)
		}
	}

	s, err := openSession(ctx, cfg, nil, true)
	if err != nil {
		return err
	}
	defer s.shutdown()

	pairs := make(chan stereocapture.StereoPair, opts.Pairs)
	if err := s.bus.Subscribe("check", pairs); err != nil {
		return err
	}

	if err := s.start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSKEW\tL BRIGHT\tR BRIGHT\tRATIO\tL SHARP\tR SHARP\tL SAT\tR SAT\tBALANCED")

	unbalanced := 0
	for i := 0; i < opts.Pairs; i++ {
		var p stereocapture.StereoPair
		select {
		case p = <-pairs:
		case <-ctx.Done():
			w.Flush()
			return fmt.Errorf("received %d of %d pairs: %w", i, opts.Pairs, ctx.Err())
		}

		pm, err := cvmat.MeasurePair(p)
		if err != nil {
			return fmt.Errorf("pair %d: %w", p.Seq, err)
		}
		balanced := pm.Balanced(opts.Tolerance)
		if !balanced {
			unbalanced++
		}
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%.1f\t%.2f\t%.1f\t%.1f\t%.2f%%\t%.2f%%\t%v\n",
			p.Seq, p.Skew(),
			pm.Left.Brightness, pm.Right.Brightness, pm.BrightnessRatio,
			pm.Left.Sharpness, pm.Right.Sharpness,
			pm.Left.Saturated*100, pm.Right.Saturated*100,
			balanced,
		)

		if opts.SaveDir != "" {
			if err := savePair(opts.SaveDir, p); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if unbalanced > 0 {
		slog.Warn("stereo-capture: exposure differs between cameras",
			"unbalanced", unbalanced,
			"checked", opts.Pairs,
			"tolerance", opts.Tolerance,
		)
	}
	return nil
}

func savePair(dir string, p stereocapture.StereoPair) error {
	for _, f := range []stereocapture.Frame{p.Left, p.Right} {
		img, err := cvmat.ToBGR(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Camera, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("pair-%06d-%s.png", p.Seq, f.Camera))
		ok := gocv.IMWrite(path, img)
		img.Close()
		if !ok {
			return fmt.Errorf("failed to write %s", path)
		}
	}
	return nil
}
