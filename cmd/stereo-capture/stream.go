package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/config"
	"github.com/e7canasta/stereo-capture/pairbus"
	"github.com/e7canasta/stereo-capture/pairstream"
)

type streamOptions struct {
	Output   string
	MaxPairs uint64
}

func newStreamCommand() *cobra.Command {
	opts := &streamOptions{}

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Write stereo pairs as length-prefixed msgpack records",
		Long: `stream runs the rig and writes every pair it can keep up with to the
output. A slow reader sees only the most recent pair; older ones are
dropped and counted in the bus statistics.`,
		Example: `  stereo-capture stream > pairs.bin
  stereo-capture stream --config rig.yaml --output pairs.bin --max-pairs 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(os.Stderr, cfg.Log)

			var out io.Writer = os.Stdout
			if opts.Output != "" && opts.Output != "-" {
				f, err := os.Create(opts.Output)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runStream(cmd.Context(), cfg, out, opts.MaxPairs)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "-", "Output file (- for stdout)")
	flags.Uint64Var(&opts.MaxPairs, "max-pairs", 0, "Stop after writing this many pairs (0 = unlimited)")
	return cmd
}

func runStream(ctx context.Context, cfg *config.Config, out io.Writer, maxPairs uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := openSession(ctx, cfg, nil, true)
	if err != nil {
		return err
	}
	defer s.shutdown()

	mailbox, err := s.bus.SubscribeDropOld("stream")
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(out)
	enc := pairstream.NewEncoder(bw)

	done := make(chan error, 1)
	go func() {
		done <- writePairs(ctx, mailbox, enc, bw, maxPairs)
	}()

	if err := s.start(ctx); err != nil {
		cancel()
		<-done
		return err
	}

	err = <-done
	if stopErr := s.rig.Stop(); stopErr != nil {
		slog.Error("stereo-capture: stop rig", "error", stopErr)
	}

	messages, bytes := enc.Written()
	slog.Info("stereo-capture: stream finished", "pairs", messages, "bytes", bytes)
	printStats(s.rig.Stats())
	return err
}

// writePairs drains the mailbox into enc until ctx is done, the mailbox
// closes or maxPairs records have been written.
func writePairs(ctx context.Context, mailbox *pairbus.Latest[stereocapture.StereoPair], enc *pairstream.Encoder, bw *bufio.Writer, maxPairs uint64) error {
	var written uint64
	for maxPairs == 0 || written < maxPairs {
		p, err := mailbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pairbus.ErrReceiverClosed) {
				break
			}
			return err
		}
		if err := enc.Encode(p); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}
		written++
	}
	return bw.Flush()
}
