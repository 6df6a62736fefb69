package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
)

func newDiscoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List the cameras the driver can see",
		Example: `  stereo-capture discover
  stereo-capture discover --driver gstreamer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(os.Stderr, cfg.Log)
			return runDiscover(cmd.Context(), cfg.Driver, cfg.DiscoveryTimeout())
		},
	}
}

func runDiscover(ctx context.Context, name string, timeout time.Duration) error {
	dc := stereocapture.NewDriverContext(name, stereocapture.WithDiscoveryTimeout(timeout))
	if err := dc.Startup(ctx); err != nil {
		return err
	}
	defer dc.Shutdown()

	devices := dc.Devices()
	fmt.Printf("Driver %q (registered: %v)\n\n", name, driver.Registered())
	if len(devices) == 0 {
		fmt.Println("No cameras found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSERIAL\tINTERFACE\tFEATURES")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Model, d.Serial, d.Interface, driver.FeaturesFor(d).Model)
	}
	return w.Flush()
}
