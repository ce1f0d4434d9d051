package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vzahanych/view-guard-meta/console/internal/capture"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List local video capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := capture.DiscoverDevices(cfg.Console.Capture.DeviceDir, nil)
		if err != nil {
			return fmt.Errorf("failed to discover devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No capture devices found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tPATH\tNAME\tDRIVER\tCONFIGURED")
		fmt.Fprintln(w, "--\t----\t----\t------\t----------")
		for _, d := range devices {
			configured := ""
			if d.Path == cfg.Console.Capture.Device {
				configured = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Path, orDash(d.Name), orDash(d.Driver), configured)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
