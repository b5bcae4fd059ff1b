package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/platform"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report the host CPU's virtualization support",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := platform.Detect()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cpu: %s (%s)\n", info.ModelName, info.VendorID)
		switch info.Vendor() {
		case hv.VendorIntel, hv.VendorAMD:
			fmt.Fprintf(out, "backend: %s\n", info.Vendor())
		default:
			fmt.Fprintf(out, "backend: none\n")
		}
		fmt.Fprintf(out, "virtualization: %v\n", info.HasVirtualization())

		host, err := platform.Open(0, nil)
		if err != nil {
			fmt.Fprintf(out, "cpuid/msr devices: unavailable: %v\n", err)
			return nil
		}
		defer host.Close()
		fmt.Fprintf(out, "cpuid/msr devices: ok\n")
		return nil
	},
}
