package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List switch endpoints and detected management bridges",
	Long: `List every endpoint a run can target, then scan the host for USB bridges
(UART and I2C) commonly wired to a switch's management port.

Only simulator endpoints are runnable: pass the target column to --scenario.
Detected bridges are informational, for checking cabling before a bring-up;
no register backend drives them.`,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eps, err := device.ScanEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("scan endpoints: %w", err)
	}

	fmt.Println("Runnable targets:")
	for _, ep := range eps {
		if ep.Runnable() {
			fmt.Printf("  %-18s %s\n", ep.Target, ep.Name)
		}
	}

	fmt.Println("Management bridges (informational):")
	found := false
	for _, ep := range eps {
		if !ep.Runnable() {
			fmt.Printf("  - [%s] %s\n", ep.Transport, ep)
			found = true
		}
	}
	if !found {
		fmt.Println("  none detected")
	}
	return nil
}
