package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/compliance"
)

var profileCmd = &cobra.Command{
	Use:   "profile [FILE]",
	Short: "Check a threshold profile file and print its limits",
	Long: `Parse a threshold profile file and print every profile it declares. With no
file, print the built-in default limits.

Profile syntax:
  profile "strict" {
    gen 5 { width 0.25  height 12  ber 1e-9 }
    outlier 20      # percent below the port average
    balance 15      # percent PAM4 eye height deviation
  }`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfile,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	addOutputFlag(profileCmd)
}

func runProfile(cmd *cobra.Command, args []string) error {
	profiles := []compliance.Thresholds{compliance.DefaultThresholds()}
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open profile: %w", err)
		}
		defer f.Close()
		if profiles, err = compliance.ParseProfiles(f); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
	}

	return emit(profiles, func() {
		for _, p := range profiles {
			fmt.Printf("Profile %q (outlier %.0f%%, balance %.0f%%)\n",
				p.Name, p.OutlierTolerance*100, p.BalanceTolerance*100)
			for _, speed := range p.Speeds() {
				row, _ := p.For(speed)
				fmt.Printf("  %-5s width >= %.2f UI  height >= %g mV  BER <= %g\n",
					speed, row.MinWidthUI, row.MinHeightMV, row.MaxBER)
			}
		}
	})
}
