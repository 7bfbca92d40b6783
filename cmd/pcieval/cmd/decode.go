package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/ltssm"
)

var decodeCmd = &cobra.Command{
	Use:   "decode CODE...",
	Short: "Decode raw LTSSM state codes",
	Long: `Decode raw 12-bit LTSSM state codes into their category and sub-state.
Codes may be given in hex (0x300) or decimal.

Examples:
  pcieval decode 0x300
  pcieval decode 0x000 0x104 0x406 0x300`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	addOutputFlag(decodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	states := make([]ltssm.LinkState, 0, len(args))
	for _, arg := range args {
		code, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid state code %q: %w", arg, err)
		}
		states = append(states, ltssm.Decode(uint16(code)))
	}

	return emit(states, func() {
		for _, s := range states {
			fmt.Printf("0x%03X  %-28s %s\n", s.Code, s.Name(), s.Category.Severity())
		}
	})
}
