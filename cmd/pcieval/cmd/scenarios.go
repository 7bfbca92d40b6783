package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List the built-in simulator scenarios",
	RunE:  runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)
}

func runScenarios(cmd *cobra.Command, args []string) error {
	fmt.Println("Simulator scenarios:")
	for _, name := range device.ScenarioNames() {
		dev, err := device.Scenario(name)
		if err != nil {
			return err
		}
		info, _ := dev.Info()
		fmt.Printf("  %-18s %s\n", name, info.Description)
	}
	return nil
}
