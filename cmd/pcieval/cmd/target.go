package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

var (
	scenarioName string
	scenarioFile string
	outputFormat string
)

// addTargetFlags binds the flags that select the device under test.
func addTargetFlags(c *cobra.Command) {
	c.Flags().StringVarP(&scenarioName, "scenario", "s", "healthy-gen5x4",
		"simulator scenario (see 'pcieval scenarios')")
	c.Flags().StringVar(&scenarioFile, "scenario-file", "",
		"load the simulator from a YAML scenario file (overrides --scenario)")
}

func addOutputFlag(c *cobra.Command) {
	c.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json, yaml)")
}

// openTarget builds the device selected by the target flags.
func openTarget() (device.Device, error) {
	if scenarioFile != "" {
		if verbose {
			fmt.Printf("Loading scenario file %s\n", scenarioFile)
		}
		return device.LoadScenarioFile(scenarioFile)
	}
	if verbose {
		fmt.Printf("Using simulator scenario %s\n", scenarioName)
	}
	return device.Scenario(scenarioName)
}

// emit writes v in the selected output format. Text output is produced by
// text.
func emit(v any, text func()) error {
	switch outputFormat {
	case "", "text":
		text()
		return nil
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", outputFormat)
	}
}
