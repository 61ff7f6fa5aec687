package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/hostnet/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file, then print the effective
configuration with all defaults applied.

Examples:
  hostnet validate
  hostnet validate -c ./config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func runValidateCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	out, err := yaml.Marshal(map[string]*config.GlobalConfig{"hostnet": cfg})
	if err != nil {
		exitWithError("failed to render effective config", err)
	}
	fmt.Printf("VALID: %s\n", configFile)
	fmt.Println("--- effective configuration ---")
	os.Stdout.Write(out)
}
