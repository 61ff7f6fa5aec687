package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hostnet %s (%s %s/%s)\n",
			rootCmd.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
