package cmd

import (
	"fmt"

	"github.com/encodeous/lattice/core"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Inspects the current state of a running node",
	Run: func(cmd *cobra.Command, args []string) {
		result, err := core.IPCGet(resolveSocket(), "inspect")
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(result)
	},
	GroupID: "lt",
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Streams route and translation table events of a running node",
	Run: func(cmd *cobra.Command, args []string) {
		err := core.IPCStream(resolveSocket(), "trace", cmd.OutOrStdout())
		if err != nil {
			fmt.Println("Error:", err.Error())
		}
	},
	GroupID: "lt",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(traceCmd)
}
