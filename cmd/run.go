package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/lattice/core"
	"github.com/encodeous/lattice/state"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run lattice",
	Long:  `This will run a lattice node on the current host, using the interfaces and peers in the node config.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		err := core.Bootstrap(state.NodeConfigPath, logPath, verbose)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	},
	GroupID: "lt",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().String("log", "", "Also write logs to this file")
	runCmd.Flags().BoolVarP(&state.DBG_log_router, "lroute", "r", false, "Write router updates to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_tt, "ltt", "t", false, "Write translation table updates to console")
	runCmd.Flags().BoolVarP(&state.DBG_log_drop, "ldrop", "d", false, "Write dropped packets to console (needs -v)")
	runCmd.Flags().BoolVar(&state.DBG_trace, "dbg-trace", false, "Write a runtime trace to trace.out")
	runCmd.Flags().BoolVar(&state.DBG_debug, "dbg-pprof", false, "Serve pprof on 127.0.0.1:6060")
}
