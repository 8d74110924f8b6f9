package cmd

import (
	"fmt"
	"strconv"

	"github.com/encodeous/lattice/core"
	"github.com/encodeous/lattice/protocol"
	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping <originator>",
	Short: "Sends mesh echo requests from a running node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := protocol.ParseAddr(args[0]); err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		count, _ := cmd.Flags().GetInt("count")
		ttl, _ := cmd.Flags().GetUint8("ttl")
		rr, _ := cmd.Flags().GetBool("record-route")

		req := "ping " + args[0] + " " + strconv.Itoa(count) + " " + strconv.Itoa(int(ttl))
		if rr {
			req += " rr"
		}
		if err := core.IPCStream(resolveSocket(), req, cmd.OutOrStdout()); err != nil {
			fmt.Println("Error:", err.Error())
		}
	},
	GroupID: "lt",
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntP("count", "c", 3, "Number of echo requests")
	pingCmd.Flags().Uint8P("ttl", "t", 0, "TTL of the requests (0 for the default)")
	pingCmd.Flags().BoolP("record-route", "R", false, "Record the route taken")
}
