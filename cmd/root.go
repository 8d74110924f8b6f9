package cmd

import (
	"os"

	"github.com/encodeous/lattice/state"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice layer-2 mesh router",
	Long: `Lattice is a B.A.T.M.A.N. style layer-2 mesh router.
Nodes announce themselves to their neighbours, learn the best next hop towards every other node and carry client Ethernet frames across the mesh.`,
}

var socketPath string

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// resolveSocket returns the IPC socket of the node: the flag if given, otherwise the one in
// the node config, otherwise the default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := state.ReadNodeConfig(state.NodeConfigPath); err == nil {
		return cfg.SocketPath
	}
	return state.DefaultSocketPath
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize Lattice",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "lt",
		Title: "Lattice Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&state.NodeConfigPath, "node-config", "n", state.NodeConfigPath, "node config")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "IPC socket of a running node (defaults to the one in the node config)")
}
