package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/encodeous/lattice/core"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive console for a running node",
	Run: func(cmd *cobra.Command, args []string) {
		socket := resolveSocket()
		history := ""
		if home, err := os.UserHomeDir(); err == nil {
			history = filepath.Join(home, ".lattice_history")
		}
		rl, err := readline.NewEx(&readline.Config{
			Prompt:      "lattice> ",
			HistoryFile: history,
			AutoComplete: readline.NewPrefixCompleter(
				readline.PcItem("inspect"),
				readline.PcItem("ping"),
				readline.PcItem("help"),
				readline.PcItem("exit"),
			),
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		defer rl.Close()

		for {
			line, err := rl.Readline()
			if err != nil {
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if !errors.Is(err, io.EOF) {
					fmt.Println("Error:", err)
				}
				return
			}
			line = strings.TrimSpace(line)
			switch fields := strings.Fields(line); {
			case len(fields) == 0:
			case fields[0] == "exit" || fields[0] == "quit":
				return
			case fields[0] == "help":
				fmt.Fprintln(rl.Stdout(), "inspect                      show interfaces, originators and clients")
				fmt.Fprintln(rl.Stdout(), "ping <addr> [count] [ttl] [rr]  send echo requests")
				fmt.Fprintln(rl.Stdout(), "exit                         leave the console")
			case fields[0] == "inspect" || fields[0] == "ping":
				if err := core.IPCStream(socket, line, rl.Stdout()); err != nil {
					fmt.Fprintln(rl.Stderr(), "Error:", err)
				}
			default:
				fmt.Fprintf(rl.Stderr(), "unknown command %q, try help\n", fields[0])
			}
		}
	},
	GroupID: "lt",
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
