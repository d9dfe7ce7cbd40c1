package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	runMaxCycles int
	runAddr      string
	runNoServer  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll yield sources, evaluate conditions and serve the live stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("max-cycles") {
			if runMaxCycles < 0 {
				return fmt.Errorf("--max-cycles cannot be negative")
			}
			a.Config.Poller.MaxCycles = runMaxCycles
		}
		if runAddr != "" {
			a.Config.Server.Addr = runAddr
		}
		if runNoServer {
			a.Config.Server.Enabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().IntVar(&runMaxCycles, "max-cycles", 0, "Stop after N poll cycles (0 = run until interrupted)")
	runCmd.Flags().StringVar(&runAddr, "addr", "", "Override server.addr")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Disable the HTTP API and live stream")
}
