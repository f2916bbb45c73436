// Package cli wires the daemon together behind a serpent command tree.
package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/coder/serpent"
)

// StopSignals is what a graceful shutdown listens for.
var StopSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}

type RootCmd struct {
	verbose bool
}

func (r *RootCmd) Command() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "chpwatch",
		Short: "Incident synchronization daemon for CHP traffic centers.",
		Options: serpent.OptionSet{
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "CHPWATCH_VERBOSE",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&r.verbose),
			},
		},
		Children: []*serpent.Command{
			r.serverCommand(),
		},
	}
	return cmd
}

// Run executes the command tree and exits non-zero on error.
func (r *RootCmd) Run() {
	err := r.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
