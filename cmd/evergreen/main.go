// Command evergreen is the relay and successor entry point: "evergreen
// proxy" starts a fresh relay from scratch, "evergreen update" hands off
// from a running one and resumes service under the same control path.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PlushBeaver/evergreen/internal/relay"
	"github.com/PlushBeaver/evergreen/internal/successor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "evergreen",
		Short:         "TCP relay with live-upgrade handoff",
		SilenceUsage:  true,
		SilenceErrors: true,
		// A bare invocation with no subcommand must print usage on stderr
		// and exit nonzero; cobra's default bare-root behavior prints help
		// and exits zero, so this is overridden explicitly.
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetOut(os.Stderr)
			cmd.Usage()
			return fmt.Errorf("evergreen: a subcommand is required")
		},
	}
	root.AddCommand(newProxyCmd())
	root.AddCommand(newUpdateCmd())
	return root
}

func newProxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy FROM-PORT TO-PORT CONTROL-PATH",
		Short: "start a fresh relay listening on FROM-PORT, forwarding to loopback:TO-PORT",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromPort, toPort, err := parsePorts(args[0], args[1])
			if err != nil {
				return err
			}
			controlPath := args[2]

			r, err := relay.Setup(fromPort, toPort, controlPath)
			if err != nil {
				return fmt.Errorf("evergreen: %w", err)
			}
			r.Log.Phase("relay serving on port %d", fromPort)
			return r.Run()
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update CONTROL-PATH",
		Short: "hand off from the relay listening on CONTROL-PATH and resume service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			controlPath := args[0]

			r, err := successor.Handoff(controlPath)
			if err != nil {
				return fmt.Errorf("evergreen: %w", err)
			}
			r.Log.Phase("successor serving on port %d", r.FromPort)
			return r.Run()
		},
	}
}

func parsePorts(fromArg, toArg string) (fromPort, toPort uint16, err error) {
	from, err := strconv.ParseUint(fromArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("evergreen: from-port: %w", err)
	}
	to, err := strconv.ParseUint(toArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("evergreen: to-port: %w", err)
	}
	if err := relay.ValidatePorts(uint16(from), uint16(to)); err != nil {
		return 0, 0, err
	}
	return uint16(from), uint16(to), nil
}
