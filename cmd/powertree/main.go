// Command powertree runs broadcast tree simulations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "powertree",
		Short: "Build minimum-power broadcast trees over a wireless mesh",
		Long: `powertree builds broadcast trees that keep the highest transmit power
of every node as low as possible, and floods application data down them.

The simulate command runs the protocol over a simulated radio medium
in virtual time and reports the resulting tree.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		simulateCmd(),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
