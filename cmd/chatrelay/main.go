package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Relay a streamed chat answer as display-ready server-sent events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file (defaults to $CHATRELAY_CONFIG)")
	root.PersistentFlags().String("log-level", "", "log level override (trace, debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newAskCmd())
	return root
}
