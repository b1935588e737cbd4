// Command tasklistctl is the operator CLI for the task list service.
package main

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tasklistctl",
		Short:         "Operate the task list service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.AddCommand(storageCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(tasksCmd())
	root.AddCommand(feedCmd())
	return root
}
