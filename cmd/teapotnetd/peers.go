package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var peersCmd = &cobra.Command{
	Use:               "peers",
	Short:             "list this node's known neighbors and their registered peer addresses",
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, _ []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "self\t%s\n", node.User().ID)
		fmt.Fprintf(cmd.OutOrStdout(), "neighbors\t%d\n", node.Overlay().NeighborCount())
		for addr, id := range node.AddressBookSnapshot() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", addr, id)
		}
		return nil
	},
}
