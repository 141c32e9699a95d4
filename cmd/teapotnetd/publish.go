package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"teapotnet/core"
)

var publishCmd = &cobra.Command{
	Use:               "publish <path> <digest>",
	Short:             "publish a target digest under a path on the local fabric",
	Args:              cobra.ExactArgs(2),
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, args []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		target, err := core.IdentifierFromHex(args[1])
		if err != nil {
			return err
		}
		node.Fabric().Publish(args[0], []core.Identifier{target}, nil, core.ZeroIdentifier, true)
		fmt.Fprintf(cmd.OutOrStdout(), "published %s under %s\n", target, args[0])
		return nil
	},
}

var subscribeCmd = &cobra.Command{
	Use:               "subscribe <node-id> <prefix>",
	Short:             "subscribe to a remote node's fabric under a path prefix",
	Args:              cobra.ExactArgs(2),
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, args []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		remote, err := core.IdentifierFromHex(args[0])
		if err != nil {
			return err
		}
		if err := node.Fabric().Subscribe(remote, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "subscribed to %s under %s\n", remote, args[1])
		return nil
	},
}
