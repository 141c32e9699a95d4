package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"teapotnet/core"
)

var dhtStoreCmd = &cobra.Command{
	Use:               "dht-store <key> <value>",
	Short:             "store a value in the DHT under key, replicating to known neighbors",
	Args:              cobra.ExactArgs(2),
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, args []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		key, err := core.IdentifierFromHex(args[0])
		if err != nil {
			return err
		}
		node.Overlay().Store(key, []byte(args[1]))
		fmt.Fprintln(cmd.OutOrStdout(), "stored")
		return nil
	},
}

var dhtRetrieveCmd = &cobra.Command{
	Use:               "dht-retrieve <key>",
	Short:             "retrieve values for key: the locally held ones if any, otherwise the first value returned via the DHT",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, args []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		key, err := core.IdentifierFromHex(args[0])
		if err != nil {
			return err
		}
		values, err := node.Overlay().Retrieve(context.Background(), key, node.Config().RequestTimeout)
		if err != nil {
			return err
		}
		for _, v := range values {
			fmt.Fprintln(cmd.OutOrStdout(), string(v))
		}
		return nil
	},
}
