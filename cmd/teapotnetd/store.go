package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"teapotnet/core"
)

var storeCmd = &cobra.Command{
	Use:               "put <file>",
	Short:             "commit a file to the local block store and print its digest",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, args []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		digest, err := node.Store().Put(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), digest.String())
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:               "get <digest>",
	Short:             "fetch a block from the local store by digest",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, args []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		digest, err := core.IdentifierFromHex(args[0])
		if err != nil {
			return err
		}
		data, err := node.Store().GetBlock(digest)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
