// Command teapotnetd runs a teapotnet node: overlay routing, block
// storage, pub/sub fabric and user tunnels (§1).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tpconfig "teapotnet/pkg/config"
)

var envFlag string

var rootCmd = &cobra.Command{
	Use:   "teapotnetd",
	Short: "teapotnet peer-to-peer private network daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFlag, "env", "", "config override to merge (e.g. bootstrap)")
	rootCmd.AddCommand(serveCmd, stopCmd, peersCmd, storeCmd, publishCmd, subscribeCmd, dhtStoreCmd, dhtRetrieveCmd)
}

func loadConfig() error {
	_ = godotenv.Load()
	cfg, err := tpconfig.Load(envFlag)
	if err != nil {
		return err
	}
	lv, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)
	return nil
}

func main() {
	viper.SetEnvPrefix("teapotnet")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
