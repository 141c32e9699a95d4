package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"teapotnet/core"
	tpconfig "teapotnet/pkg/config"
)

var (
	rt      *core.Runtime
	rtMu    sync.RWMutex
	rtCtx   context.Context
	rtClose context.CancelFunc
)

func currentRuntime() *core.Runtime {
	rtMu.RLock()
	defer rtMu.RUnlock()
	return rt
}

func serveInit(cmd *cobra.Command, _ []string) error {
	rtMu.RLock()
	already := rt != nil
	rtMu.RUnlock()
	if already {
		return nil
	}
	if err := loadConfig(); err != nil {
		return err
	}
	node, err := core.NewRuntime(tpconfig.AppConfig, logrus.StandardLogger())
	if err != nil {
		return err
	}
	rtMu.Lock()
	rt = node
	rtMu.Unlock()
	return nil
}

var serveCmd = &cobra.Command{
	Use:               "serve",
	Short:             "start the node and block until interrupted",
	PersistentPreRunE: serveInit,
	RunE: func(cmd *cobra.Command, _ []string) error {
		node := currentRuntime()
		if node == nil {
			return fmt.Errorf("not initialised")
		}
		ctx, cancel := context.WithCancel(context.Background())
		rtCtx, rtClose = ctx, cancel
		if _, err := node.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "teapotnetd listening as %s\n", node.User().ID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
		return node.Close()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop a node started by this process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rtMu.Lock()
		node := rt
		rt = nil
		rtMu.Unlock()
		if node == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "not running")
			return nil
		}
		if rtClose != nil {
			rtClose()
		}
		return node.Close()
	},
}
