package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, log.Default())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	logger     *log.Logger
}

func newRootCmd(out io.Writer, logger *log.Logger) *cobra.Command {
	c := &cli{logger: logger}
	root := &cobra.Command{
		Use:           "taskmirror",
		Short:         "Offline-first mirror of the available-tasks feed",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("TASKMIRROR_CONFIG"), "YAML config file (env TASKMIRROR_* always applies)")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.listCmd(),
		c.refreshCmd(),
		c.withdrawCmd(),
		c.applyCmd(),
		c.serveCmd(),
		c.tuiCmd(),
		c.envCmd(),
	)
	return root
}
