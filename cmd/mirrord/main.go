// Command mirrord runs one or more directory mirrors: each watches an
// origin directory and keeps a target directory an eventually-consistent
// copy of it, polling on a fixed interval.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wjongkind/cowmirror/cmd"
	"github.com/wjongkind/cowmirror/internal/config"
	"github.com/wjongkind/cowmirror/internal/mlog"
)

var (
	configFile string
	quiet      bool
)

func main() {
	root := &cobra.Command{
		Use:   "mirrord",
		Short: "cowmirror directory mirroring daemon",
	}

	runCmd := &cobra.Command{
		Use:   "run [origin=<path> mirror=<path> interval=<ms> maxsize=<bytes> [buffermultiplier=<kib>]]",
		Short: "Start mirroring until interrupted",
		Long: "Start mirroring until interrupted. Either pass the mirror's\n" +
			"parameters as key=value arguments, or point --config at a YAML\n" +
			"file describing one or more mirrors.",
		RunE: runRun,
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "path to a YAML file describing one or more mirrors")
	runCmd.Flags().BoolVar(&quiet, "quiet", false, "suppress routine tick output, keep warnings and errors")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(c *cobra.Command, args []string) error {
			fmt.Println(cmd.VersionString())
			return nil
		},
	}

	root.AddCommand(runCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRun(c *cobra.Command, args []string) error {
	mlog.SetQuiet(quiet)

	var loadArgs []string
	if configFile != "" {
		loadArgs = []string{"-config", configFile}
	} else {
		loadArgs = args
	}

	mirrors, err := config.Load(loadArgs)
	if err != nil {
		// Configuration diagnostics go to stdout, one line, then a
		// non-zero exit.
		fmt.Println("configuration error:", err)
		c.SilenceErrors = true
		c.SilenceUsage = true
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd.Run(ctx, mirrors)
}
