// Package app holds the dquotd commands.
package app

import (
	"flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type rootOptions struct {
	configPath string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCommand(opts)

	cmd := &cobra.Command{
		Use:   "dquotd",
		Short: "Disk quota daemon",
		Long:  `dquotd keeps per-user and per-group disk quota records, enforces their limits and writes them back to bolt or etcd.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			flag.Parse()
		},
		RunE:         serve.RunE,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "/etc/dquotd/config.yaml", "path to the configuration file")

	klog.InitFlags(nil)
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	_ = flag.Set("logtostderr", "true")

	cmd.AddCommand(serve, newImportCommand(opts), newReportCommand(opts))
	return cmd
}
