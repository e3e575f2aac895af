package main

import (
	"github.com/cyberinferno/devlink/config"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "devlinkd",
		Short:         "Device link daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	load := func() (config.Config, error) {
		return config.Load(configFlag)
	}

	rootCmd.AddCommand(newRunCommand(load))
	rootCmd.AddCommand(newPeerCommand(load))
	rootCmd.AddCommand(newCodesCommand())

	return rootCmd
}
