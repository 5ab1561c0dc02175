package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dcs-mission-validator/internal/config"
)

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a policy file with the default settings",
		Long: `Write a policy file with the default forbidden folders, approved modules
and quiet period. An existing file is never overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultPolicyFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefaultPolicy(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default policy to %s\n", path)
			return nil
		},
	}
}
