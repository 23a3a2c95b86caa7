package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
)

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report any validation issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath)
			if err != nil {
				var validationErr *config.ConfigValidationError
				if errors.As(err, &validationErr) {
					fmt.Fprintln(cmd.OutOrStdout(), validationErr.Error())
					return err
				}
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}
