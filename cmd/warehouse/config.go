package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/warehouse/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config file utilities",
}

var configObfuscateCmd = &cobra.Command{
	Use:   "obfuscate",
	Short: "Obfuscate plain-text passwords in the config file in place",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := config.ObfuscateFile(cfgFile)
		if err != nil {
			return fmt.Errorf("obfuscating config: %w", err)
		}

		fmt.Printf("Obfuscated %d secret(s) in %s\n", n, cfgFile)

		return nil
	},
}

func init() {
	configCmd.AddCommand(configObfuscateCmd)
	rootCmd.AddCommand(configCmd)
}
