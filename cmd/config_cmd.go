package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/relay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the relay config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configSetCommandCmd = &cobra.Command{
	Use:   "set-command <command>",
	Short: "Set the CLI tool the broker fronts",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigSetCommand,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCommandCmd)
}

// activeConfigPath is where edits land: the loaded file, or the local
// default when none was found.
func activeConfigPath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return ".relay/config.yaml"
}

func runConfigInit(_ *cobra.Command, args []string) error {
	path := ".relay/config.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func runConfigSetCommand(_ *cobra.Command, args []string) error {
	cli := cfg.CLI
	cli.Command = args[0]

	path := activeConfigPath()
	if err := config.SaveCLI(path, cli); err != nil {
		return fmt.Errorf("updating config: %w", err)
	}
	fmt.Printf("Set cli.command to %s in %s\n", args[0], path)
	return nil
}
