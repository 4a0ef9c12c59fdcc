package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/syncd/internal/config"
)

var configInitCmd = &cobra.Command{
	Use:   "config init [path]",
	Short: "Write a starting syncd.toml with every documented default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "syncd.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path, config.Default()); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage syncd's configuration file",
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
