package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittorpc/pkg/config"
)

var initArgs struct {
	force bool
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default configuration file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := rootArgs.configPath
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if err := config.InitConfigToPath(path, initArgs.force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initArgs.force, "force", "f", false, "overwrite an existing file")
}
