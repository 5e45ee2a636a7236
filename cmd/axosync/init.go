package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angeld23/axosync/internal/config"
	"github.com/angeld23/axosync/internal/ui"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "server",
	Short:   "Write a default axosync.toml",
	Long: `Write the default settings file for the current project.

The project name defaults to the name of the directory holding the file.
An existing file is left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.WriteDefault(configPath, initForce)
		if errors.Is(err, config.ErrExists) {
			fmt.Printf("%s %s already exists (use --force to overwrite)\n", ui.RenderWarn(ui.IconWarn), configPath)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass(ui.IconPass), configPath)
		fmt.Printf("   Project: %s\n", cfg.ProjectName)
		fmt.Printf("   Port: %d\n", cfg.Port)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file")

	rootCmd.AddCommand(initCmd)
}
