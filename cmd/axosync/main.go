// Command axosync keeps a project's sourcemap in sync with the editor plugin.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/angeld23/axosync/internal/config"
	"github.com/angeld23/axosync/internal/ui"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "axosync",
	Short: "Sourcemap sync server for the axosync editor plugin",
	Long: `axosync maintains sourcemap.json on behalf of the editor plugin.

The plugin sends ordered batches of path-addressed patches which are applied
to the persisted tree one batch at a time, and queries the file layout of the
project so it can link instances to files.

Running axosync with no subcommand starts the server.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.FileName, "Path to the settings file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)

	cobra.OnInitialize(func() {
		ui.Init(os.Stdout)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings reads the settings file. When it does not exist the defaults
// for its directory are returned and exists is false.
func loadSettings() (cfg config.Config, exists bool, err error) {
	if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) {
		dir := filepath.Dir(configPath)
		abs, absErr := filepath.Abs(dir)
		if absErr != nil {
			return config.Config{}, false, fmt.Errorf("failed to resolve %s: %w", dir, absErr)
		}
		return config.Default(abs).Resolve(abs), false, nil
	}

	cfg, err = config.Load(configPath)
	if err != nil {
		return config.Config{}, true, err
	}
	return cfg, true, nil
}

// quietLogger discards records; one-shot commands report through stdout.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
