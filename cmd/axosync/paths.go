package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/angeld23/axosync/internal/scrape"
)

var pathsJSON bool

var pathsCmd = &cobra.Command{
	Use:     "paths",
	GroupID: "inspect",
	Short:   "Print the file paths the plugin would receive",
	Long: `Scrape file_paths_scrape_directory and print the result exactly as
GET /getFilePaths would return it: canonical, '/'-separated and sorted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}

		paths, err := scrape.New(scrape.Config{
			Root: cfg.FilePathsScrapeDirectory,
			Base: cfg.FilePathsBase,
		}).Paths(cmd.Context())
		if err != nil {
			return err
		}

		if pathsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(paths)
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

func init() {
	pathsCmd.Flags().BoolVar(&pathsJSON, "json", false, "Output as a JSON array")

	rootCmd.AddCommand(pathsCmd)
}
