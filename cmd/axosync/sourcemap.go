package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/angeld23/axosync/internal/errs"
	"github.com/angeld23/axosync/internal/sourcemap"
	"github.com/angeld23/axosync/internal/syncer"
	"github.com/angeld23/axosync/internal/ui"
)

var (
	sourcemapFormat string
	sourcemapLocal  bool
)

var sourcemapCmd = &cobra.Command{
	Use:     "sourcemap",
	GroupID: "inspect",
	Short:   "Inspect or patch sourcemap.json",
}

var sourcemapShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}

		root, err := sourcemap.NewStore(cfg.SourcemapDirectory).Load()
		if err != nil {
			return err
		}

		switch sourcemapFormat {
		case "json":
			data, err := sourcemap.Encode(root)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(root); err != nil {
				return fmt.Errorf("failed to encode yaml: %w", err)
			}
			return enc.Close()
		default:
			return fmt.Errorf("unknown format %q (expected json or yaml)", sourcemapFormat)
		}
		return nil
	},
}

var sourcemapApplyCmd = &cobra.Command{
	Use:   "apply <batch.json|->",
	Short: "Apply a patch batch to sourcemap.json",
	Long: `Apply a JSON array of patches, in the same format POST /sourcemapSet
accepts, to the persisted tree. Use "-" to read the batch from stdin.

The batch is all-or-nothing: if any patch addresses a missing node the file
is left untouched.

When a server for this project answers on the configured port the batch is
sent to it and joins its queue. Otherwise it is applied here, holding the
same lock file the server takes for each batch. --local skips the server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}

		patches, err := readBatch(args[0])
		if err != nil {
			return err
		}

		if !sourcemapLocal {
			if base := runningServer(cmd.Context(), cfg); base != "" {
				if err := postBatch(cmd.Context(), base, patches); err != nil {
					return err
				}
				fmt.Printf("%s Applied %d operation(s) through the server at %s\n", ui.RenderPass(ui.IconPass), len(patches), base)
				return nil
			}
		}

		var recorder syncer.Recorder
		if cfg.HistoryFile != "" {
			j, err := openJournal(cfg.HistoryFile)
			if err != nil {
				return err
			}
			defer j.Close()
			recorder = j
		}

		worker, err := syncer.New(syncer.Config{
			Store:   sourcemap.NewStore(cfg.SourcemapDirectory),
			Journal: recorder,
			Logger:  quietLogger(),
		})
		if err != nil {
			return err
		}
		if err := worker.Start(); err != nil {
			return err
		}
		defer worker.Stop()

		res, err := worker.Apply(cmd.Context(), patches)
		if err != nil {
			return err
		}

		fmt.Printf("%s Applied %d operation(s) in %v\n", ui.RenderPass(ui.IconPass), res.Operations, res.Duration.Round(time.Microsecond))
		fmt.Printf("   Batch: %s\n", res.BatchID)
		fmt.Printf("   Nodes: %d\n", res.Nodes)
		return nil
	},
}

// readBatch decodes a patch array from a file or stdin.
func readBatch(name string) ([]sourcemap.Patch, error) {
	var r io.Reader = os.Stdin
	source := "stdin"
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, &errs.FileSystemError{Op: "read", Path: name, Err: err}
		}
		defer f.Close()
		r, source = f, name
	}

	patches, err := sourcemap.DecodeBatch(r)
	if err != nil {
		return nil, &errs.FormatError{Source: source, Err: err}
	}
	return patches, nil
}

func init() {
	sourcemapShowCmd.Flags().StringVarP(&sourcemapFormat, "format", "f", "json", "Output format (json|yaml)")
	sourcemapApplyCmd.Flags().BoolVar(&sourcemapLocal, "local", false, "Apply to the file directly even if a server is running")

	sourcemapCmd.AddCommand(sourcemapShowCmd)
	sourcemapCmd.AddCommand(sourcemapApplyCmd)
	rootCmd.AddCommand(sourcemapCmd)
}
