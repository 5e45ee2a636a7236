package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/angeld23/axosync/internal/config"
	"github.com/angeld23/axosync/internal/journal"
	"github.com/angeld23/axosync/internal/logging"
	"github.com/angeld23/axosync/internal/scrape"
	"github.com/angeld23/axosync/internal/server"
	"github.com/angeld23/axosync/internal/sourcemap"
	"github.com/angeld23/axosync/internal/syncer"
	"github.com/angeld23/axosync/internal/ui"
)

// watchDebounce is how long a changed path must stay quiet before it is
// announced.
const watchDebounce = 250 * time.Millisecond

var servePort int

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Start the sync server (default command)",
	Long: `Start the HTTP server the editor plugin talks to.

Routes:
  GET  /getFilePaths          sorted list of paths below the scrape directory
  POST /sourcemapSet          apply a JSON array of patches to sourcemap.json
  GET  /getProjectFolderName  the configured project name
  GET  /sourcemap             the current tree
  GET  /history               recent batches (requires history_file)
  GET  /health, /metrics      status and prometheus metrics
  GET  /ws                    websocket feed of tree and file layout changes

If axosync.toml does not exist a default one is written first.

Example usage:
  axosync                       # serve with ./axosync.toml
  axosync serve --port 34000    # override the configured port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides the settings file)")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		proceed, err := firstRun()
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	var history server.History
	var recorder syncer.Recorder
	if cfg.HistoryFile != "" {
		j, err := openJournal(cfg.HistoryFile)
		if err != nil {
			return err
		}
		defer j.Close()
		history, recorder = j, j
	}

	store := sourcemap.NewStore(cfg.SourcemapDirectory)
	scraper := scrape.New(scrape.Config{
		Root:   cfg.FilePathsScrapeDirectory,
		Base:   cfg.FilePathsBase,
		Logger: logger,
	})

	var srv *server.Server
	worker, err := syncer.New(syncer.Config{
		Store:     store,
		Journal:   recorder,
		OnApplied: func(r syncer.Result) { srv.NotifyBatch(r) },
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	srv, err = server.New(server.Config{
		Port:        cfg.Port,
		ProjectName: cfg.ProjectName,
		Syncer:      worker,
		Paths:       scraper,
		History:     history,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if err := worker.Start(); err != nil {
		return err
	}
	defer worker.Stop()

	if err := srv.Start(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.WatchFilePaths {
		stopWatch := watchFilePaths(ctx, cfg.FilePathsScrapeDirectory, store.Owns, srv.NotifyFilePaths, logger)
		defer stopWatch()
	}

	fmt.Println(ui.Banner(
		ui.RenderAccent("axosync")+" "+ui.RenderMuted(cfg.ProjectName),
		fmt.Sprintf("Listening on http://%s", srv.Addr()),
		fmt.Sprintf("Sourcemap:   %s", store.Path()),
		fmt.Sprintf("File paths:  %s", scraper.Root()),
	))
	fmt.Println(ui.RenderMuted("Press Ctrl+C to stop..."))

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}

// firstRun writes the default settings file and, on a terminal, asks
// whether to start with them.
func firstRun() (bool, error) {
	cfg, err := config.WriteDefault(configPath, false)
	if err != nil {
		return false, err
	}
	fmt.Printf("%s Created %s for project %s\n", ui.RenderPass(ui.IconPass), configPath, ui.RenderAccent(cfg.ProjectName))

	if !ui.IsInteractive(os.Stdin) {
		return true, nil
	}

	proceed := true
	err = huh.NewConfirm().
		Title("Continue?").
		Description("Review " + configPath + " first if the defaults do not fit this project.").
		Affirmative("Yes").
		Negative("No").
		Value(&proceed).
		Run()
	if err != nil {
		return false, fmt.Errorf("prompt failed: %w", err)
	}
	return proceed, nil
}

func openJournal(path string) (*journal.Journal, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	if err := j.InitSchema(); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// watchFilePaths passes debounced layout changes below root to notify.
// Paths matching ignore are dropped, so saving the sourcemap inside the
// watched tree is not reported back as a layout change. A watcher that
// cannot start is logged and skipped.
func watchFilePaths(ctx context.Context, root string, ignore func(string) bool, notify func([]string), logger *slog.Logger) func() {
	w, err := scrape.NewWatcher()
	if err != nil {
		logger.Warn("file watching disabled", "error", err)
		return func() {}
	}
	if err := w.Start(root); err != nil {
		logger.Warn("file watching disabled", "error", err)
		_ = w.Stop()
		return func() {}
	}

	go func() {
		for err := range w.Errors() {
			logger.Warn("watcher error", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		scrape.Debounce(ctx, w.Events(), watchDebounce, func(paths []string) {
			paths = slices.DeleteFunc(paths, ignore)
			if len(paths) == 0 {
				return
			}
			logger.Debug("file paths changed", "count", len(paths))
			notify(paths)
		})
	}()

	return func() {
		_ = w.Stop()
		<-done
	}
}
