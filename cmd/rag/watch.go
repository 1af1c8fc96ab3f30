package main

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"ragindex/internal/ingest"
)

func NewWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a directory and ingest changed documents",
		Long:  `Ingest every document under dir, then re-ingest files as they are created or modified.`,
		Args:  cobra.ExactArgs(1),
		RunE:  makeWatchRunner(a),
	}

	cmd.Flags().Duration("debounce", 0, "Debounce window for batching changes (default from config)")
	cmd.Flags().Bool("initial", true, "Ingest existing documents before watching")
	return cmd
}

func makeWatchRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		root := args[0]
		debounce, _ := cmd.Flags().GetDuration("debounce")
		initial, _ := cmd.Flags().GetBool("initial")

		cfg, err := a.config()
		if err != nil {
			return err
		}
		if debounce <= 0 {
			debounce = time.Duration(cfg.Server.WatchDebounce) * time.Millisecond
		}
		svc, err := a.service(cmd)
		if err != nil {
			return err
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer watcher.Close()

		if err := addWatchDirs(watcher, root); err != nil {
			return fmt.Errorf("add watch dirs: %w", err)
		}

		out := cmd.OutOrStdout()
		if initial {
			batch, err := svc.IngestDocuments(cmd.Context(), []string{root}, nil)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "initial ingest: %v\n", err)
			} else {
				printBatch(cmd, batch)
			}
		}
		fmt.Fprintf(out, "Watching %s for changes...\n", root)

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		pending := map[string]struct{}{}

		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Has(fsnotify.Create) && isDir(event.Name) {
					_ = addWatchDirs(watcher, event.Name)
					continue
				}
				if !shouldIngestEvent(event) {
					continue
				}
				if len(pending) == 0 {
					timer.Reset(debounce)
				}
				pending[event.Name] = struct{}{}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
			case <-timer.C:
				paths := slices.Sorted(maps.Keys(pending))
				clear(pending)
				printBatch(cmd, svc.IngestBatch(cmd.Context(), paths, nil))
			}
		}
	}
}

func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// shouldIngestEvent keeps writes and creates of ingestible, non-hidden
// files. Removals leave their chunks in the index.
func shouldIngestEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return ingest.Supported(event.Name)
}
