package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beamtutor/beamtutor/internal/config"
	"github.com/beamtutor/beamtutor/internal/pipeline/driver"
)

// debounceWindow batches the burst of write events editors emit on save.
const debounceWindow = 500 * time.Millisecond

// runWatch executes one full pass, then re-runs whenever a tutorial markdown
// file under the tutorials root changes. Returns when ctx is cancelled.
func runWatch(ctx context.Context, d *driver.Driver, cfg *config.File) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTutorialDirs(watcher, cfg.Tutorials.Root); err != nil {
		return err
	}

	runOnce := func() {
		report, err := d.Run(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		printReport(os.Stdout, report)
	}

	runOnce()
	fmt.Fprintf(os.Stderr, "watching %s for tutorial changes\n", cfg.Tutorials.Root)

	var pending *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			fmt.Fprintln(os.Stderr, "tutorial change detected, re-running")
			runOnce()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}

// watchTutorialDirs registers the tutorials root and every subdirectory.
// fsnotify watches directories, not globs; filtering happens per event.
func watchTutorialDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
