package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// finalFlushTimeout bounds the flush run when watch exits.
const finalFlushTimeout = 30 * time.Second

var watchKeep bool

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Save change files dropped into a directory",
	Long: `Watch a directory for *.json files of JSON-lines record changes. Each file
is queued in the edit buffer and removed; the buffer saves on its idle
interval. On interrupt the buffer is flushed once more before exiting.
Write files elsewhere and rename them into the directory so they are read whole.

When nats.enabled is set, cached pages are revalidated on server change events
and save failures are also published on the event bus.

Examples:
  scratch watch ./inbox`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchKeep, "keep", false, "keep change files after queueing them")
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := loadApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watchDir(ctx, a, args[0], !watchKeep, cmd.OutOrStdout())
}

// watcher feeds change files of one directory into an app's buffer.
type watcher struct {
	app       *app
	dir       string
	remove    bool
	out       io.Writer
	workbooks map[string]bool
}

// watchDir blocks until ctx is done, then flushes once.
func watchDir(ctx context.Context, a *app, dir string, remove bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &watcher{app: a, dir: dir, remove: remove, out: out, workbooks: make(map[string]bool)}

	if err := a.buffer.Start(ctx); err != nil {
		return err
	}
	a.logger.Info(ctx, "watching for change files", zap.String("dir", dir))

	// Files already present are queued before new events.
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return w.finish()
		case ev, ok := <-fsw.Events:
			if !ok {
				return w.finish()
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.handle(ctx, ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return w.finish()
			}
			a.logger.Warn(ctx, "watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) scan(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		w.app.logger.Warn(ctx, "failed to list change files", zap.Error(err))
		return
	}
	sort.Strings(matches)
	for _, path := range matches {
		w.handle(ctx, path)
	}
}

// handle queues the changes of one file. Files that do not parse yet are left
// in place; a later write event retries them.
func (w *watcher) handle(ctx context.Context, path string) {
	if filepath.Ext(path) != ".json" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.app.logger.Warn(ctx, "failed to read change file", zap.String("path", path), zap.Error(err))
		}
		return
	}
	changes, err := readChanges(bytes.NewReader(data))
	if err != nil {
		w.app.logger.Warn(ctx, "skipping change file", zap.String("path", path), zap.Error(err))
		return
	}
	if len(changes) == 0 {
		return
	}

	for _, c := range changes {
		if w.workbooks[c.WorkbookID] {
			continue
		}
		if err := w.app.subscribe(ctx, c.WorkbookID); err != nil {
			w.app.logger.Warn(ctx, "failed to subscribe to change events",
				zap.String("workbook.id", c.WorkbookID), zap.Error(err))
			continue
		}
		w.workbooks[c.WorkbookID] = true
	}

	w.app.buffer.AddPendingChange(changes...)
	fmt.Fprintf(w.out, "queued %d change(s) from %s, %d pending\n",
		len(changes), filepath.Base(path), w.app.buffer.Len())

	if w.remove {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.app.logger.Warn(ctx, "failed to remove change file", zap.String("path", path), zap.Error(err))
		}
	}
}

// finish stops the idle loop and runs one last flush.
func (w *watcher) finish() error {
	w.app.buffer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	w.app.buffer.SavePendingChanges(ctx)

	remaining := w.app.buffer.Len()
	fmt.Fprintf(w.out, "stopped, %d pending\n", remaining)
	if remaining > 0 {
		return fmt.Errorf("%w: %d", ErrChangesRemain, remaining)
	}
	return nil
}
